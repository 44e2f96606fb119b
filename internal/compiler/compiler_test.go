package compiler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"maestro/internal/errors"
	"maestro/internal/registry"
	"maestro/internal/schema"
	"maestro/internal/store"
)

type compileTool struct{}

func (compileTool) Execute(_ context.Context, inputs map[string]any) (map[string]any, error) {
	return inputs, nil
}
func (compileTool) InputSchema() map[string]schema.FieldType  { return nil }
func (compileTool) OutputSchema() map[string]schema.FieldType { return nil }

type toolFactory struct{ name string }

func (f *toolFactory) New(map[string]any) (any, error) { return compileTool{}, nil }
func (f *toolFactory) Fingerprint() string             { return f.name }

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(nil)
	require.NoError(t, reg.Register(registry.KindTool, "echo_tool", &toolFactory{name: "echo"}))
	require.NoError(t, reg.Register(registry.KindTool, "counter", &toolFactory{name: "counter"}))
	require.NoError(t, reg.Register(registry.KindLLMProvider, "stub-model", registry.FactoryFunc(func(map[string]any) (any, error) {
		return nil, nil
	})))
	require.NoError(t, reg.Register(registry.KindAgent, "refiner", registry.FactoryFunc(func(map[string]any) (any, error) {
		return refinerAgent{}, nil
	})))
	return reg
}

type refinerAgent struct{}

func (refinerAgent) Decide(context.Context, map[string]any) (registry.Decision, error) {
	return registry.Decision{Done: true}, nil
}
func (refinerAgent) AllowedTools() []string                 { return nil }
func (refinerAgent) Observe(map[string]any, map[string]any) {}

func parse(t *testing.T, doc string) schema.Blueprint {
	t.Helper()
	bp, err := schema.ParseBlueprint([]byte(doc))
	require.NoError(t, err)
	return bp
}

const echoChain = `{
	"schema_version": "1.0",
	"nodes": [
		{"id": "n1", "kind": "tool", "tool_name": "echo_tool", "tool_args": {"msg": "hello"},
		 "output_schema": {"text": "string"}},
		{"id": "n2", "kind": "llm", "dependencies": ["n1"], "model": "stub-model",
		 "prompt_template": "say: ${n1.text}", "llm_config": {}}
	]
}`

func TestCompileEchoChain(t *testing.T) {
	c := New(testRegistry(t), nil, Options{}, nil)
	plan, err := c.Compile(parse(t, echoChain))
	require.NoError(t, err)

	require.Equal(t, [][]string{{"n1"}, {"n2"}}, plan.Levels)
	require.Equal(t, []string{"n1"}, plan.EntryIDs)
	require.Equal(t, []string{"n2"}, plan.TerminalIDs)

	n1 := plan.Node("n1")
	require.Equal(t, 0, n1.Level)
	require.Equal(t, registry.KindTool, n1.Factory.Kind)
	require.Equal(t, 1, n1.Retry.MaxAttempts)
	require.Equal(t, 100*time.Millisecond, n1.Retry.BaseDelay)
	require.Equal(t, 30*time.Second, n1.Timeout)

	n2 := plan.Node("n2")
	require.Equal(t, 1, n2.Level)
	require.NotNil(t, n2.Prompt)
	require.Len(t, n2.Prompt.Paths(), 1)
	require.Equal(t, "n1", n2.Prompt.Paths()[0].Root)
}

func TestCompileIsDeterministic(t *testing.T) {
	c := New(testRegistry(t), nil, Options{}, nil)
	bp := parse(t, `{
		"schema_version": "1.0",
		"nodes": [
			{"id": "z", "kind": "tool", "tool_name": "echo_tool", "tool_args": {}},
			{"id": "a", "kind": "tool", "tool_name": "echo_tool", "tool_args": {}},
			{"id": "m", "kind": "tool", "dependencies": ["z", "a"], "tool_name": "echo_tool", "tool_args": {}}
		]
	}`)

	first, err := c.Compile(bp)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := c.Compile(bp)
		require.NoError(t, err)
		require.Equal(t, first.Levels, again.Levels)
		require.Equal(t, first.BlueprintID, again.BlueprintID)
	}
	// Level sets are sorted by id regardless of declaration order.
	require.Equal(t, [][]string{{"a", "z"}, {"m"}}, first.Levels)
}

func TestCompileCollectsAllErrors(t *testing.T) {
	c := New(testRegistry(t), nil, Options{}, nil)
	bp := parse(t, `{
		"schema_version": "1.0",
		"nodes": [
			{"id": "n1", "kind": "tool", "tool_name": "missing_tool", "tool_args": {}},
			{"id": "n2", "kind": "tool", "dependencies": ["ghost"], "tool_name": "echo_tool", "tool_args": {}},
			{"id": "n3", "kind": "condition", "dependencies": ["n1"], "expression": "len(${n1.x}) > 0",
			 "true_branch": [], "false_branch": []}
		]
	}`)

	_, err := c.Compile(bp)
	require.Error(t, err)
	list, ok := err.(*ErrorList)
	require.True(t, ok)
	require.GreaterOrEqual(t, len(list.Issues), 3)

	kinds := map[errors.Kind]bool{}
	for _, issue := range list.Issues {
		kinds[issue.Kind] = true
	}
	require.True(t, kinds[errors.KindNotFound])
	require.True(t, kinds[errors.KindValidation])
}

func TestCompileRejectsIllegalCycle(t *testing.T) {
	c := New(testRegistry(t), nil, Options{}, nil)
	bp := parse(t, `{
		"schema_version": "1.0",
		"nodes": [
			{"id": "a", "kind": "tool", "dependencies": ["b"], "tool_name": "echo_tool", "tool_args": {}},
			{"id": "b", "kind": "tool", "dependencies": ["a"], "tool_name": "echo_tool", "tool_args": {}}
		]
	}`)

	_, err := c.Compile(bp)
	require.Error(t, err)
	list := err.(*ErrorList)
	found := false
	for _, issue := range list.Issues {
		if issue.Kind == errors.KindIllegalCycle {
			found = true
		}
	}
	require.True(t, found)
}

func TestCompileAllowsRecursionCycle(t *testing.T) {
	c := New(testRegistry(t), nil, Options{}, nil)
	bp := parse(t, `{
		"schema_version": "1.0",
		"nodes": [
			{"id": "n_propose", "kind": "tool", "dependencies": ["rec"], "tool_name": "counter", "tool_args": {}},
			{"id": "rec", "kind": "recursive", "dependencies": ["n_propose"],
			 "agent_or_workflow_ref": "refiner", "recursive_sources": ["n_propose"],
			 "convergence_condition": "${accumulator.score} >= 0.8", "max_iterations": 5}
		]
	}`)

	plan, err := c.Compile(bp)
	require.NoError(t, err)

	// Cycle members collapse into one level.
	require.Equal(t, plan.Node("rec").Level, plan.Node("n_propose").Level)
	require.NotNil(t, plan.Node("rec").Convergence)
}

func TestCompileRejectsSelfDependency(t *testing.T) {
	c := New(testRegistry(t), nil, Options{}, nil)
	bp := parse(t, `{
		"schema_version": "1.0",
		"nodes": [
			{"id": "a", "kind": "tool", "dependencies": ["a"], "tool_name": "echo_tool", "tool_args": {}}
		]
	}`)
	_, err := c.Compile(bp)
	require.Error(t, err)
}

func TestLevelSoundness(t *testing.T) {
	c := New(testRegistry(t), nil, Options{}, nil)
	bp := parse(t, `{
		"schema_version": "1.0",
		"nodes": [
			{"id": "a", "kind": "tool", "tool_name": "echo_tool", "tool_args": {}},
			{"id": "b", "kind": "tool", "dependencies": ["a"], "tool_name": "echo_tool", "tool_args": {}},
			{"id": "c", "kind": "tool", "dependencies": ["a"], "tool_name": "echo_tool", "tool_args": {}},
			{"id": "d", "kind": "tool", "dependencies": ["b", "c"], "tool_name": "echo_tool", "tool_args": {}},
			{"id": "e", "kind": "tool", "dependencies": ["a", "d"], "tool_name": "echo_tool", "tool_args": {}}
		]
	}`)

	plan, err := c.Compile(bp)
	require.NoError(t, err)

	for id, node := range plan.Nodes {
		for _, dep := range node.Spec.Dependencies {
			require.Less(t, plan.Node(dep).Level, node.Level, "edge %s->%s", dep, id)
		}
	}
	// Longest path wins: e sits below d even though a is also a direct dep.
	require.Equal(t, 3, plan.Node("e").Level)
}

func TestCompileNestedWorkflow(t *testing.T) {
	reg := testRegistry(t)
	blueprints := store.NewBlueprintStore()
	subID, err := blueprints.Put(parse(t, `{
		"schema_version": "1.0",
		"nodes": [
			{"id": "inner", "kind": "tool", "tool_name": "echo_tool", "tool_args": {"msg": "inner"}}
		]
	}`))
	require.NoError(t, err)

	c := New(reg, blueprints, Options{}, nil)
	bp := parse(t, `{
		"schema_version": "1.0",
		"nodes": [
			{"id": "outer", "kind": "workflow", "workflow_ref": "`+subID+`"}
		]
	}`)

	plan, err := c.Compile(bp)
	require.NoError(t, err)
	sub := plan.Node("outer").SubPlan
	require.NotNil(t, sub)
	require.Equal(t, subID, sub.BlueprintID)
	require.NotNil(t, sub.Node("inner"))
}

func TestCompileUnknownWorkflowRef(t *testing.T) {
	c := New(testRegistry(t), store.NewBlueprintStore(), Options{}, nil)
	bp := parse(t, `{
		"schema_version": "1.0",
		"nodes": [
			{"id": "outer", "kind": "workflow", "workflow_ref": "no_such_blueprint"}
		]
	}`)
	_, err := c.Compile(bp)
	require.Error(t, err)
}

func TestStrictModePromotesWarnings(t *testing.T) {
	doc := `{
		"schema_version": "1.0",
		"nodes": [
			{"id": "n1", "kind": "tool", "tool_name": "echo_tool", "tool_args": {},
			 "output_schema": {"text": "string"}},
			{"id": "n2", "kind": "llm", "dependencies": ["n1"], "model": "stub-model",
			 "prompt_template": "use ${n1.nope}", "llm_config": {}}
		]
	}`

	lax := New(testRegistry(t), nil, Options{}, nil)
	plan, err := lax.Compile(parse(t, doc))
	require.NoError(t, err)
	require.NotEmpty(t, plan.Warnings)

	strict := New(testRegistry(t), nil, Options{Strict: true}, nil)
	_, err = strict.Compile(parse(t, doc))
	require.Error(t, err)
}

func TestPlanCacheHitsUntilRegistryChanges(t *testing.T) {
	reg := testRegistry(t)
	cache, err := store.NewPlanCache[*Plan](8)
	require.NoError(t, err)
	c := New(reg, nil, Options{}, nil).WithPlanCache(cache)

	bp := parse(t, echoChain)
	first, err := c.Compile(bp)
	require.NoError(t, err)
	again, err := c.Compile(bp)
	require.NoError(t, err)
	require.Same(t, first, again)

	// A registry change invalidates the cached plan's key.
	require.NoError(t, reg.Register(registry.KindTool, "late_tool", &toolFactory{name: "late"}))
	fresh, err := c.Compile(bp)
	require.NoError(t, err)
	require.NotSame(t, first, fresh)
	require.Equal(t, first.BlueprintID, fresh.BlueprintID)
}

func TestCompileRequiresBranchMembersDownstreamOfCondition(t *testing.T) {
	c := New(testRegistry(t), nil, Options{}, nil)

	// t1 sits in the true branch but never depends on the condition, so
	// the scheduler would run it before the condition has decided.
	bp := parse(t, `{
		"schema_version": "1.0",
		"nodes": [
			{"id": "src", "kind": "tool", "tool_name": "echo_tool", "tool_args": {},
			 "output_schema": {"score": "number"}},
			{"id": "gate", "kind": "condition", "dependencies": ["src"],
			 "expression": "${src.score} > 0.5", "true_branch": ["t1"], "false_branch": []},
			{"id": "t1", "kind": "tool", "dependencies": ["src"], "tool_name": "echo_tool", "tool_args": {}}
		]
	}`)
	_, err := c.Compile(bp)
	require.Error(t, err)
	list := err.(*ErrorList)
	found := false
	for _, issue := range list.Issues {
		if issue.Kind == errors.KindValidation && issue.Path == "true_branch" {
			found = true
		}
	}
	require.True(t, found)

	// Transitive reachability counts: gate -> mid -> t1.
	wired := parse(t, `{
		"schema_version": "1.0",
		"nodes": [
			{"id": "src", "kind": "tool", "tool_name": "echo_tool", "tool_args": {},
			 "output_schema": {"score": "number"}},
			{"id": "gate", "kind": "condition", "dependencies": ["src"],
			 "expression": "${src.score} > 0.5", "true_branch": ["mid", "t1"], "false_branch": []},
			{"id": "mid", "kind": "tool", "dependencies": ["gate"], "tool_name": "echo_tool", "tool_args": {}},
			{"id": "t1", "kind": "tool", "dependencies": ["mid"], "tool_name": "echo_tool", "tool_args": {}}
		]
	}`)
	_, err = c.Compile(wired)
	require.NoError(t, err)
}

func TestCompileRejectsUnknownPlaceholderRoot(t *testing.T) {
	c := New(testRegistry(t), nil, Options{}, nil)
	bp := parse(t, `{
		"schema_version": "1.0",
		"nodes": [
			{"id": "n1", "kind": "tool", "tool_name": "echo_tool", "tool_args": {"say": "${elsewhere.text}"}}
		]
	}`)
	_, err := c.Compile(bp)
	require.Error(t, err)
}
