// Package compiler turns blueprints into executable plans. Compilation
// is best-effort: one pass collects every semantic error it can find
// before giving up, so authors fix whole blueprints instead of playing
// whack-a-mole.
package compiler

import (
	"fmt"
	"sort"
	"time"

	"maestro/internal/convergence"
	"maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/registry"
	"maestro/internal/schema"
	"maestro/internal/store"
	"maestro/internal/template"
)

const (
	defaultMaxAttempts   = 1
	defaultBackoffBaseMS = 100
	defaultBackoffFactor = 2.0
	defaultTimeoutMS     = 30000

	// DefaultMaxWorkflowDepth caps nested workflow compilation.
	DefaultMaxWorkflowDepth = 8
)

// BlueprintGetter fetches stored blueprints for workflow refs.
// *store.BlueprintStore satisfies it.
type BlueprintGetter interface {
	Get(id string) (schema.Blueprint, error)
}

// Options tunes compilation.
type Options struct {
	// Strict promotes type-check warnings to errors.
	Strict bool
	// MaxWorkflowDepth bounds nested workflow compilation; zero means
	// DefaultMaxWorkflowDepth.
	MaxWorkflowDepth int
}

// Compiler validates blueprints against a registry snapshot and a
// blueprint store. Safe for concurrent use.
type Compiler struct {
	registry   *registry.Registry
	blueprints BlueprintGetter
	opts       Options
	logger     logging.Logger
	cache      *store.PlanCache[*Plan]
}

// New returns a compiler. blueprints may be nil when workflow nodes
// only reference registered workflow factories.
func New(reg *registry.Registry, blueprints BlueprintGetter, opts Options, logger logging.Logger) *Compiler {
	if opts.MaxWorkflowDepth <= 0 {
		opts.MaxWorkflowDepth = DefaultMaxWorkflowDepth
	}
	return &Compiler{
		registry:   reg,
		blueprints: blueprints,
		opts:       opts,
		logger:     logging.OrNop(logger),
	}
}

// WithPlanCache makes Compile reuse plans for blueprints already
// compiled against the current registry version.
func (c *Compiler) WithPlanCache(cache *store.PlanCache[*Plan]) *Compiler {
	c.cache = cache
	return c
}

// Compile produces a plan or the full list of compile errors. The
// returned error, when non-nil, is always an *ErrorList.
func (c *Compiler) Compile(bp schema.Blueprint) (*Plan, error) {
	var key store.PlanKey
	if c.cache != nil {
		if id, err := schema.Identity(bp); err == nil {
			key = store.PlanKey{BlueprintID: id, RegistryVersion: c.registry.Version()}
			if plan, ok := c.cache.Get(key); ok {
				return plan, nil
			}
		}
	}

	plan, list := c.compile(bp, nil, 0)
	if list.failed(c.opts.Strict) {
		return nil, list
	}
	plan.Warnings = warningsOf(list)

	if c.cache != nil && key.BlueprintID != "" {
		c.cache.Put(key, plan)
	}
	return plan, nil
}

func warningsOf(list *ErrorList) []Issue {
	var out []Issue
	for _, issue := range list.Issues {
		if issue.Warning {
			out = append(out, issue)
		}
	}
	return out
}

// compile runs every pass even when earlier ones fail, so the error
// list is as complete as the surviving structure allows. Passes that
// need a sound graph (levels) bail out quietly when it is not.
func (c *Compiler) compile(bp schema.Blueprint, visiting []string, depth int) (*Plan, *ErrorList) {
	list := &ErrorList{}

	id, err := schema.Identity(bp)
	if err != nil {
		list.add(errors.KindCompile, "", "", "blueprint not hashable: %v", err)
		return nil, list
	}

	plan := &Plan{
		BlueprintID:     id,
		RegistryVersion: c.registry.Version(),
		Nodes:           make(map[string]*PlanNode, len(bp.Nodes)),
	}

	c.checkNodes(bp, list)
	c.checkStructure(bp, list)

	g := buildGraph(bp)
	components := g.sccs()
	sound := c.checkCycles(bp, g, components, list)

	ancestors := transitiveAncestors(g)
	c.checkBranchWiring(bp, ancestors, list)

	for _, spec := range bp.Nodes {
		node := &PlanNode{Spec: spec}
		c.resolveReferences(spec, node, visiting, depth, list)
		c.wireTemplates(bp, spec, node, ancestors[spec.ID], list)
		normalizePolicies(spec, node)
		plan.Nodes[spec.ID] = node
	}

	if sound {
		c.assignPlanLevels(bp, g, components, plan)
	}
	return plan, list
}

// checkNodes validates each node's envelope and payload shape.
func (c *Compiler) checkNodes(bp schema.Blueprint, list *ErrorList) {
	for _, spec := range bp.Nodes {
		if spec.ID == "" {
			list.add(errors.KindValidation, "", "id", "node id must not be empty")
			continue
		}
		if !spec.Kind.Valid() {
			list.add(errors.KindValidation, spec.ID, "kind", "unknown node kind %q", spec.Kind)
			continue
		}
		if spec.Payload == nil {
			list.add(errors.KindValidation, spec.ID, "", "missing %s payload", spec.Kind)
		}
		for field, ft := range spec.InputSchema {
			if !ft.Valid() {
				list.add(errors.KindValidation, spec.ID, "input_schema."+field, "unknown field type %q", ft)
			}
		}
		for field, ft := range spec.OutputSchema {
			if !ft.Valid() {
				list.add(errors.KindValidation, spec.ID, "output_schema."+field, "unknown field type %q", ft)
			}
		}
	}
}

// checkStructure reports duplicate ids, dangling references and
// self-dependencies outside recursive_sources.
func (c *Compiler) checkStructure(bp schema.Blueprint, list *ErrorList) {
	seen := make(map[string]bool, len(bp.Nodes))
	for _, spec := range bp.Nodes {
		if seen[spec.ID] {
			list.add(errors.KindValidation, spec.ID, "id", "duplicate node id")
		}
		seen[spec.ID] = true
	}

	for _, spec := range bp.Nodes {
		for _, dep := range spec.Dependencies {
			if !seen[dep] {
				list.add(errors.KindValidation, spec.ID, "dependencies", "dependency %q does not exist", dep)
				continue
			}
			if dep == spec.ID && !selfRecursive(spec) {
				list.add(errors.KindIllegalCycle, spec.ID, "dependencies", "node depends on itself")
			}
		}
		// Branch and body references must exist too.
		switch p := spec.Payload.(type) {
		case schema.ConditionPayload:
			checkIDList(list, seen, spec.ID, "true_branch", p.TrueBranch)
			checkIDList(list, seen, spec.ID, "false_branch", p.FalseBranch)
		case schema.LoopPayload:
			checkIDList(list, seen, spec.ID, "body_nodes", p.BodyNodes)
		case schema.ParallelPayload:
			for i, branch := range p.Branches {
				checkIDList(list, seen, spec.ID, fmt.Sprintf("branches[%d]", i), branch)
			}
		case schema.RecursivePayload:
			checkIDList(list, seen, spec.ID, "recursive_sources", p.RecursiveSources)
		}
	}
}

// checkBranchWiring requires every condition branch member to depend,
// directly or transitively, on its condition node. Branch membership
// only gates skipping; without the edge the member would be scheduled
// before the condition has decided.
func (c *Compiler) checkBranchWiring(bp schema.Blueprint, ancestors map[string]map[string]bool, list *ErrorList) {
	for _, spec := range bp.Nodes {
		p, ok := spec.Payload.(schema.ConditionPayload)
		if !ok {
			continue
		}
		requireEdge := func(path string, members []string) {
			for _, member := range members {
				up, exists := ancestors[member]
				if !exists {
					// Dangling reference, already reported.
					continue
				}
				if !up[spec.ID] {
					list.add(errors.KindValidation, spec.ID, path,
						"branch member %q does not depend on this condition", member)
				}
			}
		}
		requireEdge("true_branch", p.TrueBranch)
		requireEdge("false_branch", p.FalseBranch)
	}
}

func checkIDList(list *ErrorList, seen map[string]bool, nodeID, path string, ids []string) {
	for _, id := range ids {
		if !seen[id] {
			list.add(errors.KindValidation, nodeID, path, "referenced node %q does not exist", id)
		}
	}
}

func selfRecursive(spec schema.NodeSpec) bool {
	p, ok := spec.Payload.(schema.RecursivePayload)
	if !ok {
		return false
	}
	for _, src := range p.RecursiveSources {
		if src == spec.ID {
			return true
		}
	}
	return false
}

// checkCycles applies the recursion-only cycle rule. Returns false when
// an illegal cycle makes level assignment meaningless.
func (c *Compiler) checkCycles(bp schema.Blueprint, g *depGraph, components [][]int, list *ErrorList) bool {
	sources := make(map[string]bool)
	recursive := make(map[string]bool)
	for _, spec := range bp.Nodes {
		if p, ok := spec.Payload.(schema.RecursivePayload); ok {
			recursive[spec.ID] = true
			for _, src := range p.RecursiveSources {
				sources[src] = true
			}
		}
	}

	sound := true
	for _, comp := range components {
		cyclic := len(comp) > 1 || g.hasSelfLoop(comp[0])
		if !cyclic {
			continue
		}
		var offenders []string
		for _, v := range comp {
			id := g.ids[v]
			if !recursive[id] && !sources[id] {
				offenders = append(offenders, id)
			}
		}
		if len(offenders) > 0 {
			sound = false
			list.add(errors.KindIllegalCycle, offenders[0], "",
				"cycle through %v contains non-recursive nodes %v", componentIDs(g, comp), offenders)
		}
	}
	return sound
}

func componentIDs(g *depGraph, comp []int) []string {
	ids := make([]string, len(comp))
	for i, v := range comp {
		ids[i] = g.ids[v]
	}
	return ids
}

// resolveReferences resolves factories and nested workflow plans.
func (c *Compiler) resolveReferences(spec schema.NodeSpec, node *PlanNode, visiting []string, depth int, list *ErrorList) {
	resolve := func(kind registry.Kind, name string) {
		h, err := c.registry.Resolve(kind, name)
		if err != nil {
			list.add(errors.KindNotFound, spec.ID, "", "no %s factory named %q", kind, name)
			return
		}
		node.Factory = h
	}

	switch p := spec.Payload.(type) {
	case schema.ToolPayload:
		resolve(registry.KindTool, p.ToolName)
	case schema.AgentPayload:
		resolve(registry.KindAgent, p.AgentName)
	case schema.LLMPayload:
		resolve(registry.KindLLMProvider, p.Model)
	case schema.RecursivePayload:
		// The ref names an agent or workflow; either capability works.
		if h, err := c.registry.Resolve(registry.KindAgent, p.Ref); err == nil {
			node.Factory = h
		} else if h, err := c.registry.Resolve(registry.KindWorkflow, p.Ref); err == nil {
			node.Factory = h
		} else {
			list.add(errors.KindNotFound, spec.ID, "agent_or_workflow_ref",
				"%q is neither a registered agent nor workflow", p.Ref)
		}
	case schema.WorkflowPayload:
		c.resolveWorkflow(spec, p, node, visiting, depth, list)
	}
}

func (c *Compiler) resolveWorkflow(spec schema.NodeSpec, p schema.WorkflowPayload, node *PlanNode, visiting []string, depth int, list *ErrorList) {
	if h, err := c.registry.Resolve(registry.KindWorkflow, p.WorkflowRef); err == nil {
		node.Factory = h
		return
	}
	if c.blueprints == nil {
		list.add(errors.KindNotFound, spec.ID, "workflow_ref", "workflow %q is not registered and no blueprint store is configured", p.WorkflowRef)
		return
	}
	if depth >= c.opts.MaxWorkflowDepth {
		list.add(errors.KindCompile, spec.ID, "workflow_ref", "workflow nesting exceeds depth %d", c.opts.MaxWorkflowDepth)
		return
	}
	for _, v := range visiting {
		if v == p.WorkflowRef {
			list.add(errors.KindIllegalCycle, spec.ID, "workflow_ref", "workflow reference cycle through %q", p.WorkflowRef)
			return
		}
	}

	sub, err := c.blueprints.Get(p.WorkflowRef)
	if err != nil {
		list.add(errors.KindNotFound, spec.ID, "workflow_ref", "workflow %q: %v", p.WorkflowRef, err)
		return
	}
	subPlan, subList := c.compile(sub, append(visiting, p.WorkflowRef), depth+1)
	for _, issue := range subList.Issues {
		issue.Path = "workflow_ref(" + p.WorkflowRef + ")." + issue.Path
		list.Issues = append(list.Issues, issue)
	}
	if !subList.failed(c.opts.Strict) {
		node.SubPlan = subPlan
	}
}

// wireTemplates compiles every placeholder-bearing field and checks the
// roots those placeholders reference.
func (c *Compiler) wireTemplates(bp schema.Blueprint, spec schema.NodeSpec, node *PlanNode, upstream map[string]bool, list *ErrorList) {
	addBindings := func(param string, value any) {
		collectBindings(param, value, node, list, spec.ID)
	}

	switch p := spec.Payload.(type) {
	case schema.ToolPayload:
		addBindings("tool_args", p.ToolArgs)
	case schema.LLMPayload:
		tpl, err := template.Parse(p.PromptTemplate)
		if err != nil {
			list.add(errors.KindValidation, spec.ID, "prompt_template", "%v", err)
		} else {
			node.Prompt = tpl
		}
		addBindings("llm_config", p.LLMConfig)
	case schema.ConditionPayload:
		prog, err := convergence.Compile(p.Expression)
		if err != nil {
			list.add(errors.KindValidation, spec.ID, "expression", "%v", err)
		} else {
			node.Condition = prog
		}
	case schema.LoopPayload:
		tpl, err := template.Parse(p.ItemsSource)
		if err != nil {
			list.add(errors.KindValidation, spec.ID, "items_source", "%v", err)
		} else {
			node.Items = tpl
		}
	case schema.WorkflowPayload:
		addBindings("config_overrides", p.ConfigOverrides)
	case schema.RecursivePayload:
		prog, err := convergence.Compile(p.ConvergenceCondition)
		if err != nil {
			list.add(errors.KindValidation, spec.ID, "convergence_condition", "%v", err)
		} else {
			node.Convergence = prog
		}
	}

	c.checkRoots(bp, spec, node, upstream, list)
}

func collectBindings(param string, value any, node *PlanNode, list *ErrorList, nodeID string) {
	switch v := value.(type) {
	case string:
		tpl, err := template.Parse(v)
		if err != nil {
			list.add(errors.KindValidation, nodeID, param, "%v", err)
			return
		}
		if len(tpl.Paths()) > 0 {
			node.Bindings = append(node.Bindings, Binding{Param: param, Template: tpl})
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectBindings(param+"."+k, v[k], node, list, nodeID)
		}
	case []any:
		for i, item := range v {
			collectBindings(fmt.Sprintf("%s[%d]", param, i), item, node, list, nodeID)
		}
	}
}

// checkRoots validates every referenced root against the node's
// upstream closure and the built-in bindings, and type-checks first
// fields against declared output schemas.
func (c *Compiler) checkRoots(bp schema.Blueprint, spec schema.NodeSpec, node *PlanNode, upstream map[string]bool, list *ErrorList) {
	builtins := map[string]bool{"inputs": true, "item": true, "index": true}

	check := func(path template.Path, where string, convergenceScope bool) {
		if convergenceScope {
			switch path.Root {
			case "iteration", "accumulator", "recursive_context":
				return
			}
		}
		if builtins[path.Root] {
			return
		}
		if !upstream[path.Root] {
			list.add(errors.KindValidation, spec.ID, where,
				"placeholder %s references %q, which is not an upstream dependency", path.String(), path.Root)
			return
		}
		src, ok := bp.Node(path.Root)
		if !ok || len(src.OutputSchema) == 0 || len(path.Steps) == 0 {
			return
		}
		first := path.Steps[0]
		if first.Kind != template.StepField {
			return
		}
		if _, declared := src.OutputSchema[first.Name]; !declared {
			list.warn(spec.ID, where, "placeholder %s references field %q not declared in %s's output schema",
				path.String(), first.Name, path.Root)
		}
	}

	for _, b := range node.Bindings {
		for _, p := range b.Template.Paths() {
			check(p, b.Param, false)
		}
	}
	if node.Prompt != nil {
		for _, p := range node.Prompt.Paths() {
			check(p, "prompt_template", false)
		}
	}
	if node.Items != nil {
		for _, p := range node.Items.Paths() {
			check(p, "items_source", false)
		}
	}
	if node.Condition != nil {
		for _, p := range node.Condition.Paths() {
			check(p, "expression", false)
		}
	}
	if node.Convergence != nil {
		for _, p := range node.Convergence.Paths() {
			check(p, "convergence_condition", true)
		}
	}
}

// normalizePolicies fills in retry and timeout defaults.
func normalizePolicies(spec schema.NodeSpec, node *PlanNode) {
	cfg := errors.RetryConfig{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBackoffBaseMS * time.Millisecond,
		Factor:      defaultBackoffFactor,
	}
	if rp := spec.RetryPolicy; rp != nil {
		if rp.MaxAttempts > 0 {
			cfg.MaxAttempts = rp.MaxAttempts
		}
		if rp.BackoffBaseMS > 0 {
			cfg.BaseDelay = time.Duration(rp.BackoffBaseMS) * time.Millisecond
		}
		if rp.BackoffFactor > 0 {
			cfg.Factor = rp.BackoffFactor
		}
		cfg.RetryOn = rp.RetryOn
	}
	node.Retry = cfg

	timeoutMS := spec.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = defaultTimeoutMS
	}
	node.Timeout = time.Duration(timeoutMS) * time.Millisecond
}

// assignPlanLevels fills Levels, EntryIDs and TerminalIDs.
func (c *Compiler) assignPlanLevels(bp schema.Blueprint, g *depGraph, components [][]int, plan *Plan) {
	levels := g.assignLevels(components)
	if levels == nil {
		return
	}

	maxLevel := 0
	for _, lvl := range levels {
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}
	byLevel := make([][]string, maxLevel+1)
	for id, lvl := range levels {
		if node := plan.Nodes[id]; node != nil {
			node.Level = lvl
		}
		byLevel[lvl] = append(byLevel[lvl], id)
	}
	for _, ids := range byLevel {
		sort.Strings(ids)
	}
	plan.Levels = byLevel

	for _, spec := range bp.Nodes {
		v := g.index[spec.ID]
		if len(g.pred[v]) == 0 {
			plan.EntryIDs = append(plan.EntryIDs, spec.ID)
		}
		if len(g.succ[v]) == 0 {
			plan.TerminalIDs = append(plan.TerminalIDs, spec.ID)
		}
	}
	sort.Strings(plan.EntryIDs)
	sort.Strings(plan.TerminalIDs)
}

// transitiveAncestors maps each node id to the closure of its upstream
// dependencies.
func transitiveAncestors(g *depGraph) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(g.ids))
	memo := make([]map[string]bool, len(g.ids))

	var visit func(v int, guard map[int]bool) map[string]bool
	visit = func(v int, guard map[int]bool) map[string]bool {
		if memo[v] != nil {
			return memo[v]
		}
		if guard[v] {
			// Cycle; sanctioned ones are handled elsewhere.
			return map[string]bool{}
		}
		guard[v] = true
		set := make(map[string]bool)
		for _, u := range g.pred[v] {
			set[g.ids[u]] = true
			for id := range visit(u, guard) {
				set[id] = true
			}
		}
		delete(guard, v)
		memo[v] = set
		return set
	}

	for v, id := range g.ids {
		out[id] = visit(v, map[int]bool{})
	}
	return out
}
