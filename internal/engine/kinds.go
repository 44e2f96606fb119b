package engine

import (
	"context"

	"maestro/internal/budget"
	"maestro/internal/compiler"
	"maestro/internal/errors"
	"maestro/internal/llm"
	"maestro/internal/registry"
	"maestro/internal/sandbox"
	"maestro/internal/schema"
)

// execute dispatches one attempt to the node kind's executor.
func (e *Engine) execute(ctx context.Context, s *runState, node *compiler.PlanNode, rctx *RunContext) (execOutcome, error) {
	switch p := node.Spec.Payload.(type) {
	case schema.ToolPayload:
		return e.execTool(ctx, node, rctx, p)
	case schema.LLMPayload:
		return e.execLLM(ctx, node, rctx, p)
	case schema.AgentPayload:
		return e.execAgent(ctx, node, rctx, p)
	case schema.ConditionPayload:
		return e.execCondition(node, rctx, p)
	case schema.LoopPayload:
		return e.execLoop(ctx, s, node, rctx, p)
	case schema.ParallelPayload:
		return e.execParallel(ctx, s, node, rctx, p)
	case schema.WorkflowPayload:
		return e.execWorkflow(ctx, s, node, rctx, p)
	case schema.RecursivePayload:
		return e.execRecursive(ctx, s, node, rctx, p)
	case schema.CodePayload:
		return e.execCode(ctx, s, node, rctx, p)
	default:
		return execOutcome{}, errors.New(errors.KindValidation, "unsupported node kind %q", node.Spec.Kind)
	}
}

func (e *Engine) execTool(ctx context.Context, node *compiler.PlanNode, rctx *RunContext, p schema.ToolPayload) (execOutcome, error) {
	inputs, err := applyBindings(p.ToolArgs, "tool_args", node.Bindings, rctx.Resolve)
	if err != nil {
		return execOutcome{}, err
	}
	if err := validateInput(node.Spec, inputs); err != nil {
		return execOutcome{}, err
	}

	inst, err := e.cfg.Registry.Instantiate(node.Factory, nil)
	if err != nil {
		return execOutcome{}, err
	}
	tool := inst.(registry.Tool)

	out, err := tool.Execute(ctx, inputs)
	if err != nil {
		return execOutcome{}, errors.AsError(err, errors.KindTool)
	}
	return execOutcome{output: out}, nil
}

func (e *Engine) execLLM(ctx context.Context, node *compiler.PlanNode, rctx *RunContext, p schema.LLMPayload) (execOutcome, error) {
	config, err := applyBindings(p.LLMConfig, "llm_config", node.Bindings, rctx.Resolve)
	if err != nil {
		return execOutcome{}, err
	}
	if err := validateInput(node.Spec, config); err != nil {
		return execOutcome{}, err
	}
	prompt, err := node.Prompt.Render(rctx.Resolve)
	if err != nil {
		return execOutcome{}, errors.AsError(err, errors.KindUnresolvedBinding)
	}

	inst, err := e.cfg.Registry.Instantiate(node.Factory, config)
	if err != nil {
		return execOutcome{}, err
	}
	provider := inst.(llm.Provider)

	res, err := provider.Generate(ctx, prompt, config)
	if err != nil {
		return execOutcome{}, errors.AsError(err, errors.KindLLMProvider)
	}

	output, err := llm.ParseOutput(node.Spec.OutputSchema, res.Text)
	if err != nil {
		return execOutcome{}, err
	}

	// The reservation made at preflight stands in for USD spend; only
	// the token count is corrected to what the provider reported.
	return execOutcome{output: output, cost: budget.Estimate{Tokens: res.Usage.TotalTokens}}, nil
}

func (e *Engine) execCondition(node *compiler.PlanNode, rctx *RunContext, p schema.ConditionPayload) (execOutcome, error) {
	selected, err := node.Condition.EvalBool(rctx.Resolve)
	if err != nil {
		return execOutcome{}, errors.AsError(err, errors.KindValidation)
	}

	taken, pruned := p.TrueBranch, p.FalseBranch
	if !selected {
		taken, pruned = p.FalseBranch, p.TrueBranch
	}
	return execOutcome{
		output: map[string]any{
			"result":          selected,
			"selected_branch": anySlice(taken),
		},
		skip: pruned,
	}, nil
}

func (e *Engine) execCode(ctx context.Context, s *runState, node *compiler.PlanNode, rctx *RunContext, p schema.CodePayload) (execOutcome, error) {
	if e.cfg.Sandbox == nil {
		return execOutcome{}, errors.New(errors.KindSandbox, "no sandbox executor configured")
	}

	inputs := map[string]any{}
	for _, root := range []string{"inputs", "item", "index"} {
		if v, ok := rctx.local(root); ok {
			inputs[root] = v
		}
	}
	if err := validateInput(node.Spec, inputs); err != nil {
		return execOutcome{}, err
	}

	res, err := e.cfg.Sandbox.Execute(ctx, sandbox.Request{
		RunID:          s.runID,
		NodeID:         node.Spec.ID,
		Source:         p.Source,
		AllowedImports: p.AllowedImports,
		Inputs:         inputs,
		Limits:         p.ResourceLimits,
	})
	if err != nil {
		return execOutcome{}, errors.AsError(err, errors.KindSandbox)
	}
	if res.ExitCode != 0 {
		return execOutcome{}, errors.New(errors.KindSandbox, "code exited %d", res.ExitCode).
			WithDetail("stdout", res.Stdout)
	}
	return execOutcome{output: res.Output}, nil
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
