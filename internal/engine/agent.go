package engine

import (
	"context"

	"maestro/internal/compiler"
	"maestro/internal/errors"
	"maestro/internal/registry"
	"maestro/internal/schema"
)

const defaultAgentIterations = 10

// execAgent drives the plan-act loop: the agent decides, the engine
// acts, the agent observes. The loop ends when the agent reports done
// or the iteration cap trips.
func (e *Engine) execAgent(ctx context.Context, node *compiler.PlanNode, rctx *RunContext, p schema.AgentPayload) (execOutcome, error) {
	inst, err := e.cfg.Registry.Instantiate(node.Factory, nil)
	if err != nil {
		return execOutcome{}, err
	}
	agent := inst.(registry.Agent)

	allowed := allowedToolSet(agent.AllowedTools(), p.Tools)
	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultAgentIterations
	}

	if err := validateInput(node.Spec, rctx.Projection()); err != nil {
		return execOutcome{}, err
	}

	for iteration := 1; iteration <= maxIter; iteration++ {
		if ctx.Err() != nil {
			return execOutcome{}, errors.Wrap(errors.KindCancelled, ctx.Err(), "agent loop cancelled")
		}

		projection := rctx.Projection()
		projection["iteration"] = iteration

		decision, err := agent.Decide(ctx, projection)
		if err != nil {
			return execOutcome{}, errors.AsError(err, errors.KindTool)
		}
		if decision.Done {
			return execOutcome{output: map[string]any{
				"text":       decision.Message,
				"iterations": iteration,
			}}, nil
		}

		if decision.ToolName == "" {
			return execOutcome{}, errors.New(errors.KindValidation, "agent decision has neither done nor a tool")
		}
		if !allowed[decision.ToolName] {
			return execOutcome{}, errors.New(errors.KindValidation, "agent requested tool %q outside its allowlist", decision.ToolName)
		}

		handle, err := e.cfg.Registry.Resolve(registry.KindTool, decision.ToolName)
		if err != nil {
			return execOutcome{}, err
		}
		toolInst, err := e.cfg.Registry.Instantiate(handle, nil)
		if err != nil {
			return execOutcome{}, err
		}
		result, err := toolInst.(registry.Tool).Execute(ctx, decision.Inputs)
		if err != nil {
			return execOutcome{}, errors.AsError(err, errors.KindTool)
		}
		agent.Observe(projection, result)
	}

	return execOutcome{}, errors.New(errors.KindAgentNonConverged,
		"agent did not finish within %d iterations", maxIter)
}

// allowedToolSet intersects the agent's own allowlist with the node
// payload's, when the payload narrows it.
func allowedToolSet(fromAgent, fromPayload []string) map[string]bool {
	set := make(map[string]bool, len(fromAgent))
	for _, name := range fromAgent {
		set[name] = true
	}
	if len(fromPayload) == 0 {
		return set
	}
	narrowed := make(map[string]bool, len(fromPayload))
	for _, name := range fromPayload {
		if set[name] {
			narrowed[name] = true
		}
	}
	return narrowed
}
