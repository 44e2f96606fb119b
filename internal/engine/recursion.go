package engine

import (
	"context"

	"maestro/internal/compiler"
	"maestro/internal/errors"
	"maestro/internal/schema"
	"maestro/internal/template"
)

const defaultRecursionIterations = 10

// execRecursive drives a controlled cycle: capture the sources' latest
// outputs into an accumulator, test the convergence condition, and
// re-run the sources until it holds or the cap trips. Per contract the
// cap is not a failure; the best-so-far result is returned with
// converged=false.
func (e *Engine) execRecursive(ctx context.Context, s *runState, node *compiler.PlanNode, rctx *RunContext, p schema.RecursivePayload) (execOutcome, error) {
	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultRecursionIterations
	}

	sources := s.bodyPlanNodes(p.RecursiveSources)
	if len(sources) == 0 {
		return execOutcome{}, errors.New(errors.KindValidation, "recursive node has no resolvable sources")
	}

	var history []any
	accumulator := map[string]any{}

	for iteration := 1; iteration <= maxIter; iteration++ {
		if ctx.Err() != nil {
			return execOutcome{}, errors.Wrap(errors.KindCancelled, ctx.Err(), "recursion cancelled at iteration %d", iteration)
		}

		fresh, err := e.recursionStep(ctx, s, node, rctx, p, iteration, accumulator)
		if err != nil {
			return execOutcome{}, err
		}
		accumulator = fresh
		history = append(history, accumulator)

		converged, err := e.evalConvergence(node, rctx, iteration, accumulator, history)
		if err != nil {
			return execOutcome{}, err
		}
		if converged {
			return execOutcome{output: map[string]any{
				"converged":  true,
				"iterations": float64(iteration),
				"result":     accumulator,
			}}, nil
		}
	}

	return execOutcome{output: map[string]any{
		"converged":  false,
		"iterations": float64(maxIter),
		"result":     accumulator,
	}}, nil
}

// recursionStep produces the accumulator for one iteration. Iteration
// one reuses results the scheduler already published for sources that
// ran as ordinary dependencies; later iterations re-execute every
// source in a scoped context.
func (e *Engine) recursionStep(ctx context.Context, s *runState, node *compiler.PlanNode, rctx *RunContext, p schema.RecursivePayload, iteration int, accumulator map[string]any) (map[string]any, error) {
	locals := map[string]any{}
	if p.PreserveContext {
		interim := map[string]any{
			"accumulator": accumulator,
			"iteration":   float64(iteration),
			"converged":   false,
		}
		locals[node.Spec.ID] = interim
		locals["accumulator"] = accumulator
		locals["iteration"] = float64(iteration)
	}
	scope := rctx.Child(locals)

	outputs := map[string]any{}
	for _, src := range s.bodyPlanNodes(p.RecursiveSources) {
		id := src.Spec.ID
		if iteration == 1 {
			if r, ok := rctx.Get(id); ok {
				if !r.Success {
					return nil, errors.New(r.ErrorKind, "recursion source %q failed: %s", id, r.ErrorMessage)
				}
				outputs[id] = r.Output
				continue
			}
		}
		res := e.runNode(ctx, s, src, scope, false)
		scope.Publish(id, res)
		if !res.Success {
			return nil, errors.New(res.ErrorKind, "recursion source %q: %s", id, res.ErrorMessage).WithNode(node.Spec.ID)
		}
		outputs[id] = res.Output
	}

	// A single source's output is the accumulator itself; multiple
	// sources accumulate keyed by id.
	if len(p.RecursiveSources) == 1 {
		if out, ok := outputs[p.RecursiveSources[0]].(map[string]any); ok {
			return out, nil
		}
	}
	return outputs, nil
}

func (e *Engine) evalConvergence(node *compiler.PlanNode, rctx *RunContext, iteration int, accumulator map[string]any, history []any) (bool, error) {
	if node.Convergence == nil {
		return false, errors.New(errors.KindValidation, "recursive node has no convergence condition")
	}

	projection := map[string]any{
		"iteration":   float64(iteration),
		"accumulator": accumulator,
		"recursive_context": map[string]any{
			"history": history,
			"count":   float64(len(history)),
		},
	}
	resolve := func(p template.Path) (any, error) {
		if v, ok := projection[p.Root]; ok {
			return template.Walk(v, p)
		}
		return rctx.Resolve(p)
	}

	ok, err := node.Convergence.EvalBool(resolve)
	if err != nil {
		return false, errors.AsError(err, errors.KindValidation).WithNode(node.Spec.ID)
	}
	return ok, nil
}
