package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"maestro/internal/async"
	"maestro/internal/budget"
	"maestro/internal/compiler"
	"maestro/internal/errors"
	"maestro/internal/events"
	"maestro/internal/schema"
)

// execOutcome is what a kind executor returns for one attempt.
type execOutcome struct {
	output map[string]any
	// skip lists node ids pruned by a condition node.
	skip []string
	// cost and tokens actually consumed, when the kind meters them.
	cost budget.Estimate
}

// runNode drives the full lifecycle of one node against rctx. Container
// executions (loop bodies, parallel branches, recursion iterations) call
// it with emit=false so the public event stream stays one sequence per
// node id.
func (e *Engine) runNode(ctx context.Context, s *runState, node *compiler.PlanNode, rctx *RunContext, emit bool) NodeResult {
	id := node.Spec.ID
	started := time.Now()
	result := NodeResult{StartedAt: started}

	ctx, span := e.tracer.Start(ctx, "engine.node", trace.WithAttributes(
		attribute.String("node.id", id),
		attribute.String("node.kind", string(node.Spec.Kind)),
	))
	defer span.End()

	if emit {
		s.emitter.Emit(events.NodeStarted, id, map[string]any{"kind": string(node.Spec.Kind)})
	}

	fail := func(err error) NodeResult {
		structured := errors.AsError(err, errors.KindTool)
		result.Success = false
		result.ErrorKind = structured.Kind
		result.ErrorMessage = structured.Message
		result.FinishedAt = time.Now()
		if emit {
			s.emitter.Emit(events.NodeFinished, id, map[string]any{
				"success":    false,
				"error_kind": string(structured.Kind),
				"error":      structured.Message,
				"attempts":   result.Attempts,
			})
		}
		e.cfg.Metrics.ObserveNode(string(node.Spec.Kind), "failed", time.Since(started))
		return result
	}

	est, perr := e.preflight(node, rctx)
	if perr == nil {
		perr = s.accountant.Reserve(est)
	}
	if perr != nil {
		return fail(errors.AsError(perr, errors.KindBudget).WithNode(id))
	}
	release := func() { s.accountant.Settle(est, budget.Estimate{}) }

	attempts := node.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var outcome execOutcome
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt
		if emit {
			s.emitter.Emit(events.NodeAttempt, id, map[string]any{"attempt": attempt})
		}
		if attempt > 1 {
			e.cfg.Metrics.IncNodeRetry(string(node.Spec.Kind))
		}

		outputViolation := false
		outcome, lastErr = e.attempt(ctx, s, node, rctx)
		if lastErr == nil {
			if verr := validateOutput(node.Spec, outcome.output); verr != nil {
				lastErr = verr
				outputViolation = true
			}
		}
		if lastErr == nil {
			break
		}

		structured := errors.AsError(lastErr, errors.KindTool).WithNode(id).WithAttempt(attempt)
		lastErr = structured
		if attempt >= attempts || !retriable(node, structured, outputViolation) {
			release()
			return fail(structured)
		}

		delay := node.Retry.Backoff(attempt)
		e.logger.Warn("node %s attempt %d failed (%s), retrying in %s", id, attempt, structured.Kind, delay)
		select {
		case <-ctx.Done():
			release()
			return fail(errors.Wrap(errors.KindCancelled, ctx.Err(), "cancelled while backing off"))
		case <-time.After(delay):
		}
	}

	if len(outcome.skip) > 0 {
		s.markSkip(outcome.skip, "branch not selected by "+id)
	}

	actual := est
	if outcome.cost.Tokens > 0 {
		actual.Tokens = outcome.cost.Tokens
	}
	if outcome.cost.USD > 0 {
		actual.USD = outcome.cost.USD
	}
	s.accountant.Settle(est, actual)

	result.Success = true
	result.Output = outcome.output
	result.CostEstimate = actual.USD
	result.Tokens = actual.Tokens
	result.FinishedAt = time.Now()
	if emit {
		s.emitter.Emit(events.NodeFinished, id, map[string]any{
			"success":  true,
			"attempts": result.Attempts,
		})
	}
	e.cfg.Metrics.ObserveNode(string(node.Spec.Kind), "ok", time.Since(started))
	return result
}

// retriable consults the node policy: an explicit retry_on list matches
// by kind, otherwise only transient failures retry. Input validation,
// binding, cancellation and budget failures never retry; an output
// schema violation retries only when retry_on lists ValidationError.
func retriable(node *compiler.PlanNode, err *errors.Error, outputViolation bool) bool {
	switch err.Kind {
	case errors.KindUnresolvedBinding, errors.KindCancelled, errors.KindBudget:
		return false
	case errors.KindValidation:
		if !outputViolation {
			return false
		}
	}
	return node.Retry.ShouldRetry(err)
}

// preflight projects the node's cost for budget reservation before the
// first attempt. LLM nodes price their rendered prompt; other kinds hand
// the estimator their effective inputs.
func (e *Engine) preflight(node *compiler.PlanNode, rctx *RunContext) (budget.Estimate, error) {
	call := budget.Call{NodeID: node.Spec.ID, Kind: string(node.Spec.Kind)}
	if p, ok := node.Spec.Payload.(schema.LLMPayload); ok {
		prompt, err := node.Prompt.Render(rctx.Resolve)
		if err != nil {
			return budget.Estimate{}, errors.AsError(err, errors.KindUnresolvedBinding)
		}
		config, err := applyBindings(p.LLMConfig, "llm_config", node.Bindings, rctx.Resolve)
		if err != nil {
			return budget.Estimate{}, err
		}
		call.Model, call.Prompt, call.Config = p.Model, prompt, config
	} else {
		call.Inputs = rctx.Projection()
	}
	return e.cfg.Estimator.Estimate(call), nil
}

// attempt runs one execution attempt under the node's timeout, allowing
// a grace window for cooperative shutdown before abandoning the task.
func (e *Engine) attempt(ctx context.Context, s *runState, node *compiler.PlanNode, rctx *RunContext) (execOutcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, node.Timeout)
	defer cancel()

	type attemptResult struct {
		outcome execOutcome
		err     error
	}
	ch := make(chan attemptResult, 1)
	async.Go(e.logger, "node:"+node.Spec.ID, func() {
		outcome, err := e.execute(attemptCtx, s, node, rctx)
		ch <- attemptResult{outcome: outcome, err: err}
	})

	select {
	case r := <-ch:
		return r.outcome, r.err
	case <-attemptCtx.Done():
	}

	// The attempt overran its timeout or the run was cancelled. Give it
	// the grace window to notice, then abandon it.
	grace := time.NewTimer(s.opts.CancelGrace)
	defer grace.Stop()
	select {
	case r := <-ch:
		// Finished inside the grace window; accept the result rather
		// than discard completed work.
		return r.outcome, r.err
	case <-grace.C:
	}

	if ctx.Err() != nil {
		return execOutcome{}, errors.New(errors.KindCancelled, "node abandoned after cancellation")
	}
	return execOutcome{}, errors.New(errors.KindTimeout, "node exceeded timeout %s", node.Timeout)
}

// validateInput checks a node's effective inputs against the declared
// schema before execution; failures never retry.
func validateInput(spec schema.NodeSpec, inputs map[string]any) error {
	if len(spec.InputSchema) == 0 {
		return nil
	}
	return schema.ValidateObject(spec.InputSchema, inputs, spec.ID, "input")
}

// validateOutput checks a successful attempt's output against the
// declared schema.
func validateOutput(spec schema.NodeSpec, output map[string]any) error {
	if len(spec.OutputSchema) == 0 {
		return nil
	}
	return schema.ValidateObject(spec.OutputSchema, output, spec.ID, "output")
}
