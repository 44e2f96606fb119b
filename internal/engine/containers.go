package engine

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"maestro/internal/compiler"
	"maestro/internal/errors"
	"maestro/internal/registry"
	"maestro/internal/schema"
)

// execLoop runs the body subgraph once per item in a scoped context
// with item and index bound. Outputs aggregate in item order.
func (e *Engine) execLoop(ctx context.Context, s *runState, node *compiler.PlanNode, rctx *RunContext, p schema.LoopPayload) (execOutcome, error) {
	itemsValue, err := node.Items.Bind(rctx.Resolve)
	if err != nil {
		return execOutcome{}, errors.AsError(err, errors.KindUnresolvedBinding)
	}
	items, ok := itemsValue.([]any)
	if !ok {
		return execOutcome{}, errors.New(errors.KindValidation, "items_source produced %T, want an array", itemsValue)
	}

	limit := len(items)
	if p.MaxIterations > 0 && p.MaxIterations < limit {
		limit = p.MaxIterations
	}

	body := s.bodyPlanNodes(p.BodyNodes)
	results := make([]any, 0, limit)
	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			return execOutcome{}, errors.Wrap(errors.KindCancelled, ctx.Err(), "loop cancelled at item %d", i)
		}
		child := rctx.Child(map[string]any{"item": items[i], "index": float64(i)})
		last, err := e.runSubgraph(ctx, s, body, child)
		if err != nil {
			return execOutcome{}, errors.AsError(err, errors.KindTool).WithDetail("loop_index", i)
		}
		results = append(results, last)
	}

	return execOutcome{output: map[string]any{
		"items": results,
		"count": float64(len(results)),
	}}, nil
}

// execParallel fans branches out concurrently, bounded by
// max_concurrency. Branch outputs aggregate in declaration order.
func (e *Engine) execParallel(ctx context.Context, s *runState, node *compiler.PlanNode, rctx *RunContext, p schema.ParallelPayload) (execOutcome, error) {
	concurrency := p.MaxConcurrency
	if concurrency <= 0 {
		concurrency = len(p.Branches)
	}

	outputs := make([]any, len(p.Branches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for bi, branch := range p.Branches {
		bi := bi
		body := s.bodyPlanNodes(branch)
		g.Go(func() error {
			child := rctx.Child(map[string]any{"index": float64(bi)})
			last, err := e.runSubgraph(gctx, s, body, child)
			if err != nil {
				return errors.AsError(err, errors.KindTool).WithDetail("branch", bi)
			}
			outputs[bi] = last
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return execOutcome{}, err
	}

	return execOutcome{output: map[string]any{
		"branches": outputs,
		"count":    float64(len(outputs)),
	}}, nil
}

// execWorkflow runs a nested plan synchronously, sharing the parent's
// budget accountant. config_overrides win over the parent's inputs.
func (e *Engine) execWorkflow(ctx context.Context, s *runState, node *compiler.PlanNode, rctx *RunContext, p schema.WorkflowPayload) (execOutcome, error) {
	plan := node.SubPlan
	if plan == nil {
		inst, err := e.cfg.Registry.Instantiate(node.Factory, nil)
		if err != nil {
			return execOutcome{}, err
		}
		ref := inst.(registry.Workflow).PlanRef()
		plan, _ = ref.(*compiler.Plan)
		if plan == nil {
			return execOutcome{}, errors.New(errors.KindCapability,
				"workflow %q returned a plan ref of type %T", p.WorkflowRef, ref)
		}
	}

	overrides, err := applyBindings(p.ConfigOverrides, "config_overrides", node.Bindings, rctx.Resolve)
	if err != nil {
		return execOutcome{}, err
	}
	nestedInputs := map[string]any{}
	if v, ok := rctx.local("inputs"); ok {
		if m, ok := v.(map[string]any); ok {
			for k, vv := range m {
				nestedInputs[k] = vv
			}
		}
	}
	for k, v := range overrides {
		nestedInputs[k] = v
	}
	if err := validateInput(node.Spec, nestedInputs); err != nil {
		return execOutcome{}, err
	}

	// The nested run shares the parent's event stream and budget; its
	// node ids are scoped under this node to keep them unambiguous.
	sub := &runState{
		engine:     e,
		plan:       plan,
		opts:       s.opts,
		rctx:       NewRunContext(nestedInputs),
		emitter:    s.emitter.Scoped(node.Spec.ID),
		accountant: s.accountant,
		skipReason: make(map[string]string),
		runID:      s.runID,
	}
	e.executeLevels(ctx, sub)
	if err := sub.failure(); err != nil {
		return execOutcome{}, err
	}
	if ctx.Err() != nil {
		return execOutcome{}, errors.Wrap(errors.KindCancelled, ctx.Err(), "nested workflow cancelled")
	}

	return execOutcome{output: workflowOutput(plan, sub.rctx)}, nil
}

// workflowOutput projects the nested run onto this node's output: a
// single terminal node passes through, several are keyed by id.
func workflowOutput(plan *compiler.Plan, rctx *RunContext) map[string]any {
	if len(plan.TerminalIDs) == 1 {
		if r, ok := rctx.Get(plan.TerminalIDs[0]); ok {
			return r.Output
		}
	}
	outputs := map[string]any{}
	for _, id := range plan.TerminalIDs {
		if r, ok := rctx.Get(id); ok {
			outputs[id] = r.Output
		}
	}
	return map[string]any{"outputs": outputs}
}

// bodyPlanNodes resolves ids to plan nodes ordered by level so
// dependencies inside the subgraph run first.
func (s *runState) bodyPlanNodes(ids []string) []*compiler.PlanNode {
	nodes := make([]*compiler.PlanNode, 0, len(ids))
	for _, id := range ids {
		if n := s.plan.Node(id); n != nil {
			nodes = append(nodes, n)
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Level != nodes[j].Level {
			return nodes[i].Level < nodes[j].Level
		}
		return nodes[i].Spec.ID < nodes[j].Spec.ID
	})
	return nodes
}

// runSubgraph executes body nodes in order inside child, returning the
// last node's output.
func (e *Engine) runSubgraph(ctx context.Context, s *runState, body []*compiler.PlanNode, child *RunContext) (map[string]any, error) {
	var last map[string]any
	for _, node := range body {
		res := e.runNode(ctx, s, node, child, false)
		child.Publish(node.Spec.ID, res)
		if !res.Success {
			return nil, errors.New(res.ErrorKind, "%s", res.ErrorMessage).WithNode(node.Spec.ID)
		}
		last = res.Output
	}
	return last, nil
}
