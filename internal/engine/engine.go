// Package engine executes compiled plans: level-parallel scheduling,
// per-node retry/timeout/budget enforcement, template binding against
// the run context, recursion convergence and event emission.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"maestro/internal/budget"
	"maestro/internal/compiler"
	"maestro/internal/errors"
	"maestro/internal/events"
	"maestro/internal/logging"
	"maestro/internal/registry"
	"maestro/internal/sandbox"
	"maestro/internal/schema"
)

// FailPolicy decides how a run reacts to an unrecoverable node failure.
type FailPolicy string

const (
	// FailHalt terminates the run on the first unrecoverable failure.
	FailHalt FailPolicy = "halt"
	// FailContinuePossible skips the failed node's descendants and
	// keeps executing everything else.
	FailContinuePossible FailPolicy = "continue_possible"
	// FailAlways attempts every node regardless of upstream failures.
	FailAlways FailPolicy = "always"
)

// Options tunes a single run.
type Options struct {
	// MaxParallel bounds concurrently executing nodes. Default 8.
	MaxParallel int
	// BudgetUSD caps the summed cost estimate; zero means no cap.
	BudgetUSD float64
	// FailPolicy defaults to FailHalt.
	FailPolicy FailPolicy
	// EventSink optionally receives every event in addition to the
	// handle's own stream.
	EventSink events.Sink
	// EventBuffer is the handle stream's capacity. Default 256.
	EventBuffer int
	// DropPolicy applies to the handle stream on overflow.
	DropPolicy events.DropPolicy
	// CancelGrace is how long an in-flight node may ignore
	// cancellation before it is abandoned. Default 2s.
	CancelGrace time.Duration
}

func (o Options) normalized() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 8
	}
	if o.FailPolicy == "" {
		o.FailPolicy = FailHalt
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 2 * time.Second
	}
	return o
}

// Config wires an Engine's collaborators.
type Config struct {
	Registry  *registry.Registry
	Sandbox   sandbox.Executor
	Estimator budget.Estimator
	Logger    logging.Logger
	Metrics   *Metrics
}

// Engine executes plans. One engine serves many concurrent runs.
type Engine struct {
	cfg    Config
	logger logging.Logger
	tracer trace.Tracer
}

// New returns an engine over the given collaborators.
func New(cfg Config) *Engine {
	if cfg.Estimator == nil {
		cfg.Estimator = budget.NewTokenEstimator()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = defaultMetrics()
	}
	return &Engine{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger),
		tracer: otel.Tracer("maestro/engine"),
	}
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	Success          bool
	Context          map[string]NodeResult
	TerminatedReason string
	Err              error
}

// RunHandle tracks one in-flight run.
type RunHandle struct {
	runID    string
	sink     *events.ChannelSink
	cancel   context.CancelFunc
	consumed atomic.Bool

	mu     sync.Mutex
	reason string

	done   chan struct{}
	result RunResult
}

// RunID identifies the run in events and logs.
func (h *RunHandle) RunID() string { return h.runID }

// Events streams the run's events. The channel closes after the final
// RunFinished event. Subscribe before Wait: a run whose events were
// never requested discards its stream on completion.
func (h *RunHandle) Events() <-chan events.Event {
	h.consumed.Store(true)
	return h.sink.Events()
}

// Wait blocks until the run terminates.
func (h *RunHandle) Wait() RunResult {
	<-h.done
	return h.result
}

// Cancel requests cooperative termination. The first reason wins.
func (h *RunHandle) Cancel(reason string) {
	h.mu.Lock()
	if h.reason == "" {
		h.reason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *RunHandle) cancelReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Run starts executing plan and returns immediately. initialInputs are
// exposed to templates as the "inputs" builtin.
func (e *Engine) Run(ctx context.Context, plan *compiler.Plan, initialInputs map[string]any, opts Options) (*RunHandle, error) {
	if plan == nil || len(plan.Nodes) == 0 {
		return nil, errors.New(errors.KindValidation, "empty plan")
	}
	opts = opts.normalized()

	runCtx, cancel := context.WithCancel(ctx)
	handle := &RunHandle{
		runID:  uuid.NewString(),
		sink:   events.NewChannelSink(opts.EventBuffer, opts.DropPolicy),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	var sink events.Sink = handle.sink
	if opts.EventSink != nil {
		sink = events.NewBus(handle.sink, opts.EventSink)
	}

	state := &runState{
		engine:     e,
		plan:       plan,
		opts:       opts,
		rctx:       NewRunContext(initialInputs),
		emitter:    events.NewEmitter(handle.runID, sink),
		accountant: budget.NewAccountant(opts.BudgetUSD),
		skipReason: make(map[string]string),
		runID:      handle.runID,
	}

	go e.drive(runCtx, state, handle)
	return handle, nil
}

// runState carries everything one run's goroutines share.
type runState struct {
	engine     *Engine
	plan       *compiler.Plan
	opts       Options
	rctx       *RunContext
	emitter    *events.Emitter
	accountant *budget.Accountant
	runID      string

	mu         sync.Mutex
	skipReason map[string]string
	firstErr   *errors.Error
}

func (s *runState) markSkip(ids []string, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, exists := s.skipReason[id]; !exists {
			s.skipReason[id] = reason
		}
	}
}

func (s *runState) skipOf(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.skipReason[id]
	return r, ok
}

func (s *runState) recordFailure(err *errors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
	}
}

func (s *runState) failure() *errors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// drive is the run's scheduler goroutine.
func (e *Engine) drive(ctx context.Context, s *runState, handle *RunHandle) {
	e.cfg.Metrics.IncActiveRuns()
	defer e.cfg.Metrics.DecActiveRuns()

	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("run.id", s.runID),
		attribute.String("blueprint.id", s.plan.BlueprintID),
	))
	defer span.End()

	s.emitter.Emit(events.RunStarted, "", map[string]any{
		"blueprint_id": s.plan.BlueprintID,
		"levels":       len(s.plan.Levels),
	})

	e.executeLevels(ctx, s)
	e.finish(ctx, s, handle)
}

// executeLevels walks the plan level by level. Nested workflow nodes
// reuse it with their own state.
func (e *Engine) executeLevels(ctx context.Context, s *runState) {
	claimed := claimedNodes(s.plan)

	for _, level := range s.plan.Levels {
		if ctx.Err() != nil {
			break
		}
		if s.opts.FailPolicy == FailHalt && s.failure() != nil {
			break
		}

		// Under halt, the first unrecoverable failure cancels the
		// level's still-running siblings instead of waiting them out.
		levelCtx, cancelLevel := ctx, func() {}
		if s.opts.FailPolicy == FailHalt {
			levelCtx, cancelLevel = context.WithCancel(ctx)
		}

		var g errgroup.Group
		g.SetLimit(s.opts.MaxParallel)

		for _, id := range level {
			if claimed[id] {
				continue
			}
			node := s.plan.Node(id)
			g.Go(func() error {
				e.dispatch(levelCtx, s, node)
				if s.opts.FailPolicy == FailHalt && s.failure() != nil {
					cancelLevel()
				}
				return nil
			})
		}
		_ = g.Wait()
		cancelLevel()
	}
}

// dispatch decides whether a node runs or is skipped, then runs it.
func (e *Engine) dispatch(ctx context.Context, s *runState, node *compiler.PlanNode) {
	id := node.Spec.ID

	if reason, ok := s.skipOf(id); ok {
		e.publishSkip(s, node, reason)
		return
	}
	if reason, ok := s.dependencyBlock(node); ok {
		e.publishSkip(s, node, reason)
		return
	}
	if ctx.Err() != nil {
		s.rctx.Publish(id, NodeResult{
			ErrorKind:    errors.KindCancelled,
			ErrorMessage: "run cancelled before node started",
			StartedAt:    time.Now(),
			FinishedAt:   time.Now(),
		})
		return
	}

	result := e.runNode(ctx, s, node, s.rctx, true)
	s.rctx.Publish(id, result)

	if !result.Success && !result.Skipped {
		e.cfg.Metrics.IncNodeFailure(string(node.Spec.Kind), string(result.ErrorKind))
		s.recordFailure(errors.New(result.ErrorKind, "%s", result.ErrorMessage).WithNode(id))
	}
}

// dependencyBlock reports whether an upstream result prevents the node
// from running. Skipped dependencies always block; failed ones block
// unless the policy is FailAlways.
func (s *runState) dependencyBlock(node *compiler.PlanNode) (string, bool) {
	for _, dep := range node.Spec.Dependencies {
		r, ok := s.rctx.Get(dep)
		if !ok {
			// Recursion back edges leave in-cycle deps unpublished.
			continue
		}
		if r.Skipped {
			return fmt.Sprintf("dependency %q was skipped", dep), true
		}
		if !r.Success && s.opts.FailPolicy != FailAlways {
			return fmt.Sprintf("dependency %q failed", dep), true
		}
	}
	return "", false
}

func (e *Engine) publishSkip(s *runState, node *compiler.PlanNode, reason string) {
	id := node.Spec.ID
	now := time.Now()
	s.rctx.Publish(id, NodeResult{
		Skipped:      true,
		ErrorMessage: reason,
		StartedAt:    now,
		FinishedAt:   now,
	})
	s.emitter.Emit(events.NodeSkipped, id, map[string]any{"reason": reason})
	e.cfg.Metrics.ObserveNode(string(node.Spec.Kind), "skipped", 0)
}

// finish publishes the terminal result and closes the stream.
func (e *Engine) finish(ctx context.Context, s *runState, handle *RunHandle) {
	result := RunResult{Context: s.rctx.Snapshot()}

	switch {
	case handle.cancelReason() != "" || ctx.Err() != nil:
		reason := handle.cancelReason()
		if reason == "" {
			reason = "context cancelled"
		}
		result.TerminatedReason = string(errors.KindCancelled)
		result.Err = errors.New(errors.KindCancelled, "run cancelled: %s", reason)
	case s.failure() != nil:
		err := s.failure()
		result.TerminatedReason = string(err.Kind)
		result.Err = err
	default:
		result.Success = true
	}

	payload := map[string]any{"success": result.Success}
	if result.TerminatedReason != "" {
		payload["terminated_reason"] = result.TerminatedReason
	}
	if result.Err != nil {
		payload["error"] = result.Err.Error()
	}
	s.emitter.Emit(events.RunFinished, "", payload)
	if handle.consumed.Load() {
		handle.sink.Close()
	} else {
		handle.sink.Discard()
	}
	e.cfg.Metrics.AddDroppedEvents(handle.sink.Dropped())

	handle.result = result
	close(handle.done)
	e.logger.Info("run %s finished success=%v reason=%s", s.runID, result.Success, result.TerminatedReason)
}

// claimedNodes lists nodes executed inside a container node (loop
// bodies, parallel branches, in-cycle recursion sources) rather than by
// the level scheduler.
func claimedNodes(plan *compiler.Plan) map[string]bool {
	claimed := make(map[string]bool)
	for _, node := range plan.Nodes {
		switch p := node.Spec.Payload.(type) {
		case schema.LoopPayload:
			for _, id := range p.BodyNodes {
				claimed[id] = true
			}
		case schema.ParallelPayload:
			for _, branch := range p.Branches {
				for _, id := range branch {
					claimed[id] = true
				}
			}
		case schema.RecursivePayload:
			for _, id := range p.RecursiveSources {
				src := plan.Node(id)
				if src != nil && src.Level == node.Level && id != node.Spec.ID {
					claimed[id] = true
				}
			}
		}
	}
	return claimed
}
