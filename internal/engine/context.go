package engine

import (
	"sync"
	"time"

	"maestro/internal/errors"
	"maestro/internal/template"
)

// NodeResult is the published outcome of one node.
type NodeResult struct {
	Success      bool           `json:"success"`
	Skipped      bool           `json:"skipped,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorKind    errors.Kind    `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Attempts     int            `json:"attempts"`
	CostEstimate float64        `json:"cost_estimate,omitempty"`
	Tokens       int            `json:"tokens,omitempty"`
}

// RunContext is the append-only map of node results for a run. Scoped
// children shadow the parent for iteration-local bindings; publishing
// into a child never touches the parent.
type RunContext struct {
	mu      sync.RWMutex
	parent  *RunContext
	results map[string]NodeResult
	locals  map[string]any
}

// NewRunContext returns a root context. initialInputs become the
// "inputs" builtin.
func NewRunContext(initialInputs map[string]any) *RunContext {
	if initialInputs == nil {
		initialInputs = map[string]any{}
	}
	return &RunContext{
		results: make(map[string]NodeResult),
		locals:  map[string]any{"inputs": initialInputs},
	}
}

// Child returns a scoped sub-context. locals (item, index, interim
// values) shadow both parent locals and parent results.
func (c *RunContext) Child(locals map[string]any) *RunContext {
	return &RunContext{
		parent:  c,
		results: make(map[string]NodeResult),
		locals:  locals,
	}
}

// Publish appends a node result. A second publish for the same id is a
// programming error and panics: results are immutable once visible.
func (c *RunContext) Publish(id string, result NodeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.results[id]; exists {
		panic("run context: duplicate publish for node " + id)
	}
	c.results[id] = result
}

// Get returns the result for id, consulting parents.
func (c *RunContext) Get(id string) (NodeResult, bool) {
	c.mu.RLock()
	r, ok := c.results[id]
	c.mu.RUnlock()
	if ok {
		return r, true
	}
	if c.parent != nil {
		return c.parent.Get(id)
	}
	return NodeResult{}, false
}

// local returns the innermost local binding for root, if any.
func (c *RunContext) local(root string) (any, bool) {
	if v, ok := c.locals[root]; ok {
		return v, true
	}
	if c.parent != nil {
		return c.parent.local(root)
	}
	return nil, false
}

// Resolve is the template.Resolver over this context: locals win, then
// completed node outputs. Unknown roots and missing fields fail with
// UnresolvedBinding.
func (c *RunContext) Resolve(p template.Path) (any, error) {
	if v, ok := c.local(p.Root); ok {
		return template.Walk(v, p)
	}
	if r, ok := c.Get(p.Root); ok {
		if r.Skipped {
			return nil, errors.New(errors.KindUnresolvedBinding, "node %q was skipped", p.Root)
		}
		return template.Walk(r.Output, p)
	}
	return nil, errors.New(errors.KindUnresolvedBinding, "no binding for %q", p.Root)
}

// Snapshot flattens this context (without parents) into a plain map.
func (c *RunContext) Snapshot() map[string]NodeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]NodeResult, len(c.results))
	for id, r := range c.results {
		out[id] = r
	}
	return out
}

// Projection builds the read-only view handed to agents: initial inputs
// plus completed node outputs keyed by id.
func (c *RunContext) Projection() map[string]any {
	proj := map[string]any{}
	if inputs, ok := c.local("inputs"); ok {
		proj["inputs"] = inputs
	}
	results := map[string]any{}
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		for id, r := range cur.results {
			if _, seen := results[id]; !seen && r.Success {
				results[id] = r.Output
			}
		}
		cur.mu.RUnlock()
	}
	proj["results"] = results
	return proj
}
