// Package events defines the run event stream. Sinks receive events in
// emission order per run; the engine never blocks on a slow consumer.
package events

import (
	"sync"
	"time"
)

// Type enumerates run lifecycle events.
type Type string

const (
	RunStarted   Type = "run_started"
	NodeStarted  Type = "node_started"
	NodeAttempt  Type = "node_attempt"
	NodeFinished Type = "node_finished"
	NodeSkipped  Type = "node_skipped"
	RunFinished  Type = "run_finished"
)

// priority orders events for drop decisions. Run boundary events are
// never dropped before per-attempt noise.
func (t Type) priority() int {
	switch t {
	case RunStarted, RunFinished:
		return 3
	case NodeFinished, NodeSkipped:
		return 2
	case NodeStarted:
		return 1
	default:
		return 0
	}
}

// Event is one entry in a run's event stream. Seq is monotonic per run;
// consumers use it to detect drops.
type Event struct {
	Type    Type           `json:"type"`
	RunID   string         `json:"run_id"`
	NodeID  string         `json:"node_id,omitempty"`
	TSMS    int64          `json:"ts_ms"`
	Seq     uint64         `json:"seq"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Sink consumes events. Emit must not block the caller for long; sinks
// that buffer decide their own overflow behavior.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ev Event) { f(ev) }

// Emitter stamps sequence numbers and timestamps for one run and
// forwards to a sink. Safe for concurrent use.
type Emitter struct {
	mu    sync.Mutex
	seq   uint64
	runID string
	sink  Sink
	now   func() time.Time

	parent *Emitter
	scope  string
}

// NewEmitter returns an emitter for runID writing to sink. A nil sink
// discards everything.
func NewEmitter(runID string, sink Sink) *Emitter {
	return &Emitter{runID: runID, sink: sink, now: time.Now}
}

// Scoped returns an emitter sharing this emitter's stream and sequence,
// prefixing node ids with scope. Nested runs use it so their events land
// in the parent's stream without id collisions.
func (e *Emitter) Scoped(scope string) *Emitter {
	if e == nil {
		return nil
	}
	return &Emitter{parent: e, scope: scope}
}

// Emit stamps and forwards one event.
func (e *Emitter) Emit(t Type, nodeID string, payload map[string]any) {
	if e == nil {
		return
	}
	if e.parent != nil {
		if nodeID != "" {
			nodeID = e.scope + "/" + nodeID
		}
		e.parent.Emit(t, nodeID, payload)
		return
	}
	if e.sink == nil {
		return
	}
	// The sink call stays under the lock so sequence order and sink
	// order agree. Sinks are required to be fast.
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	e.sink.Emit(Event{
		Type:    t,
		RunID:   e.runID,
		NodeID:  nodeID,
		TSMS:    e.now().UnixMilli(),
		Seq:     e.seq,
		Payload: payload,
	})
}
