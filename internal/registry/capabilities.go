package registry

import (
	"context"

	"maestro/internal/schema"
)

// Tool is the capability a tool factory's instances must expose. Inputs
// arrive fully template-expanded; outputs are validated against the node's
// declared output schema by the caller.
type Tool interface {
	Execute(ctx context.Context, inputs map[string]any) (map[string]any, error)
	InputSchema() map[string]schema.FieldType
	OutputSchema() map[string]schema.FieldType
}

// Decision is one step of an agent's plan-act loop. When Done is set,
// Message carries the agent's final answer.
type Decision struct {
	Action   string         `json:"action"`
	ToolName string         `json:"tool_name,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Message  string         `json:"message,omitempty"`
	Done     bool           `json:"done"`
}

// Agent is the capability an agent factory's instances must expose. The
// engine drives the loop: Decide picks the next action, the engine runs it,
// Observe feeds the result back.
type Agent interface {
	Decide(ctx context.Context, runContext map[string]any) (Decision, error)
	AllowedTools() []string
	Observe(runContext map[string]any, result map[string]any)
}

// Workflow is the capability a workflow factory's instances must expose.
// PlanRef returns an opaque compiled plan; the engine type-asserts it to
// the concrete plan type at execution time. Keeping it opaque here avoids
// a dependency cycle with the compiler.
type Workflow interface {
	PlanRef() any
}
