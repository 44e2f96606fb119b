// Package sandbox defines the executor capability for code nodes and an
// HTTP client for a remote sandbox service. The engine depends only on
// the Executor interface; process isolation is the service's problem.
package sandbox

import (
	"context"

	"maestro/internal/schema"
)

// Request describes one code evaluation.
type Request struct {
	RunID          string                `json:"run_id"`
	NodeID         string                `json:"node_id"`
	Source         string                `json:"source"`
	Language       string                `json:"language,omitempty"`
	AllowedImports []string              `json:"allowed_imports,omitempty"`
	Inputs         map[string]any        `json:"inputs,omitempty"`
	Limits         schema.ResourceLimits `json:"limits"`
}

// Result is the outcome of a sandboxed evaluation. Output carries the
// structured value the code produced; Stdout is kept for diagnostics.
type Result struct {
	Output     map[string]any `json:"output"`
	Stdout     string         `json:"stdout,omitempty"`
	ExitCode   int            `json:"exit_code"`
	DurationMS int64          `json:"duration_ms"`
}

// Executor runs code under resource limits. Implementations report
// limit and import violations as SandboxViolation errors.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
