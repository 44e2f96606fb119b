// Package errors defines the error taxonomy shared by the registry, compiler
// and engine. Every failure that crosses a subsystem boundary is an *Error
// carrying a Kind; retry decisions are made from the Kind, never by string
// matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies errors at the core boundary. The set is exhaustive: new
// failure modes must be mapped onto one of these values before they escape a
// subsystem.
type Kind string

const (
	// KindValidation - input/output failed its declared schema, or a template
	// value was missing where required.
	KindValidation Kind = "ValidationError"
	// KindCompile - any compiler-detected violation (aggregated per blueprint).
	KindCompile Kind = "CompileError"
	// KindNotFound - registry lookup failed.
	KindNotFound Kind = "NotFound"
	// KindFactory - a factory raised during instantiation.
	KindFactory Kind = "FactoryError"
	// KindCapability - an instance lacks the capability surface for its kind.
	KindCapability Kind = "CapabilityMismatch"
	// KindUnresolvedBinding - a template referenced an unknown path at bind time.
	KindUnresolvedBinding Kind = "UnresolvedBinding"
	// KindTimeout - a node exceeded its timeout.
	KindTimeout Kind = "Timeout"
	// KindCancelled - a node was cancelled, or ignored cancellation past the
	// grace window.
	KindCancelled Kind = "Cancelled"
	// KindTool - a tool reported a structured failure.
	KindTool Kind = "ToolError"
	// KindLLMProvider - an LLM provider returned an error.
	KindLLMProvider Kind = "LLMProviderError"
	// KindSandbox - a sandbox resource limit or policy violation.
	KindSandbox Kind = "SandboxViolation"
	// KindBudget - a preflight or cumulative budget breach.
	KindBudget Kind = "BudgetExceeded"
	// KindAgentNonConverged - an agent exhausted max_iterations without done.
	KindAgentNonConverged Kind = "AgentNonConverged"
	// KindRecursionNonConverged - recursion hit its cap without convergence.
	KindRecursionNonConverged Kind = "RecursionNonConverged"
	// KindIllegalCycle - an unauthorized cycle detected at compile time.
	KindIllegalCycle Kind = "IllegalCycle"
)

// Error is the structured error type crossing subsystem boundaries.
type Error struct {
	Kind    Kind
	Message string
	NodeID  string
	Attempt int
	Details map[string]any
	// Transient marks a ToolError as retriable; other kinds ignore it and
	// rely on their default classification.
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.NodeID != "" && e.Err != nil:
		return fmt.Sprintf("%s: node %s: %s: %v", e.Kind, e.NodeID, e.Message, e.Err)
	case e.NodeID != "":
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithNode returns a copy of e annotated with the node id.
func (e *Error) WithNode(nodeID string) *Error {
	clone := *e
	clone.NodeID = nodeID
	return &clone
}

// WithAttempt returns a copy of e annotated with the attempt number.
func (e *Error) WithAttempt(attempt int) *Error {
	clone := *e
	clone.Attempt = attempt
	return &clone
}

// WithDetail returns a copy of e with an extra detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	clone := *e
	clone.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

// KindOf extracts the Kind from err, unwrapping as needed. Unclassified
// errors report KindTool: by the time an error reaches a caller that cares,
// it came from executing somebody else's code.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTool
}

// AsError converts err into an *Error, classifying unwrapped errors under
// fallback.
func AsError(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: fallback, Message: err.Error(), Err: err}
}

// DefaultRetriable reports whether a failure kind is retriable when the node
// declares no retry_on list. Only transient/network-shaped kinds qualify.
func DefaultRetriable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindLLMProvider:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err should be retried under default policy.
// ToolErrors retry only when they carry the Transient flag; LLM provider
// errors and timeouts retry unconditionally.
func IsTransient(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Kind == KindTool {
		return e.Transient
	}
	return DefaultRetriable(e.Kind)
}

// Is lets errors.Is match on taxonomy kinds via sentinel comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}
