package compiler

import (
	"fmt"
	"time"

	"maestro/internal/convergence"
	"maestro/internal/errors"
	"maestro/internal/registry"
	"maestro/internal/schema"
	"maestro/internal/template"
)

// Binding pairs a parameter path inside the node's payload with its
// compiled template. Templates are parsed once here and only resolved
// at bind time.
type Binding struct {
	Param    string
	Template *template.Template
}

// PlanNode is a blueprint node after compilation: level-assigned,
// factory-resolved, templates compiled, policies normalized.
type PlanNode struct {
	Spec  schema.NodeSpec
	Level int

	// Factory is set for tool, agent, llm and registry-backed workflow
	// nodes; zero otherwise.
	Factory registry.Handle

	// SubPlan is set for workflow nodes whose ref resolved to a stored
	// blueprint rather than a registered factory.
	SubPlan *Plan

	// Bindings covers string leaves of the payload (tool_args,
	// llm_config, config_overrides) that contain placeholders.
	Bindings []Binding

	// Prompt is the compiled prompt_template of an llm node.
	Prompt *template.Template

	// Items is the compiled items_source of a loop node.
	Items *template.Template

	// Condition is the compiled expression of a condition node;
	// Convergence the stop condition of a recursive node.
	Condition   *convergence.Program
	Convergence *convergence.Program

	Retry   errors.RetryConfig
	Timeout time.Duration
}

// Plan is the compiled, executable form of a blueprint.
type Plan struct {
	BlueprintID     string
	RegistryVersion uint64
	Nodes           map[string]*PlanNode

	// Levels lists node ids per level, each set sorted by id.
	Levels [][]string

	EntryIDs    []string
	TerminalIDs []string

	// Warnings survived compilation outside strict mode.
	Warnings []Issue
}

// Node returns the plan node for id, or nil.
func (p *Plan) Node(id string) *PlanNode {
	if p == nil {
		return nil
	}
	return p.Nodes[id]
}

// Issue is one compile-time finding. Kind is a member of the error
// taxonomy; Path points at the offending payload field when known.
type Issue struct {
	Kind    errors.Kind `json:"kind"`
	NodeID  string      `json:"node_id,omitempty"`
	Path    string      `json:"path,omitempty"`
	Message string      `json:"message"`
	Warning bool        `json:"warning,omitempty"`
}

// ErrorList aggregates every issue found in one compile pass. Warnings
// ride along but do not fail compilation outside strict mode.
type ErrorList struct {
	Issues []Issue
}

// Error implements error.
func (l *ErrorList) Error() string {
	if len(l.Issues) == 0 {
		return "compile failed"
	}
	msg := l.Issues[0].Message
	if l.Issues[0].NodeID != "" {
		msg = l.Issues[0].NodeID + ": " + msg
	}
	if extra := len(l.Issues) - 1; extra > 0 {
		return fmt.Sprintf("%s (and %d more)", msg, extra)
	}
	return msg
}

func (l *ErrorList) add(kind errors.Kind, nodeID, path, format string, args ...any) {
	l.Issues = append(l.Issues, Issue{
		Kind:    kind,
		NodeID:  nodeID,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

func (l *ErrorList) warn(nodeID, path, format string, args ...any) {
	l.Issues = append(l.Issues, Issue{
		Kind:    errors.KindValidation,
		NodeID:  nodeID,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
		Warning: true,
	})
}

// failed reports whether the list contains a hard error. With strict on,
// warnings count.
func (l *ErrorList) failed(strict bool) bool {
	for _, issue := range l.Issues {
		if !issue.Warning || strict {
			return true
		}
	}
	return false
}
