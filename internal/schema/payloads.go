package schema

import (
	"encoding/json"

	"maestro/internal/errors"
)

// Payload is the kind-specific portion of a node spec. Implementations are
// plain structs; the marker method keeps the set closed.
type Payload interface {
	payloadKind() NodeKind
}

// ToolPayload invokes a registered tool factory.
type ToolPayload struct {
	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args"`
}

// LLMPayload renders a prompt template and calls an LLM provider.
type LLMPayload struct {
	Model          string         `json:"model"`
	PromptTemplate string         `json:"prompt_template"`
	LLMConfig      map[string]any `json:"llm_config"`
}

// AgentPayload delegates to an agent factory for an iterative plan-act loop.
type AgentPayload struct {
	AgentName     string   `json:"agent_name"`
	Tools         []string `json:"tools,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
}

// ConditionPayload evaluates a boolean expression and prunes one branch.
type ConditionPayload struct {
	Expression  string   `json:"expression"`
	TrueBranch  []string `json:"true_branch"`
	FalseBranch []string `json:"false_branch"`
}

// LoopPayload executes a body subgraph once per produced item.
type LoopPayload struct {
	ItemsSource   string   `json:"items_source"`
	BodyNodes     []string `json:"body_nodes"`
	MaxIterations int      `json:"max_iterations,omitempty"`
}

// ParallelPayload fans out independent branch subgraphs.
type ParallelPayload struct {
	Branches       [][]string `json:"branches"`
	MaxConcurrency int        `json:"max_concurrency,omitempty"`
}

// WorkflowPayload inlines a nested plan compiled from a referenced blueprint.
type WorkflowPayload struct {
	WorkflowRef     string         `json:"workflow_ref"`
	ConfigOverrides map[string]any `json:"config_overrides,omitempty"`
}

// RecursivePayload re-enters declared predecessors until convergence.
type RecursivePayload struct {
	Ref                  string   `json:"agent_or_workflow_ref"`
	RecursiveSources     []string `json:"recursive_sources"`
	ConvergenceCondition string   `json:"convergence_condition"`
	MaxIterations        int      `json:"max_iterations,omitempty"`
	PreserveContext      bool     `json:"preserve_context,omitempty"`
}

// CodePayload evaluates source in the sandbox executor.
type CodePayload struct {
	Source         string         `json:"source"`
	AllowedImports []string       `json:"allowed_imports,omitempty"`
	ResourceLimits ResourceLimits `json:"resource_limits,omitempty"`
}

func (ToolPayload) payloadKind() NodeKind      { return KindTool }
func (LLMPayload) payloadKind() NodeKind       { return KindLLM }
func (AgentPayload) payloadKind() NodeKind     { return KindAgent }
func (ConditionPayload) payloadKind() NodeKind { return KindCondition }
func (LoopPayload) payloadKind() NodeKind      { return KindLoop }
func (ParallelPayload) payloadKind() NodeKind  { return KindParallel }
func (WorkflowPayload) payloadKind() NodeKind  { return KindWorkflow }
func (RecursivePayload) payloadKind() NodeKind { return KindRecursive }
func (CodePayload) payloadKind() NodeKind      { return KindCode }

// payloadFields lists the accepted wire fields per kind, used for strict
// unknown-field rejection at the blueprint surface.
var payloadFields = map[NodeKind]map[string]bool{
	KindTool:      {"tool_name": true, "tool_args": true},
	KindLLM:       {"model": true, "prompt_template": true, "llm_config": true},
	KindAgent:     {"agent_name": true, "tools": true, "max_iterations": true},
	KindCondition: {"expression": true, "true_branch": true, "false_branch": true},
	KindLoop:      {"items_source": true, "body_nodes": true, "max_iterations": true},
	KindParallel:  {"branches": true, "max_concurrency": true},
	KindWorkflow:  {"workflow_ref": true, "config_overrides": true},
	KindRecursive: {"agent_or_workflow_ref": true, "recursive_sources": true, "convergence_condition": true, "max_iterations": true, "preserve_context": true},
	KindCode:      {"source": true, "allowed_imports": true, "resource_limits": true},
}

func decodePayload(nodeID string, kind NodeKind, raw map[string]json.RawMessage) (Payload, error) {
	allowed := payloadFields[kind]
	for key := range raw {
		if !allowed[key] {
			return nil, errors.New(errors.KindValidation, "node %s: unknown field %q for kind %s", nodeID, key, kind)
		}
	}

	merged, err := json.Marshal(rawToAny(raw))
	if err != nil {
		return nil, err
	}

	var payload Payload
	switch kind {
	case KindTool:
		p := ToolPayload{}
		err = json.Unmarshal(merged, &p)
		payload = p
	case KindLLM:
		p := LLMPayload{}
		err = json.Unmarshal(merged, &p)
		payload = p
	case KindAgent:
		p := AgentPayload{}
		err = json.Unmarshal(merged, &p)
		payload = p
	case KindCondition:
		p := ConditionPayload{}
		err = json.Unmarshal(merged, &p)
		payload = p
	case KindLoop:
		p := LoopPayload{}
		err = json.Unmarshal(merged, &p)
		payload = p
	case KindParallel:
		p := ParallelPayload{}
		err = json.Unmarshal(merged, &p)
		payload = p
	case KindWorkflow:
		p := WorkflowPayload{}
		err = json.Unmarshal(merged, &p)
		payload = p
	case KindRecursive:
		p := RecursivePayload{}
		err = json.Unmarshal(merged, &p)
		payload = p
	case KindCode:
		p := CodePayload{}
		err = json.Unmarshal(merged, &p)
		payload = p
	default:
		return nil, errors.New(errors.KindValidation, "node %s: unknown kind %q", nodeID, kind)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "node %s: malformed %s payload", nodeID, kind)
	}
	if err := validatePayload(nodeID, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func rawToAny(raw map[string]json.RawMessage) map[string]json.RawMessage {
	if raw == nil {
		return map[string]json.RawMessage{}
	}
	return raw
}

// validatePayload enforces presence of the required fields per kind.
func validatePayload(nodeID string, payload Payload) error {
	missing := func(field string) error {
		return errors.New(errors.KindValidation, "node %s: missing required field %q", nodeID, field)
	}
	switch p := payload.(type) {
	case ToolPayload:
		if p.ToolName == "" {
			return missing("tool_name")
		}
		if p.ToolArgs == nil {
			return missing("tool_args")
		}
	case LLMPayload:
		if p.Model == "" {
			return missing("model")
		}
		if p.PromptTemplate == "" {
			return missing("prompt_template")
		}
		if p.LLMConfig == nil {
			return missing("llm_config")
		}
	case AgentPayload:
		if p.AgentName == "" {
			return missing("agent_name")
		}
	case ConditionPayload:
		if p.Expression == "" {
			return missing("expression")
		}
		if p.TrueBranch == nil {
			return missing("true_branch")
		}
		if p.FalseBranch == nil {
			return missing("false_branch")
		}
	case LoopPayload:
		if p.ItemsSource == "" {
			return missing("items_source")
		}
		if len(p.BodyNodes) == 0 {
			return missing("body_nodes")
		}
	case ParallelPayload:
		if len(p.Branches) == 0 {
			return missing("branches")
		}
	case WorkflowPayload:
		if p.WorkflowRef == "" {
			return missing("workflow_ref")
		}
	case RecursivePayload:
		if p.Ref == "" {
			return missing("agent_or_workflow_ref")
		}
		if len(p.RecursiveSources) == 0 {
			return missing("recursive_sources")
		}
		if p.ConvergenceCondition == "" {
			return missing("convergence_condition")
		}
	case CodePayload:
		if p.Source == "" {
			return missing("source")
		}
	}
	return nil
}
