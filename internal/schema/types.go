// Package schema holds the declarative data model of the workflow core:
// blueprints, node specs, kind payloads, retry policies and the lightweight
// field-type system used for input/output validation. Everything here is a
// value type, cheap to copy and safe to share.
package schema

import (
	"encoding/json"
	"fmt"

	"maestro/internal/errors"
)

// NodeKind enumerates the executable node kinds.
type NodeKind string

const (
	KindTool      NodeKind = "tool"
	KindLLM       NodeKind = "llm"
	KindAgent     NodeKind = "agent"
	KindCondition NodeKind = "condition"
	KindLoop      NodeKind = "loop"
	KindParallel  NodeKind = "parallel"
	KindWorkflow  NodeKind = "workflow"
	KindRecursive NodeKind = "recursive"
	KindCode      NodeKind = "code"
)

// Valid reports whether k is one of the enumerated kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindTool, KindLLM, KindAgent, KindCondition, KindLoop,
		KindParallel, KindWorkflow, KindRecursive, KindCode:
		return true
	}
	return false
}

// FieldType is the JSON-schema-style type vocabulary for declared node
// inputs and outputs.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeAny     FieldType = "any"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray, TypeAny:
		return true
	}
	return false
}

// RetryPolicy configures per-node retry behavior. Zero values mean
// "use the compiler default".
type RetryPolicy struct {
	MaxAttempts   int           `json:"max_attempts,omitempty"`
	BackoffBaseMS int           `json:"backoff_base_ms,omitempty"`
	BackoffFactor float64       `json:"backoff_factor,omitempty"`
	RetryOn       []errors.Kind `json:"retry_on,omitempty"`
}

// ResourceLimits bounds sandboxed code execution.
type ResourceLimits struct {
	CPUMS       int64 `json:"cpu_ms,omitempty"`
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	WallMS      int64 `json:"wall_ms,omitempty"`
	Network     bool  `json:"network,omitempty"`
}

// NodeSpec describes a single node within a blueprint.
type NodeSpec struct {
	ID           string               `json:"id"`
	Kind         NodeKind             `json:"kind"`
	Dependencies []string             `json:"dependencies,omitempty"`
	Payload      Payload              `json:"-"`
	InputSchema  map[string]FieldType `json:"input_schema,omitempty"`
	OutputSchema map[string]FieldType `json:"output_schema,omitempty"`
	RetryPolicy  *RetryPolicy         `json:"retry_policy,omitempty"`
	TimeoutMS    int64                `json:"timeout_ms,omitempty"`
	Metadata     map[string]any       `json:"metadata,omitempty"`
}

// Blueprint is an immutable declarative workflow document. Identity is the
// truncated hash of the normalized JSON; see Identity.
type Blueprint struct {
	SchemaVersion string         `json:"schema_version"`
	Nodes         []NodeSpec     `json:"nodes"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Node returns the spec with the given id, if present.
func (b Blueprint) Node(id string) (NodeSpec, bool) {
	for _, n := range b.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// nodeSpecWire is the raw JSON shape of a NodeSpec. Payload fields live at
// the same level as the envelope fields, so decoding splits the object into
// envelope keys and kind-specific keys and rejects anything left over.
var nodeEnvelopeKeys = map[string]bool{
	"id":            true,
	"kind":          true,
	"dependencies":  true,
	"input_schema":  true,
	"output_schema": true,
	"retry_policy":  true,
	"timeout_ms":    true,
	"metadata":      true,
}

// UnmarshalJSON decodes a node spec strictly: unknown envelope fields and
// unknown payload fields are rejected rather than silently dropped.
func (n *NodeSpec) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type envelope struct {
		ID           string               `json:"id"`
		Kind         NodeKind             `json:"kind"`
		Dependencies []string             `json:"dependencies"`
		InputSchema  map[string]FieldType `json:"input_schema"`
		OutputSchema map[string]FieldType `json:"output_schema"`
		RetryPolicy  *RetryPolicy         `json:"retry_policy"`
		TimeoutMS    int64                `json:"timeout_ms"`
		Metadata     map[string]any       `json:"metadata"`
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.ID == "" {
		return errors.New(errors.KindValidation, "node id is required")
	}
	if !env.Kind.Valid() {
		return errors.New(errors.KindValidation, "node %s: unknown kind %q", env.ID, env.Kind)
	}
	for name, ft := range env.InputSchema {
		if !ft.Valid() {
			return errors.New(errors.KindValidation, "node %s: input %s: unknown type %q", env.ID, name, ft)
		}
	}
	for name, ft := range env.OutputSchema {
		if !ft.Valid() {
			return errors.New(errors.KindValidation, "node %s: output %s: unknown type %q", env.ID, name, ft)
		}
	}

	payloadRaw := make(map[string]json.RawMessage)
	for key, value := range raw {
		if !nodeEnvelopeKeys[key] {
			payloadRaw[key] = value
		}
	}
	payload, err := decodePayload(env.ID, env.Kind, payloadRaw)
	if err != nil {
		return err
	}

	n.ID = env.ID
	n.Kind = env.Kind
	n.Dependencies = env.Dependencies
	n.InputSchema = env.InputSchema
	n.OutputSchema = env.OutputSchema
	n.RetryPolicy = env.RetryPolicy
	n.TimeoutMS = env.TimeoutMS
	n.Metadata = env.Metadata
	n.Payload = payload
	return nil
}

// MarshalJSON re-inlines the payload next to the envelope fields.
func (n NodeSpec) MarshalJSON() ([]byte, error) {
	type alias NodeSpec
	envData, err := json.Marshal(alias(n))
	if err != nil {
		return nil, err
	}
	var merged map[string]any
	if err := json.Unmarshal(envData, &merged); err != nil {
		return nil, err
	}
	if n.Payload != nil {
		payloadData, err := json.Marshal(n.Payload)
		if err != nil {
			return nil, err
		}
		var payloadMap map[string]any
		if err := json.Unmarshal(payloadData, &payloadMap); err != nil {
			return nil, err
		}
		for key, value := range payloadMap {
			if nodeEnvelopeKeys[key] {
				return nil, fmt.Errorf("payload field %q collides with envelope", key)
			}
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// ParseBlueprint decodes and strictly validates a blueprint document.
func ParseBlueprint(data []byte) (Blueprint, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Blueprint{}, errors.Wrap(errors.KindValidation, err, "blueprint is not valid JSON")
	}
	for key := range raw {
		switch key {
		case "schema_version", "nodes", "metadata":
		default:
			return Blueprint{}, errors.New(errors.KindValidation, "unknown blueprint field %q", key)
		}
	}
	var bp Blueprint
	if err := json.Unmarshal(data, &bp); err != nil {
		return Blueprint{}, errors.AsError(err, errors.KindValidation)
	}
	if bp.SchemaVersion == "" {
		return Blueprint{}, errors.New(errors.KindValidation, "schema_version is required")
	}
	if len(bp.Nodes) == 0 {
		return Blueprint{}, errors.New(errors.KindValidation, "blueprint has no nodes")
	}
	return bp, nil
}
