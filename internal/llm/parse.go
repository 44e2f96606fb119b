package llm

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"maestro/internal/errors"
	"maestro/internal/schema"
)

// ParseOutput interprets model text against the node's declared output
// schema. Without a declared schema the default shape is {text: string}.
// Declared schemas expect a JSON object in the text; models being models,
// the text is first stripped of code fences and, when strict decoding
// fails, run through jsonrepair before giving up.
func ParseOutput(declared map[string]schema.FieldType, text string) (map[string]any, error) {
	if len(declared) == 0 || onlyTextField(declared) {
		return map[string]any{"text": text}, nil
	}

	candidate := stripFences(text)
	obj, err := decodeObject(candidate)
	if err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr != nil {
			return nil, errors.Wrap(errors.KindValidation, err, "llm output is not a JSON object")
		}
		obj, err = decodeObject(repaired)
		if err != nil {
			return nil, errors.Wrap(errors.KindValidation, err, "llm output unparsable even after repair")
		}
	}

	if err := schema.ValidateObject(declared, obj, "", "output"); err != nil {
		return nil, err
	}
	return obj, nil
}

func onlyTextField(declared map[string]schema.FieldType) bool {
	if len(declared) != 1 {
		return false
	}
	ft, ok := declared["text"]
	return ok && (ft == schema.TypeString || ft == schema.TypeAny)
}

func decodeObject(s string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
