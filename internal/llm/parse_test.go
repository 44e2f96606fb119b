package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"maestro/internal/schema"
)

func TestParseOutputDefaultsToText(t *testing.T) {
	out, err := ParseOutput(nil, "plain answer")
	require.NoError(t, err)
	require.Equal(t, "plain answer", out["text"])

	out, err = ParseOutput(map[string]schema.FieldType{"text": schema.TypeString}, "also plain")
	require.NoError(t, err)
	require.Equal(t, "also plain", out["text"])
}

func TestParseOutputDecodesDeclaredObject(t *testing.T) {
	declared := map[string]schema.FieldType{"score": schema.TypeNumber, "label": schema.TypeString}
	out, err := ParseOutput(declared, `{"score": 0.9, "label": "good"}`)
	require.NoError(t, err)
	require.Equal(t, 0.9, out["score"])
}

func TestParseOutputStripsCodeFences(t *testing.T) {
	declared := map[string]schema.FieldType{"ok": schema.TypeBoolean}
	out, err := ParseOutput(declared, "```json\n{\"ok\": true}\n```")
	require.NoError(t, err)
	require.Equal(t, true, out["ok"])
}

func TestParseOutputRepairsSloppyJSON(t *testing.T) {
	declared := map[string]schema.FieldType{"items": schema.TypeArray}
	// Trailing comma and single quotes: typical model sloppiness.
	out, err := ParseOutput(declared, `{'items': [1, 2, 3,],}`)
	require.NoError(t, err)
	require.Len(t, out["items"], 3)
}

func TestParseOutputRejectsSchemaViolation(t *testing.T) {
	declared := map[string]schema.FieldType{"score": schema.TypeNumber}
	_, err := ParseOutput(declared, `{"score": "high"}`)
	require.Error(t, err)

	_, err = ParseOutput(declared, `{"other": 1}`)
	require.Error(t, err)
}

func TestStubProviderEchoesPrompt(t *testing.T) {
	res, err := StubProvider().Generate(context.Background(), "say: hello", nil)
	require.NoError(t, err)
	require.Equal(t, "say: hello", res.Text)
	require.NotZero(t, res.Usage.TotalTokens)
}
