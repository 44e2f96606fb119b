package manifest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"maestro/internal/registry"
	"maestro/internal/schema"
)

type manifestTool struct{ tag string }

func (t manifestTool) Execute(_ context.Context, _ map[string]any) (map[string]any, error) {
	return map[string]any{"tag": t.tag}, nil
}
func (manifestTool) InputSchema() map[string]schema.FieldType  { return nil }
func (manifestTool) OutputSchema() map[string]schema.FieldType { return nil }

type tagFactory struct{ tag string }

func (f *tagFactory) New(map[string]any) (any, error) { return manifestTool{tag: f.tag}, nil }
func (f *tagFactory) Fingerprint() string             { return "tag:" + f.tag }

func testBuilders() Builders {
	return Builders{
		"tagged_tool": func(params map[string]any) (registry.Factory, error) {
			tag, _ := params["tag"].(string)
			return &tagFactory{tag: tag}, nil
		},
	}
}

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const jsonManifest = `{
  "schema_version": "1.0",
  "components": [
    {"kind": "tool", "name": "tagger", "builder": "tagged_tool", "params": {"tag": "a"}}
  ]
}`

const yamlManifest = `schema_version: "1.0"
components:
  - kind: tool
    name: labeler
    builder: tagged_tool
    params:
      tag: b
`

func TestLoadJSONAndYAML(t *testing.T) {
	reg := registry.New(nil)
	jsonPath := writeManifest(t, "tools.json", jsonManifest)
	yamlPath := writeManifest(t, "tools.yaml", yamlManifest)

	require.NoError(t, Load(reg, testBuilders(), nil, jsonPath, yamlPath))
	require.Equal(t, []string{"labeler", "tagger"}, reg.List(registry.KindTool))
}

func TestLoadRejectsBadManifests(t *testing.T) {
	reg := registry.New(nil)
	builders := testBuilders()

	cases := map[string]string{
		"version.json": `{"schema_version": "2.0", "components": []}`,
		"kind.json":    `{"schema_version": "1.0", "components": [{"kind": "gizmo", "name": "x", "builder": "tagged_tool"}]}`,
		"builder.json": `{"schema_version": "1.0", "components": [{"kind": "tool", "name": "x", "builder": "nope"}]}`,
		"syntax.json":  `{"schema_version": `,
	}
	for name, content := range cases {
		path := writeManifest(t, name, content)
		require.Error(t, Load(reg, builders, nil, path), name)
	}

	require.Error(t, Load(reg, builders, nil, filepath.Join(t.TempDir(), "absent.json")))
}

func TestLoadFromEnvIsConcurrencySafe(t *testing.T) {
	reg := registry.New(nil)
	path := writeManifest(t, "tools.json", jsonManifest)
	t.Setenv(EnvVar, path+", ,"+path)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = LoadFromEnv(reg, testBuilders(), nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, []string{"tagger"}, reg.List(registry.KindTool))
}

func TestLoadFromEnvUnsetIsNoop(t *testing.T) {
	t.Setenv(EnvVar, "")
	require.NoError(t, LoadFromEnv(registry.New(nil), testBuilders(), nil))
}
