package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/manifest"
	"maestro/internal/registry"
	"maestro/internal/schema"
)

// echoTool returns its inputs unchanged, optionally merged with fixed
// fields from manifest params. Useful for wiring and dry runs.
type echoTool struct {
	fixed map[string]any
}

func (t echoTool) Execute(_ context.Context, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs)+len(t.fixed))
	for k, v := range inputs {
		out[k] = v
	}
	for k, v := range t.fixed {
		out[k] = v
	}
	return out, nil
}

func (echoTool) InputSchema() map[string]schema.FieldType  { return nil }
func (echoTool) OutputSchema() map[string]schema.FieldType { return nil }

type echoFactory struct {
	name  string
	fixed map[string]any
}

func (f *echoFactory) New(map[string]any) (any, error) { return echoTool{fixed: f.fixed}, nil }
func (f *echoFactory) Fingerprint() string             { return "echo:" + f.name }

type stubProviderFactory struct{ name string }

func (f *stubProviderFactory) New(map[string]any) (any, error) { return llm.StubProvider(), nil }
func (f *stubProviderFactory) Fingerprint() string             { return "stub-llm:" + f.name }

// builders names the factory constructors a manifest may reference.
func builders() manifest.Builders {
	return manifest.Builders{
		"echo_tool": func(params map[string]any) (registry.Factory, error) {
			name, _ := params["name"].(string)
			fixed, _ := params["fixed"].(map[string]any)
			return &echoFactory{name: name, fixed: fixed}, nil
		},
		"stub_llm": func(params map[string]any) (registry.Factory, error) {
			name, _ := params["name"].(string)
			return &stubProviderFactory{name: name}, nil
		},
	}
}

// buildRegistry registers the built-in components and applies any
// manifests from the environment.
func buildRegistry(logger logging.Logger) (*registry.Registry, error) {
	reg := registry.New(logger)

	if err := reg.Register(registry.KindTool, "echo", &echoFactory{name: "echo"}); err != nil {
		return nil, err
	}
	if err := reg.Register(registry.KindLLMProvider, "stub", &stubProviderFactory{name: "stub"}); err != nil {
		return nil, err
	}

	if err := manifest.LoadFromEnv(reg, builders(), logger); err != nil {
		return nil, err
	}
	return reg, nil
}

func newComponentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "components",
		Short: "List registered components",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := buildRegistry(newLogger())
			if err != nil {
				return err
			}

			all := reg.List("")
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(all, "\n"))
			return nil
		},
	}
}
