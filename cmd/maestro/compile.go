package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maestro/internal/compiler"
	"maestro/internal/logging"
	"maestro/internal/registry"
	"maestro/internal/schema"
	"maestro/internal/store"
)

// planSummary is the JSON shape printed by the compile command.
type planSummary struct {
	BlueprintID string           `json:"blueprint_id"`
	Levels      [][]string       `json:"levels"`
	EntryIDs    []string         `json:"entry_ids"`
	TerminalIDs []string         `json:"terminal_ids"`
	Warnings    []compiler.Issue `json:"warnings,omitempty"`
}

func newCompileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <blueprint.json>",
		Short: "Compile a blueprint and print the resulting plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			reg, err := buildRegistry(logger)
			if err != nil {
				return err
			}

			plan, err := compileBlueprint(args[0], reg, logger)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(planSummary{
				BlueprintID: plan.BlueprintID,
				Levels:      plan.Levels,
				EntryIDs:    plan.EntryIDs,
				TerminalIDs: plan.TerminalIDs,
				Warnings:    plan.Warnings,
			})
		},
	}
}

func compileBlueprint(path string, reg *registry.Registry, logger logging.Logger) (*compiler.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	bp, err := schema.ParseBlueprint(data)
	if err != nil {
		return nil, err
	}
	opts := compiler.Options{Strict: viper.GetBool("strict")}
	return compiler.New(reg, store.NewBlueprintStore(), opts, logger).Compile(bp)
}
