package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maestro/internal/engine"
	"maestro/internal/sandbox"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <blueprint.json>",
		Short: "Compile and execute a blueprint",
		Args:  cobra.ExactArgs(1),
		RunE:  runBlueprint,
	}

	cmd.Flags().StringArray("input", nil, "initial input as key=value (repeatable)")
	cmd.Flags().String("inputs-file", "", "JSON file with initial inputs")
	cmd.Flags().Float64("budget-usd", 0, "run budget in USD (0 = unlimited)")
	cmd.Flags().Int("max-parallel", 0, "max concurrently executing nodes")
	cmd.Flags().String("fail-policy", "halt", "halt|continue_possible|always")
	cmd.Flags().Duration("timeout", 0, "overall run timeout (0 = none)")
	cmd.Flags().String("sandbox-url", "", "sandbox service base URL (empty = in-process fake)")
	cmd.Flags().Bool("events", false, "print the event stream as JSON lines to stderr")
	return cmd
}

func runBlueprint(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	reg, err := buildRegistry(logger)
	if err != nil {
		return err
	}

	plan, err := compileBlueprint(args[0], reg, logger)
	if err != nil {
		return err
	}

	inputs, err := gatherInputs(cmd)
	if err != nil {
		return err
	}

	var executor sandbox.Executor
	if url := viper.GetString("sandbox-url"); url != "" {
		executor = sandbox.NewClient(sandbox.Config{BaseURL: url, Logger: logger})
	} else {
		executor = &sandbox.Fake{}
	}

	eng := engine.New(engine.Config{
		Registry: reg,
		Sandbox:  executor,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if timeout := viper.GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	handle, err := eng.Run(ctx, plan, inputs, engine.Options{
		MaxParallel: viper.GetInt("max-parallel"),
		BudgetUSD:   viper.GetFloat64("budget-usd"),
		FailPolicy:  engine.FailPolicy(viper.GetString("fail-policy")),
	})
	if err != nil {
		return err
	}
	logger.Info("run %s started (blueprint %s)", handle.RunID(), plan.BlueprintID)

	printEvents := viper.GetBool("events")
	eventEnc := json.NewEncoder(cmd.ErrOrStderr())
	for ev := range handle.Events() {
		if printEvents {
			_ = eventEnc.Encode(ev)
		}
	}

	result := handle.Wait()
	if err := printResult(cmd, result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("run terminated: %s", result.TerminatedReason)
	}
	return nil
}

// gatherInputs merges --inputs-file with --input overrides.
func gatherInputs(cmd *cobra.Command) (map[string]any, error) {
	inputs := map[string]any{}

	if path, _ := cmd.Flags().GetString("inputs-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("parse inputs file %s: %w", path, err)
		}
	}

	pairs, _ := cmd.Flags().GetStringArray("input")
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed --input %q, want key=value", pair)
		}
		inputs[key] = value
	}
	return inputs, nil
}

// runReport is the JSON shape printed after a run.
type runReport struct {
	Success          bool                  `json:"success"`
	TerminatedReason string                `json:"terminated_reason,omitempty"`
	Error            string                `json:"error,omitempty"`
	Nodes            map[string]nodeReport `json:"nodes"`
}

type nodeReport struct {
	Success  bool           `json:"success"`
	Skipped  bool           `json:"skipped,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
	Duration string         `json:"duration,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func printResult(cmd *cobra.Command, result engine.RunResult) error {
	report := runReport{
		Success:          result.Success,
		TerminatedReason: result.TerminatedReason,
		Nodes:            make(map[string]nodeReport, len(result.Context)),
	}
	if result.Err != nil {
		report.Error = result.Err.Error()
	}
	for id, nr := range result.Context {
		entry := nodeReport{
			Success:  nr.Success,
			Skipped:  nr.Skipped,
			Attempts: nr.Attempts,
			Output:   nr.Output,
			Error:    nr.ErrorMessage,
		}
		if !nr.FinishedAt.IsZero() {
			entry.Duration = nr.FinishedAt.Sub(nr.StartedAt).Round(time.Millisecond).String()
		}
		report.Nodes[id] = entry
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
