package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandWiring(t *testing.T) {
	require.NotNil(t, rootCmd.PersistentPreRunE, "config loading must be hooked up")

	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"compile", "run", "components"} {
		require.True(t, names[want], "missing subcommand %q", want)
	}

	for _, flag := range []string{"config", "log-level", "strict"} {
		require.NotNil(t, rootCmd.PersistentFlags().Lookup(flag), "missing flag %q", flag)
	}
}
