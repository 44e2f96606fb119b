// maestro compiles and executes workflow blueprints from the command
// line. Components come from built-in demo factories plus any manifests
// listed in MAESTRO_MANIFESTS.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maestro/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "maestro",
	Short:         "Compile and run workflow blueprints",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Assigned here rather than in the literal: initConfig reads
	// rootCmd's persistent flags, which would otherwise make the two
	// package-level initializers depend on each other.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return initConfig(cmd)
	}
	rootCmd.PersistentFlags().String("config", "", "config file (default searches ./maestro.yaml, $HOME/.maestro.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().Bool("strict", false, "treat compile warnings as errors")

	rootCmd.AddCommand(newCompileCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newComponentsCmd())
}

func initConfig(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return err
	}
	viper.SetEnvPrefix("MAESTRO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
		return nil
	}

	viper.SetConfigName("maestro")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

func newLogger() logging.Logger {
	level := logging.LevelInfo
	switch strings.ToLower(viper.GetString("log-level")) {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}
	return logging.New(os.Stderr, level)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "maestro:", err)
		os.Exit(1)
	}
}
