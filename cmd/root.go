// Package cmd is the vulnflow command line surface: file discovery,
// parsing, engine invocation, reporting, and persistence. The analysis
// engine itself lives under internal/ and knows nothing about any of it.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vulnpredict/vulnflow/internal/config"
	"github.com/vulnpredict/vulnflow/internal/observability"
)

// newRootCmd builds the full command tree. Commands read their settings
// from the config attached here by PersistentPreRunE.
func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:     "vulnflow",
		Short:   "vulnflow tracks untrusted data from sources to dangerous sinks across files.",
		Long: `vulnflow is a static taint-analysis engine for dynamically-typed
languages. It parses Python and JavaScript sources, follows untrusted
data through assignments, calls and returns, and reports every flow
that reaches a dangerous sink without passing a sanitizer.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				// A fallback logger so the failure itself is reported sanely.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "vulnflow"})
				return err
			}
			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("starting vulnflow", zap.String("version", Version))
			setConfig(cmd, cfg)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./vulnflow.yaml or ~/.vulnflow/vulnflow.yaml)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("vulnflow version {{.Version}}%s", "\n"))

	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newRulesCmd())
	return rootCmd
}

type configKey struct{}

// setConfig attaches the loaded configuration to the command context so
// subcommands and tests reach it without package-level state.
func setConfig(cmd *cobra.Command, cfg config.Interface) {
	cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
}

func getConfig(cmd *cobra.Command) config.Interface {
	if cfg, ok := cmd.Context().Value(configKey{}).(config.Interface); ok {
		return cfg
	}
	return config.NewDefaultConfig()
}

// Execute runs the CLI. A caller-requested cancellation exits cleanly;
// anything else is an error exit.
func Execute() {
	defer observability.Sync()
	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Info("scan canceled")
			os.Exit(130)
		}
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("command failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
