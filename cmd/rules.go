package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vulnpredict/vulnflow/internal/rules"
)

func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate source/sink/sanitizer rule bundles.",
	}
	rulesCmd.AddCommand(newRulesShowCmd())
	rulesCmd.AddCommand(newRulesValidateCmd())
	return rulesCmd
}

func newRulesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective rule bundle as YAML.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := loadBundle(getConfig(cmd).Rules().Path)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(bundle)
			if err != nil {
				return fmt.Errorf("encode bundle: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <bundle-file>",
		Short: "Check a rule bundle file; exits non-zero when it is unusable.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := rules.Load(args[0])
			if err != nil {
				return err
			}
			langs := 0
			patterns := 0
			for _, lr := range bundle.Languages {
				langs++
				patterns += len(lr.Sources) + len(lr.Sinks) + len(lr.Sanitizers)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d languages, %d patterns)\n", args[0], langs, patterns)
			return nil
		},
	}
}
