package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/code-payments/market-billing/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration with keys redacted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		redacted := cfg.Redacted()

		keys := make([]string, 0, len(redacted))
		for key := range redacted {
			keys = append(keys, key)
		}
		slices.Sort(keys)

		for _, key := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", key, redacted[key])
		}
		return nil
	},
}
