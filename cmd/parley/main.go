package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/parley/pkg/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "parley",
		Short:         "Parley: conversation gateway for LLM providers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnvFile(envFile)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults are used when empty)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config is parsed")

	root.AddCommand(
		newServeCmd(),
		newModelsCmd(),
		newStatsCmd(),
		newCostCmd(),
		newCacheCmd(),
		newBudgetCmd(),
		newAuditCmd(),
		newHistoryCmd(),
		newMCPCmd(),
	)
	return root
}
