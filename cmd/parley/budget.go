package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/parley/pkg/budget"
	"github.com/pario-ai/parley/pkg/tracker"
)

func newBudgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect token budgets and policies",
	}

	var user, tier string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show budget usage vs limits for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Budget.Enabled {
				fmt.Println("Budget enforcement is disabled.")
				return nil
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			statuses, err := budget.New(cfg.Budget.Policies, tr).Status(context.Background(), user, tier)
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				fmt.Println("No budget policies apply to this user.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "POLICY USER\tTIER\tMODEL\tPERIOD\tMAX TOKENS\tUSED\tREMAINING\tRESETS")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					s.Policy.User, defaultStr(s.Policy.Tier, "*"), defaultStr(s.Policy.Model, "*"),
					s.Policy.Period, s.Policy.MaxTokens, s.Used, s.Remaining, s.ResetAt.Format(timeLayout))
			}
			return w.Flush()
		},
	}
	statusCmd.Flags().StringVar(&user, "user", "", "user to report on")
	statusCmd.Flags().StringVar(&tier, "tier", "", "caller tier, for tier-scoped policies")
	_ = statusCmd.MarkFlagRequired("user")

	cmd.AddCommand(statusCmd)
	return cmd
}
