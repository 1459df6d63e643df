package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/tracker"
)

func newCostCmd() *cobra.Command {
	var (
		tier  string
		user  string
		since string
	)

	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Show estimated costs by tier, user, and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			sinceTime := beginningOfMonth()
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				sinceTime = t
			}

			reports, err := tr.CostReport(context.Background(), sinceTime, tier, user)
			if err != nil {
				return err
			}
			fmt.Print(formatCostTable(reports))
			return nil
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "", "filter by tier")
	cmd.Flags().StringVar(&user, "user", "", "filter by user")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD, default: start of month)")
	return cmd
}

func beginningOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func formatCostTable(reports []models.CostReport) string {
	if len(reports) == 0 {
		return "No cost data found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-20s %-25s %8s %12s %10s\n",
		"TIER", "USER", "MODEL", "REQUESTS", "TOKENS", "EST. COST")
	b.WriteString(strings.Repeat("-", 92) + "\n")

	var totalCost float64
	for _, r := range reports {
		fmt.Fprintf(&b, "%-12s %-20s %-25s %8d %12d $%9.4f\n",
			defaultStr(r.Tier, "(none)"), r.UserID,
			r.Model, r.RequestCount, r.TotalTokens, r.EstimatedCost)
		totalCost += r.EstimatedCost
	}
	b.WriteString(strings.Repeat("-", 92) + "\n")
	fmt.Fprintf(&b, "%80s $%9.4f\n", "TOTAL:", totalCost)
	return b.String()
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
