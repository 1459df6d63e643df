package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/parley/pkg/audit"
	"github.com/pario-ai/parley/pkg/models"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the turn audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(),
		newAuditShowCmd(),
		newAuditStatsCmd(),
		newAuditCleanupCmd(),
	)
	return cmd
}

func newAuditSearchCmd() *cobra.Command {
	var (
		model   string
		since   string
		user    string
		session string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit log entries",
		RunE: withAudit(func(ctx context.Context, l *audit.Logger) error {
			opts := models.AuditQueryOpts{
				Model:     model,
				UserID:    user,
				SessionID: session,
				Limit:     limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditEntries(entries))
			return nil
		}),
	}

	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&user, "user", "", "filter by user")
	cmd.Flags().StringVar(&session, "session", "", "filter by session ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func newAuditShowCmd() *cobra.Command {
	var requestID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a single audit entry by request ID",
		RunE: withAudit(func(ctx context.Context, l *audit.Logger) error {
			entries, err := l.Query(ctx, models.AuditQueryOpts{
				RequestID: requestID,
				Limit:     1,
			})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No entry found for that request ID.")
				return nil
			}

			e := entries[0]
			fmt.Printf("Request ID:    %s\n", e.RequestID)
			fmt.Printf("User:          %s (%s)\n", e.UserID, defaultStr(e.Tier, "default tier"))
			fmt.Printf("Session:       %s\n", e.SessionID)
			fmt.Printf("Model:         %s\n", e.Model)
			fmt.Printf("Provider:      %s\n", e.Provider)
			fmt.Printf("Outcome:       %s\n", e.Outcome)
			fmt.Printf("Cached:        %t\n", e.Cached)
			fmt.Printf("Latency:       %dms\n", e.LatencyMs)
			fmt.Printf("Tokens:        %d prompt / %d completion / %d total\n",
				e.PromptTokens, e.CompletionTokens, e.TotalTokens)
			fmt.Printf("Time:          %s\n", e.CreatedAt.Format(time.RFC3339))
			if e.Prompt != "" {
				fmt.Printf("\n--- Prompt ---\n%s\n", e.Prompt)
			}
			if e.Response != "" {
				fmt.Printf("\n--- Response ---\n%s\n", e.Response)
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&requestID, "request-id", "", "request ID to show")
	_ = cmd.MarkFlagRequired("request-id")
	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show audit log statistics by model and day",
		RunE: withAudit(func(ctx context.Context, l *audit.Logger) error {
			stats, err := l.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		}),
	}
}

func newAuditCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit entries older than the retention period",
		RunE: withAudit(func(ctx context.Context, l *audit.Logger) error {
			deleted, err := l.Cleanup(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit entries.\n", deleted)
			return nil
		}),
	}
}

// withAudit opens the audit database for the duration of fn.
func withAudit(fn func(ctx context.Context, l *audit.Logger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l, err := audit.New(cfg.Audit)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer func() { _ = l.Close() }()
		return fn(cmd.Context(), l)
	}
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-16s %-20s %-10s %-22s %8s %8s %-20s\n",
		"REQUEST ID", "USER", "MODEL", "PROVIDER", "OUTCOME", "LATENCY", "TOKENS", "TIME")
	b.WriteString(strings.Repeat("-", 136) + "\n")
	for _, e := range entries {
		outcome := e.Outcome
		if e.Cached {
			outcome += " (cached)"
		}
		fmt.Fprintf(&b, "%-24s %-16s %-20s %-10s %-22s %6dms %8d %-20s\n",
			e.RequestID, e.UserID, e.Model, e.Provider, outcome,
			e.LatencyMs, e.TotalTokens,
			e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %-12s %8s %8s\n", "MODEL", "DAY", "COUNT", "ERRORS")
	b.WriteString(strings.Repeat("-", 57) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-25s %-12s %8d %8d\n", s.Model, s.Day, s.Count, s.Errors)
	}
	return b.String()
}
