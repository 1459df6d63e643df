package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/parley/pkg/tracker"
)

const timeLayout = "2006-01-02T15:04:05"

func newStatsCmd() *cobra.Command {
	var (
		user      string
		sessions  bool
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token usage statistics",
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

			ctx := context.Background()

			// Session detail view
			if sessionID != "" {
				if user == "" {
					return fmt.Errorf("--session-id requires --user")
				}
				reqs, err := tr.SessionRequests(ctx, user, sessionID)
				if err != nil {
					return err
				}
				if len(reqs) == 0 {
					fmt.Println("No requests found for session.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "#\tTIME\tMODEL\tPROMPT\tCOMPLETION\tTOTAL\tCONTEXT GROWTH\tCACHED")
				for _, r := range reqs {
					growth := "-"
					if r.Seq > 1 {
						growth = fmt.Sprintf("%+d", r.ContextGrowth)
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%s\t%t\n",
						r.Seq, r.CreatedAt.Format(timeLayout), r.Model, r.PromptTokens, r.CompletionTokens, r.TotalTokens, growth, r.Cached)
				}
				return w.Flush()
			}

			// Session list view
			if sessions {
				sess, err := tr.ListSessions(ctx, user)
				if err != nil {
					return err
				}
				if len(sess) == 0 {
					fmt.Println("No sessions found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION ID\tUSER\tSTARTED\tLAST ACTIVITY\tREQUESTS\tTOTAL TOKENS")
				for _, s := range sess {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
						s.ID, s.UserID, s.StartedAt.Format(timeLayout), s.LastActivity.Format(timeLayout), s.RequestCount, s.TotalTokens)
				}
				return w.Flush()
			}

			summaries, err := tr.Summary(ctx, user)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tMODEL\tREQUESTS\tCACHED\tPROMPT\tCOMPLETION\tTOTAL")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
					s.UserID, s.Model, s.RequestCount, s.CachedCount, s.TotalPrompt, s.TotalCompletion, s.TotalTokens)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "filter by user")
	cmd.Flags().BoolVar(&sessions, "sessions", false, "list sessions")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "show detail for a specific session (requires --user)")
	return cmd
}
