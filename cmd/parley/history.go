package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear a session's conversation history",
	}

	var user, session string
	var limit int

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the most recent messages of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			msgs := a.history.Recent(ctx, user, session, limit)
			if len(msgs) == 0 {
				fmt.Println("No history for this session.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tROLE\tTOKENS\tCONTENT")
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					m.CreatedAt.Format(timeLayout), m.Role, m.ApproxTokens, preview(m.Content, 80))
			}
			return w.Flush()
		},
	}
	showCmd.Flags().IntVar(&limit, "limit", 20, "number of messages to show")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the ephemeral history of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.history.Clear(ctx, user, session); err != nil {
				return err
			}
			fmt.Printf("History cleared for %s/%s.\n", user, session)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&user, "user", "", "user ID")
	cmd.PersistentFlags().StringVar(&session, "session", "", "session ID")
	_ = cmd.MarkPersistentFlagRequired("user")
	_ = cmd.MarkPersistentFlagRequired("session")

	cmd.AddCommand(showCmd, clearCmd)
	return cmd
}

// preview flattens s onto one line and cuts it to at most n runes.
func preview(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\t' {
			r[i] = ' '
		}
	}
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return string(r)
}
