package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models whose provider has credentials configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(context.Background())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			list := a.router.Available()
			if len(list) == 0 {
				fmt.Println("No models available. Configure a provider api_key.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROVIDER\tCONTEXT\tMAX OUTPUT\t$/1K TOKENS")
			for _, m := range list {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.4f\n",
					m.ID, m.Provider, m.ContextWindow, m.MaxOutputTokens, m.CostPerKTokens)
			}
			return w.Flush()
		},
	}
}
