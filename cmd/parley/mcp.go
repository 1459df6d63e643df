package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/parley/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start Parley as an MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			deps := mcp.Deps{
				Tracker: a.tracker,
				Budget:  a.budget,
				Audit:   a.audit,
				Models:  a.router,
			}
			if a.cache != nil {
				deps.Cache = a.cache
			}

			a.logger.Info("starting MCP server on stdio", "version", version)
			return mcp.New(deps, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
