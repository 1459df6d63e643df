package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/parley/pkg/server"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conversation gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if listen != "" {
				a.cfg.Listen = listen
			}

			a.logger.Info("starting parley",
				"version", version,
				"listen", a.cfg.Listen,
				"store", a.cfg.Store.Backend,
				"providers", a.router.Providers(),
				"cache", a.cache != nil,
				"rate_limit", a.limiter != nil,
				"budget", a.budget != nil,
				"audit", a.audit != nil,
				"archive", a.archive != nil,
			)

			srv := server.New(a.cfg.Listen, a.gateway(), a.store, a.logger)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "override the listen address")
	return cmd
}
