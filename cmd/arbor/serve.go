package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jward/arbor"
)

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run queue workers with the websocket event and health endpoints",
	Long:  "Drains the durable job queue and serves GET /events?job=<id>, GET /jobs/{id} and GET /health until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cfg, err := openEngine()
		if err != nil {
			return outputError("serve", err)
		}
		defer e.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		addr := flagAddr
		if addr == "" {
			addr = cfg.Server.Addr
		}
		if err := e.Serve(ctx, addr); err != nil {
			return outputError("serve", err)
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report database, breaker and queue health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), "health", func(ctx context.Context, e *arbor.Engine) (any, error) {
			return e.Health(ctx), nil
		})
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (default: server.addr)")
}
