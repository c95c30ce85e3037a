package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/prebuf/internal/app"
)

func newServeCmd() *cobra.Command {
	var addr, storeType string
	var enableMetrics bool

	cmd := &cobra.Command{
		Use:   "serve [--addr ADDR] [--store memory|badger|s3]",
		Short: "Run the buffering agent as an HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("store") {
				cfg.Store.Type = storeType
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Metrics.Enabled = enableMetrics
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			serveErr := a.Server().Start(ctx)

			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := a.Close(closeCtx); err != nil {
				log.Error().Str("op", "cmd/serve").Err(err).Msg("Shutdown incomplete")
			}
			return serveErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().StringVar(&storeType, "store", "", "Durable store: memory, badger or s3 (overrides store.type)")
	cmd.Flags().BoolVar(&enableMetrics, "metrics", false, "Expose Prometheus metrics on /metrics")
	return cmd
}
