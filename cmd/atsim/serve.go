package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/atsim/params"
	"github.com/uhyunpark/atsim/pkg/api"
	"github.com/uhyunpark/atsim/pkg/killswitch"
	"github.com/uhyunpark/atsim/pkg/storage"
	"github.com/uhyunpark/atsim/pkg/telemetry"
)

func newServeCmd(load func() (params.Config, error)) *cobra.Command {
	var addr, db string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored runs, kill-switch control and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.API.Addr = addr
			}
			if db != "" {
				cfg.Storage.DBPath = db
			}
			if cfg.Storage.DBPath == "" {
				return fmt.Errorf("serve needs a run database (--db or ATS_DB_PATH)")
			}

			logger, cleanup, err := setupLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer cleanup()

			store, err := storage.NewRunStore(cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			srv := api.NewServer(store,
				api.WithLogger(logger),
				api.WithKillSwitch(killswitch.NewFile(cfg.KillSwitch)),
				api.WithMetrics(telemetry.NewCollector().Handler()),
				api.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst),
				api.WithAllowedOrigins(cfg.API.AllowedOrigins...),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Start(ctx, cfg.API.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default :8080)")
	cmd.Flags().StringVar(&db, "db", "", "Run history database; overrides config")
	return cmd
}
