package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uhyunpark/atsim/params"
	"github.com/uhyunpark/atsim/pkg/backtest"
	"github.com/uhyunpark/atsim/pkg/util"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envPath string

	rootCmd := &cobra.Command{
		Use:          "atsim",
		Short:        "Event-driven backtester with layered risk controls",
		Version:      backtest.EngineVersion,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envPath, "env", "", "Path to .env file (default: ./.env)")

	load := func() (params.Config, error) {
		cfg, err := params.LoadFromEnv(envPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	rootCmd.AddCommand(newBacktestCmd(load))
	rootCmd.AddCommand(newServeCmd(load))
	rootCmd.AddCommand(newKillSwitchCmd(load))
	return rootCmd
}

// setupLogger tees to the configured log file when one is set.
func setupLogger(cfg params.Log) (*zap.Logger, func(), error) {
	if cfg.File == "" {
		logger, err := util.NewLogger(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		return logger, func() { _ = logger.Sync() }, nil
	}
	return util.NewLoggerWithFile(cfg.File, cfg.Level)
}
