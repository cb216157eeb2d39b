package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uhyunpark/atsim/params"
	"github.com/uhyunpark/atsim/pkg/api"
	"github.com/uhyunpark/atsim/pkg/app/core/execution"
	"github.com/uhyunpark/atsim/pkg/app/core/market"
	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/artifacts"
	"github.com/uhyunpark/atsim/pkg/backtest"
	"github.com/uhyunpark/atsim/pkg/eventbus"
	"github.com/uhyunpark/atsim/pkg/features"
	"github.com/uhyunpark/atsim/pkg/killswitch"
	"github.com/uhyunpark/atsim/pkg/risk"
	"github.com/uhyunpark/atsim/pkg/storage"
	"github.com/uhyunpark/atsim/pkg/strategy"
	"github.com/uhyunpark/atsim/pkg/telemetry"
)

const syntheticStartPrice = 100.0

type backtestFlags struct {
	symbol          string
	days            int
	noRisk          bool
	strategy        string
	strategies      string
	maxPositionFrac float64
	engine          string
	out             string
	db              string
	barLimit        int
	listen          string
}

func newBacktestCmd(load func() (params.Config, error)) *cobra.Command {
	f := backtestFlags{}
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run a backtest over synthetic daily bars",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if f.days <= 0 {
				return fmt.Errorf("--days must be positive, got %d", f.days)
			}
			switch f.strategy {
			case "ma", "ensemble":
			default:
				return fmt.Errorf("--strategy must be ma or ensemble, got %q", f.strategy)
			}
			if f.maxPositionFrac <= 0 || f.maxPositionFrac > 1 {
				return fmt.Errorf("--max-position-frac must be in (0, 1], got %v", f.maxPositionFrac)
			}
			if _, err := strategy.Make(strategy.ParseNames(f.strategies)); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runBacktest(cmd, cfg, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.symbol, "symbol", "", "Symbol to simulate")
	flags.IntVar(&f.days, "days", 200, "Number of synthetic daily bars")
	flags.BoolVar(&f.noRisk, "no-risk", false, "Disable the risk manager")
	flags.StringVar(&f.strategy, "strategy", "ma", "Order generator (ma|ensemble)")
	flags.StringVar(&f.strategies, "strategies", "", "Comma-separated signal strategies for the ensemble (default: all)")
	flags.Float64Var(&f.maxPositionFrac, "max-position-frac", 0.20, "Ensemble max position as a fraction of capital")
	flags.StringVar(&f.engine, "engine", "", "Execution engine (samebar|simulated); overrides config")
	flags.StringVar(&f.out, "out", "", "Artifact root directory; overrides config")
	flags.StringVar(&f.db, "db", "", "Run history database; overrides config")
	flags.IntVar(&f.barLimit, "bar-limit", 0, "Stop after this many bars (0 = all)")
	flags.StringVar(&f.listen, "listen", "", "Serve the API with live updates on this address during the run")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

func runBacktest(cmd *cobra.Command, cfg params.Config, f backtestFlags) error {
	if f.engine != "" {
		cfg.Engine = f.engine
	}
	if f.out != "" {
		cfg.Storage.RunsDir = f.out
	}
	if f.db != "" {
		cfg.Storage.DBPath = f.db
	}
	if f.barLimit > 0 {
		cfg.Backtest.BarLimit = f.barLimit
	}
	if f.noRisk {
		cfg.Backtest.EnableRisk = false
	}
	cfg.Backtest.StartingCash = cfg.Portfolio.StartingCash
	cfg.Backtest.RunID = backtest.NewRunID()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, cleanup, err := setupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer cleanup()
	sugar := logger.Sugar()
	runID := cfg.Backtest.RunID

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, closeBus := newBus(cfg.Bus, logger)
	defer closeBus()

	history := market.NewHistory(cfg.Backtest.HistoryCap)

	var rm *risk.Manager
	if cfg.Backtest.EnableRisk {
		rm, err = risk.NewManager(cfg.Risk,
			risk.WithLogger(logger),
			risk.WithFeatureSource(func(symbol string) (features.Row, bool) {
				bars := history.Bars(symbol)
				if len(bars) == 0 {
					return features.Row{}, false
				}
				return features.FromBars(bars), true
			}),
		)
		if err != nil {
			return err
		}
	}

	gen, err := newGenerator(f, rm)
	if err != nil {
		return err
	}

	pf, err := portfolio.New(cfg.Portfolio)
	if err != nil {
		return err
	}
	exec, err := execution.New(execution.Kind(cfg.Engine), cfg.Execution)
	if err != nil {
		return err
	}

	writer, err := artifacts.NewWriter(cfg.Storage.RunsDir, runID, logger)
	if err != nil {
		return err
	}
	defer writer.Close()
	writer.Attach(bus)

	collector := telemetry.NewCollector()
	collector.Attach(bus)

	var reader storage.Reader = storage.NewMemoryStore()
	if cfg.Storage.DBPath != "" {
		store, err := storage.NewRunStore(cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		store.Attach(bus, runID)
		reader = store
	}

	opts := []backtest.Option{
		backtest.WithBus(bus),
		backtest.WithHistory(history),
		backtest.WithKillSwitch(killswitch.NewFile(cfg.KillSwitch)),
		backtest.WithLogger(logger),
	}
	if rm != nil {
		opts = append(opts, backtest.WithRisk(rm))
	}
	if cfg.Storage.WALPath != "" {
		wal, err := storage.NewFileWAL(cfg.Storage.WALPath)
		if err != nil {
			return err
		}
		defer wal.Close()
		opts = append(opts, backtest.WithAuditSink(wal))
	}

	var serveDone chan error
	if f.listen != "" {
		srv := api.NewServer(reader,
			api.WithLogger(logger),
			api.WithKillSwitch(killswitch.NewFile(cfg.KillSwitch)),
			api.WithMetrics(collector.Handler()),
			api.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst),
			api.WithAllowedOrigins(cfg.API.AllowedOrigins...),
		)
		srv.Attach(bus)
		serveDone = make(chan error, 1)
		go func() { serveDone <- srv.Start(ctx, f.listen) }()
	}

	engine, err := backtest.New(cfg.Backtest, pf, exec, gen, opts...)
	if err != nil {
		return err
	}

	bars := market.Synthetic(f.symbol, f.days, syntheticStartPrice)
	sugar.Infow("backtest_start", "run_id", runID, "symbol", f.symbol, "bars", len(bars),
		"strategy", gen.Name(), "engine", cfg.Engine, "risk", cfg.Backtest.EnableRisk)

	res, runErr := engine.Run(ctx, bars)
	if res != nil {
		report(cmd, res, rm, writer)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("backtest failed: %w", runErr)
	}

	if serveDone != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Serving run %s on %s (Ctrl-C to stop)\n", runID, f.listen)
		return <-serveDone
	}
	return nil
}

func newGenerator(f backtestFlags, rm *risk.Manager) (strategy.OrderGenerator, error) {
	if f.strategy == "ma" {
		return strategy.NewMovingAverage(), nil
	}
	strats, err := strategy.Make(strategy.ParseNames(f.strategies))
	if err != nil {
		return nil, err
	}
	ecfg := strategy.DefaultEnsembleConfig()
	ecfg.MaxPositionFrac = f.maxPositionFrac
	return strategy.NewEnsemble(f.symbol, strats, ecfg, rm)
}

// newBus mirrors events to Redis when an address is configured.
func newBus(cfg params.Bus, logger *zap.Logger) (eventbus.Bus, func()) {
	if cfg.RedisAddr == "" {
		return eventbus.NewInMemory(), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	bus := eventbus.NewRedis(client,
		eventbus.WithPrefix(cfg.Prefix),
		eventbus.WithBusLogger(logger),
	)
	return bus, func() {
		logger.Sugar().Infow("redis_bus_closed", "published", bus.Published(), "dropped", bus.Dropped())
		_ = client.Close()
	}
}

func report(cmd *cobra.Command, res *backtest.Result, rm *risk.Manager, writer *artifacts.Writer) {
	out := cmd.OutOrStdout()
	if res.Err != "" {
		fmt.Fprintf(out, "Backtest stopped: %s (%s)\n", res.StopReason, res.Err)
	} else {
		fmt.Fprintln(out, "Backtest complete.")
	}
	fmt.Fprintf(out, "Run ID: %s\n", res.RunID)
	fmt.Fprintf(out, "Bars processed: %d (stop: %s)\n", res.BarsProcessed, res.StopReason)
	fmt.Fprintf(out, "Trades executed: %d\n", len(res.Trades))
	if rm != nil {
		fmt.Fprintf(out, "Risk manager evaluated %d bars.\n", rm.Stats().BarsEvaluated)
		fmt.Fprintf(out, "Orders blocked by risk: %d\n", res.Blocked())
	}

	m := res.Metrics()
	fmt.Fprintf(out, "Total return: %.2f%%  Max drawdown: %.2f%%  Sharpe: %.2f\n",
		m.TotalReturn*100, m.MaxDrawdown*100, m.Sharpe)

	fmt.Fprintln(out, "Final portfolio snapshot:")
	data, err := json.MarshalIndent(res.FinalSnapshot, "", "  ")
	if err == nil {
		fmt.Fprintln(out, string(data))
	}
	fmt.Fprintf(out, "Artifacts: %s\n", writer.Dir())
}
