package backtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/atsim/pkg/app/core/execution"
	"github.com/uhyunpark/atsim/pkg/app/core/market"
	"github.com/uhyunpark/atsim/pkg/app/core/order"
	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/eventbus"
	"github.com/uhyunpark/atsim/pkg/killswitch"
	"github.com/uhyunpark/atsim/pkg/risk"
	"github.com/uhyunpark/atsim/pkg/strategy"
	"github.com/uhyunpark/atsim/pkg/util"
)

// Evaluator gates candidate orders. *risk.Manager implements it.
type Evaluator interface {
	EvaluateOrders(bar market.Bar, candidates []order.Order, snap portfolio.Snapshot) (risk.Decision, error)
}

// Optional evaluator capabilities, detected at construction.
type governanceSource interface {
	FlushGovernance() []risk.Event
}

type snapshotObserver interface {
	ObserveSnapshot(snap portfolio.Snapshot)
}

type Option func(*Engine)

func WithRisk(ev Evaluator) Option { return func(e *Engine) { e.risk = ev } }

func WithKillSwitch(sw killswitch.Switch) Option {
	return func(e *Engine) {
		if sw != nil {
			e.kill = sw
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(e *Engine) {
		if b != nil {
			e.bus = b
		}
	}
}

// WithAuditSink receives governance events as they are flushed each bar.
func WithAuditSink(s risk.AuditSink) Option { return func(e *Engine) { e.audit = s } }

// WithHistory shares a bar history, e.g. with a risk feature source.
func WithHistory(h *market.History) Option {
	return func(e *Engine) {
		if h != nil {
			e.history = h
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.Sugar()
		}
	}
}

func WithClock(c util.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// Engine runs one backtest. It owns its portfolio for the duration of Run
// and is not safe for concurrent runs.
type Engine struct {
	cfg       Config
	portfolio *portfolio.Portfolio
	exec      execution.Engine
	strategy  strategy.OrderGenerator
	risk      Evaluator
	kill      killswitch.Switch
	bus       eventbus.Bus
	audit     risk.AuditSink
	history   *market.History
	logger    *zap.SugaredLogger
	clock     util.Clock

	govPending []risk.Event
}

func New(cfg Config, pf *portfolio.Portfolio, exec execution.Engine, strat strategy.OrderGenerator, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("backtest config: %w", err)
	}
	switch {
	case pf == nil:
		return nil, ErrNoPortfolio
	case exec == nil:
		return nil, ErrNoExecution
	case strat == nil:
		return nil, ErrNoStrategy
	}
	if cfg.RunID == "" {
		cfg.RunID = NewRunID()
	}
	histCap := cfg.HistoryCap
	if histCap == 0 {
		histCap = market.DefaultHistoryCap
	}
	e := &Engine{
		cfg:       cfg,
		portfolio: pf,
		exec:      exec,
		strategy:  strat,
		kill:      killswitch.NewStatic(false),
		bus:       eventbus.Nop{},
		history:   market.NewHistory(histCap),
		logger:    zap.NewNop().Sugar(),
		clock:     util.RealClock{},
	}
	for _, o := range opts {
		o(e)
	}
	if cfg.EnableRisk && e.risk == nil {
		return nil, ErrRiskRequired
	}
	return e, nil
}

func (e *Engine) RunID() string                   { return e.cfg.RunID }
func (e *Engine) History() *market.History        { return e.history }
func (e *Engine) Portfolio() *portfolio.Portfolio { return e.portfolio }

// view is what the strategy sees on a bar.
type view struct {
	snap    portfolio.Snapshot
	history *market.History
}

func (v view) Snapshot() portfolio.Snapshot    { return v.snap }
func (v view) Bars(symbol string) []market.Bar { return v.history.Bars(symbol) }

// Run processes bars in order until they are exhausted, the bar limit is
// hit, the kill switch engages, ctx is cancelled or a step fails. The
// returned Result is never nil; on error it holds the bars completed
// before the failure.
func (e *Engine) Run(ctx context.Context, bars []market.Bar) (*Result, error) {
	res := &Result{RunID: e.cfg.RunID, Start: e.clock.Now()}
	if len(bars) == 0 {
		return e.fail(res, ErrNoBars)
	}
	if err := market.CheckOrdered(bars); err != nil {
		return e.fail(res, fmt.Errorf("bars: %w", err))
	}

	e.logger.Infow("backtest_start", "run_id", e.cfg.RunID, "bars", len(bars),
		"strategy", e.strategy.Name(), "risk", e.cfg.EnableRisk, "bar_limit", e.cfg.BarLimit)

	res.StopReason = StopExhausted
	for i, raw := range bars {
		if err := ctx.Err(); err != nil {
			res.StopReason = StopCancelled
			break
		}
		if e.cfg.BarLimit > 0 && i >= e.cfg.BarLimit {
			res.StopReason = StopBarLimit
			break
		}
		stopped, err := e.step(res, i, raw)
		if err != nil {
			return e.fail(res, fmt.Errorf("bar %d (%s): %w", i, raw.Timestamp.Format(time.RFC3339), err))
		}
		if stopped {
			res.StopReason = StopKillSwitch
			break
		}
	}
	return e.finish(res)
}

// step runs the per-bar state machine. It reports stopped=true when the
// kill switch flattened the book.
func (e *Engine) step(res *Result, i int, raw market.Bar) (bool, error) {
	bar := raw.Normalize()
	if err := bar.Validate(); err != nil {
		return false, err
	}
	e.history.Append(bar)

	prices := e.history.LastBook().Prices()
	snap := e.portfolio.Snapshot(prices, bar.Timestamp)
	snap.Bar = i
	if err := e.publish(eventbus.TopicBar, bar.Timestamp, i, bar); err != nil {
		return false, err
	}

	if e.kill.Engaged() {
		return true, e.flatten(res, i, bar)
	}

	candidates, err := e.strategy.OnBar(bar, view{snap: snap, history: e.history})
	if err != nil {
		return false, fmt.Errorf("strategy %s: %w", e.strategy.Name(), err)
	}
	for j := range candidates {
		if candidates[j].ID == "" {
			candidates[j] = candidates[j].WithID(fmt.Sprintf("%s-%06d-%03d", e.cfg.RunID, i, j))
		}
		if err := candidates[j].Validate(); err != nil {
			return false, fmt.Errorf("strategy %s order %d: %w", e.strategy.Name(), j, err)
		}
	}

	accepted := candidates
	if e.cfg.EnableRisk {
		dec, err := e.risk.EvaluateOrders(bar, candidates, snap)
		if err != nil {
			return false, fmt.Errorf("risk: %w", err)
		}
		accepted = dec.Accepted
		res.Decisions = append(res.Decisions, dec)
		if err := e.publish(eventbus.TopicRiskDecision, bar.Timestamp, i, dec); err != nil {
			return false, err
		}
	}

	fills := e.exec.Execute(accepted, market.BookOf(bar), bar.Timestamp)
	e.noteDropped(i, bar, accepted, fills)
	if err := e.bookFills(res, i, bar.Timestamp, fills); err != nil {
		return false, err
	}
	if err := e.record(res, i, bar.Timestamp); err != nil {
		return false, err
	}

	e.logger.Debugw("bar_processed", "bar", i, "symbol", bar.Symbol, "close", bar.Close,
		"candidates", len(candidates), "accepted", len(accepted), "fills", len(fills))
	return false, nil
}

// noteDropped records accepted market orders that produced no fill because
// the bar context had no market for their symbol. Limits rest instead.
func (e *Engine) noteDropped(i int, bar market.Bar, accepted []order.Order, fills []order.Fill) {
	filled := make(map[string]struct{}, len(fills))
	for _, f := range fills {
		filled[f.OrderID] = struct{}{}
	}
	for _, o := range accepted {
		if o.IsLimit() {
			continue
		}
		if _, ok := filled[o.ID]; ok {
			continue
		}
		e.logger.Warnw("order_dropped_no_market", "bar", i, "order_id", o.ID, "symbol", o.Symbol,
			"side", o.Side, "size", o.Size, "bar_symbol", bar.Symbol)
		e.govPending = append(e.govPending, risk.Event{
			Timestamp: bar.Timestamp,
			Symbol:    o.Symbol,
			Stage:     risk.StageEngine,
			Message:   "no market for symbol; order dropped",
			Details:   map[string]any{"order_id": o.ID, "side": o.Side, "size": o.Size, "bar": i},
		})
	}
}

// flatten closes every open position at its last known bar and halts the
// portfolio. Resting orders are cancelled first so they cannot reopen risk.
func (e *Engine) flatten(res *Result, i int, bar market.Bar) error {
	for _, o := range e.exec.Pending() {
		e.exec.Cancel(o.ID)
	}

	book := e.history.LastBook()
	var orders []order.Order
	for _, pos := range e.portfolio.OpenPositions() {
		if _, ok := book[pos.Symbol]; !ok {
			e.logger.Warnw("kill_switch_flatten_skipped", "symbol", pos.Symbol, "qty", pos.Quantity)
			e.govPending = append(e.govPending, risk.Event{
				Timestamp: bar.Timestamp,
				Symbol:    pos.Symbol,
				Stage:     risk.StageKillSwitch,
				Message:   "no known bar; position left open",
				Details:   map[string]any{"qty": pos.Quantity},
			})
			continue
		}
		o, ok := order.Flatten(pos.Symbol, pos.Quantity)
		if !ok {
			continue
		}
		orders = append(orders, o.WithID(fmt.Sprintf("%s-kill-%06d-%03d", e.cfg.RunID, i, len(orders))))
	}

	fills := e.exec.Execute(orders, book, bar.Timestamp)
	if err := e.bookFills(res, i, bar.Timestamp, fills); err != nil {
		return fmt.Errorf("kill switch flatten: %w", err)
	}
	e.portfolio.Halt(StopKillSwitch)
	e.govPending = append(e.govPending, risk.Event{
		Timestamp: bar.Timestamp,
		Stage:     risk.StageKillSwitch,
		Message:   "kill switch engaged; positions flattened",
		Details:   map[string]any{"orders": len(orders), "fills": len(fills), "bar": i},
	})
	e.logger.Warnw("kill_switch_engaged", "bar", i, "flatten_orders", len(orders), "fills", len(fills))

	if err := e.record(res, i, bar.Timestamp); err != nil {
		return err
	}
	return e.publish(eventbus.TopicKillSwitch, bar.Timestamp, i, map[string]any{
		"orders": orders,
		"fills":  len(fills),
	})
}

func (e *Engine) bookFills(res *Result, i int, ts time.Time, fills []order.Fill) error {
	fees := e.portfolio.Config().Fees
	for _, f := range fills {
		before := e.portfolio.Position(f.Symbol).Quantity
		realized, err := e.portfolio.ApplyFill(f)
		if err != nil {
			return err
		}
		tr := Trade{
			Fill:        f,
			Bar:         i,
			Seq:         len(res.Trades),
			Fee:         fees.Fee(f.Size, f.Price),
			RealizedPnL: realized,
			Closing:     before != 0 && math.Signbit(before) != math.Signbit(f.SignedSize()),
			PositionQty: e.portfolio.Position(f.Symbol).Quantity,
		}
		res.Trades = append(res.Trades, tr)
		if err := e.publish(eventbus.TopicFill, ts, i, tr); err != nil {
			return err
		}
	}
	return nil
}

// record appends the bar's single snapshot and flushes governance.
func (e *Engine) record(res *Result, i int, ts time.Time) error {
	snap := e.portfolio.Snapshot(e.history.LastBook().Prices(), ts)
	snap.Bar = i
	res.Snapshots = append(res.Snapshots, snap)
	res.BarsProcessed = len(res.Snapshots)
	res.FinalSnapshot = snap
	if len(snap.MissingMarks) > 0 {
		e.logger.Warnw("missing_marks", "bar", i, "symbols", snap.MissingMarks)
	}

	if obs, ok := e.risk.(snapshotObserver); ok && e.cfg.EnableRisk {
		obs.ObserveSnapshot(snap)
	}
	if err := e.publish(eventbus.TopicSnapshot, ts, i, snap); err != nil {
		return err
	}
	return e.flushGovernance(res, i, ts)
}

// takeGovernance drains the risk manager's buffer and the engine's own
// pending events, in that order.
func (e *Engine) takeGovernance() []risk.Event {
	events := e.govPending
	e.govPending = nil
	if src, ok := e.risk.(governanceSource); ok {
		events = append(src.FlushGovernance(), events...)
	}
	return events
}

func (e *Engine) flushGovernance(res *Result, i int, ts time.Time) error {
	events := e.takeGovernance()
	if len(events) == 0 {
		return nil
	}
	res.Governance = append(res.Governance, events...)
	if e.audit != nil {
		if err := e.audit.Append(events); err != nil {
			return fmt.Errorf("governance audit: %w", err)
		}
	}
	return e.publish(eventbus.TopicGovernance, ts, i, events)
}

func (e *Engine) publish(topic string, ts time.Time, i int, data any) error {
	return e.bus.Publish(eventbus.Event{RunID: e.cfg.RunID, Topic: topic, Timestamp: ts, Bar: i, Data: data})
}

func (e *Engine) finish(res *Result) (*Result, error) {
	res.End = e.clock.Now()
	res.Symbols = e.history.Symbols()
	if len(res.Snapshots) == 0 {
		res.FinalSnapshot = e.portfolio.Snapshot(e.history.LastBook().Prices(), res.End)
	}
	e.logger.Infow("backtest_complete", "run_id", res.RunID, "stop_reason", res.StopReason,
		"bars", res.BarsProcessed, "trades", len(res.Trades), "blocked", res.Blocked(),
		"equity", res.FinalSnapshot.Equity)
	if err := e.publish(eventbus.TopicRunComplete, res.End, res.BarsProcessed, res); err != nil {
		return res, err
	}
	return res, nil
}

// fail finalizes a partial result. Governance raised on the failing bar is
// still recorded; sink and publish errors are logged so err is returned.
func (e *Engine) fail(res *Result, err error) (*Result, error) {
	res.StopReason = StopError
	res.Err = err.Error()
	res.End = e.clock.Now()
	if events := e.takeGovernance(); len(events) > 0 {
		res.Governance = append(res.Governance, events...)
		if e.audit != nil {
			if aerr := e.audit.Append(events); aerr != nil {
				e.logger.Warnw("governance_audit_failed", "run_id", res.RunID, "events", len(events), "err", aerr)
			}
		}
		ts := events[len(events)-1].Timestamp
		if perr := e.publish(eventbus.TopicGovernance, ts, res.BarsProcessed, events); perr != nil {
			e.logger.Warnw("governance_publish_failed", "run_id", res.RunID, "err", perr)
		}
	}
	res.Symbols = e.history.Symbols()
	if len(res.Snapshots) > 0 {
		res.FinalSnapshot = res.Snapshots[len(res.Snapshots)-1]
	}
	e.logger.Errorw("backtest_failed", "run_id", res.RunID, "bars", res.BarsProcessed, "err", err)
	if perr := e.publish(eventbus.TopicRunComplete, res.End, res.BarsProcessed, res); perr != nil {
		e.logger.Warnw("run_complete_publish_failed", "err", perr)
	}
	return res, err
}
