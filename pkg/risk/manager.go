package risk

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/atsim/pkg/app/core/market"
	"github.com/uhyunpark/atsim/pkg/app/core/order"
	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/features"
	"github.com/uhyunpark/atsim/pkg/util"
)

// Rejection reason prefixes. Every reason string starts with one of these.
const (
	ReasonHalted     = "portfolio_halted"
	ReasonInvalid    = "invalid_order"
	ReasonBaseline   = "baseline_rule"
	ReasonNotional   = "max_single_order_notional"
	ReasonGross      = "gross_exposure_cap"
	ReasonNet        = "net_exposure_cap"
	ReasonSymbol     = "symbol_exposure_cap"
	ReasonAllocation = "allocation_cap"
)

var reasonClasses = []string{
	ReasonHalted, ReasonInvalid, ReasonBaseline, ReasonNotional,
	ReasonGross, ReasonNet, ReasonSymbol, ReasonAllocation,
}

// ReasonClass returns the reason prefix, or "other".
func ReasonClass(reason string) string {
	for _, c := range reasonClasses {
		if strings.HasPrefix(reason, c) {
			return c
		}
	}
	return "other"
}

// FeatureSource looks up the current feature row for a symbol.
type FeatureSource func(symbol string) (features.Row, bool)

type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger.Sugar() }
}

// WithFeatureSource lets order evaluation recompute posture and execution
// estimates from live features.
func WithFeatureSource(src FeatureSource) Option {
	return func(m *Manager) { m.features = src }
}

// WithClock makes baseline freshness and trading-hour checks use the clock
// instead of the bar timestamp.
func WithClock(c util.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Stats are the manager's running counters.
type Stats struct {
	BarsEvaluated   int64 `json:"bars_evaluated"`
	OrdersEvaluated int64 `json:"orders_evaluated"`
	OrdersBlocked   int64 `json:"orders_blocked"`
}

// Manager runs the RM1..RM7 pipeline and the per-order exposure gate.
type Manager struct {
	cfg      Config
	logger   *zap.SugaredLogger
	features FeatureSource
	clock    util.Clock

	gov     *GovernanceLog
	posture PostureTracker
	exec    *ExecQuality
	health  *HealthTracker

	mu            sync.Mutex
	stats         Stats
	latestWeights map[string]float64
	lastBase      float64
	lastBreakdown map[string]float64
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid risk config: %w", err)
	}
	m := &Manager{
		cfg:    cfg,
		logger: zap.NewNop().Sugar(),
		gov:    NewGovernanceLog(),
		exec:   NewExecQuality(cfg.ExecSeed),
		health: NewHealthTracker(cfg.HealthWin),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Config() Config                      { return m.cfg }
func (m *Manager) Governance() *GovernanceLog          { return m.gov }
func (m *Manager) Health() *HealthTracker              { return m.health }
func (m *Manager) Posture() Posture                    { return m.posture.Current() }
func (m *Manager) FlushGovernance() []Event            { return m.gov.Flush() }
func (m *Manager) PostureHistory() []PostureTransition { return m.posture.History() }

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) now(fallback time.Time) time.Time {
	if m.clock != nil {
		return m.clock.Now()
	}
	return fallback
}

type exposureCaps struct {
	gross, net, symbol float64
	capitalForLimits   float64
}

func (m *Manager) capsFor(snap portfolio.Snapshot) exposureCaps {
	principal := snap.PrincipalFloor
	if principal <= 0 {
		principal = m.cfg.BaseCapital
	}
	if snap.AggressiveEnabled {
		capital := principal + snap.Pools.ProfitEquity
		return exposureCaps{
			gross:            capital * m.cfg.MaxGrossAggressiveFrac,
			net:              capital * m.cfg.MaxNetAggressiveFrac,
			symbol:           capital * m.cfg.MaxSymbolFrac,
			capitalForLimits: capital,
		}
	}
	return exposureCaps{
		gross:            principal * m.cfg.MaxGrossPrincipalFrac,
		net:              principal * m.cfg.MaxNetPrincipalFrac,
		symbol:           principal * m.cfg.MaxSymbolFrac,
		capitalForLimits: principal,
	}
}

// haltState reports whether the snapshot is halted, either explicitly or
// because equity has fallen below the principal floor.
func (m *Manager) haltState(snap portfolio.Snapshot) (bool, string) {
	if snap.Halted {
		reason := snap.HaltedReason
		if reason == "" {
			reason = ReasonHalted
		}
		return true, reason
	}
	if snap.PrincipalFloor > 0 && snap.Equity < snap.PrincipalFloor-m.cfg.FloorBreachTolerance {
		return true, fmt.Sprintf("principal_floor_breach equity=%.6f < floor=%.6f", snap.Equity, snap.PrincipalFloor)
	}
	return false, ""
}

type exposureState struct {
	gross, net float64
	qty        map[string]float64
}

func (s *exposureState) after(symbol string, price, delta float64) (gross, net, newQty, newMV float64) {
	oldQty := s.qty[symbol]
	newQty = oldQty + delta
	oldMV := oldQty * price
	newMV = newQty * price
	return s.gross - math.Abs(oldMV) + math.Abs(newMV), s.net - oldMV + newMV, newQty, newMV
}

func (m *Manager) priceFor(o order.Order, bar market.Bar, snap portfolio.Snapshot) (float64, bool) {
	if o.Symbol == bar.Symbol {
		return bar.Close, true
	}
	if ps, ok := snap.Positions[o.Symbol]; ok && ps.MarkPrice > 0 {
		return ps.MarkPrice, true
	}
	if o.IsLimit() && o.LimitPrice > 0 {
		return o.LimitPrice, true
	}
	return 0, false
}

// EvaluateOrders gates one bar's candidate orders against the portfolio
// snapshot. Checks run in order: halt, validity, baseline, single-order
// notional, gross, net and per-symbol exposure, then the optional
// allocation cap. Accepted orders update the simulated exposure so later
// candidates see their effect. Every rejection is pushed to governance.
func (m *Manager) EvaluateOrders(bar market.Bar, candidates []order.Order, snap portfolio.Snapshot) (Decision, error) {
	if bar.Symbol == "" || !(bar.Close > 0) || !finite(bar.Close) {
		return Decision{}, fmt.Errorf("cannot evaluate orders against bar %q with close %v", bar.Symbol, bar.Close)
	}

	m.mu.Lock()
	m.stats.BarsEvaluated++
	m.stats.OrdersEvaluated += int64(len(candidates))
	weights, base := m.latestWeights, m.lastBase
	m.mu.Unlock()

	posture := m.observePosture(bar)

	halted, haltReason := m.haltState(snap)
	caps := m.capsFor(snap)
	es := &exposureState{gross: snap.GrossExposure, net: snap.NetExposure, qty: make(map[string]float64, len(snap.Positions))}
	for sym, ps := range snap.Positions {
		es.qty[sym] = ps.Quantity
	}

	d := Decision{
		Timestamp: bar.Timestamp,
		Symbol:    bar.Symbol,
		Accepted:  make([]order.Order, 0, len(candidates)),
		Posture:   posture,
		Meta: DecisionMeta{
			Price:            bar.Close,
			Equity:           snap.Equity,
			PrincipalFloor:   snap.PrincipalFloor,
			ProfitEquity:     snap.Pools.ProfitEquity,
			CapitalForLimits: caps.capitalForLimits,
			Aggressive:       snap.AggressiveEnabled,
			Halted:           halted,
			HaltedReason:     haltReason,
			GrossBefore:      es.gross,
			NetBefore:        es.net,
		},
	}

	for _, o := range candidates {
		reason, price := m.checkOrder(o, bar, snap, halted, haltReason, caps, es, weights, base)
		if reason != "" {
			d.Rejected = append(d.Rejected, Rejection{Order: o, Reason: reason})
			m.gov.Push(Event{
				Timestamp: bar.Timestamp,
				Symbol:    o.Symbol,
				Stage:     StageOrder,
				Message:   reason,
				Details:   map[string]any{"order_id": o.ID, "side": string(o.Side), "size": o.Size},
			})
			m.logger.Debugw("order_rejected", "symbol", o.Symbol, "order_id", o.ID, "reason", reason)
			continue
		}
		gross, net, newQty, _ := es.after(o.Symbol, price, o.SignedSize())
		es.gross, es.net, es.qty[o.Symbol] = gross, net, newQty
		d.Accepted = append(d.Accepted, o)
	}

	d.Meta.GrossAfter = es.gross
	d.Meta.NetAfter = es.net
	d.Meta.Health = m.health.Score().Health
	if len(d.Accepted) > 0 {
		row := m.featureRow(bar.Symbol)
		d.Meta.Execution = make(map[string]ExecEstimate, len(d.Accepted))
		for i, o := range d.Accepted {
			key := o.ID
			if key == "" {
				key = fmt.Sprintf("%s#%d", o.Symbol, i)
			}
			d.Meta.Execution[key] = m.exec.Estimate(row, o.Size)
		}
	}

	if n := len(d.Rejected); n > 0 {
		m.mu.Lock()
		m.stats.OrdersBlocked += int64(n)
		m.mu.Unlock()
	}
	return d, nil
}

func (m *Manager) checkOrder(o order.Order, bar market.Bar, snap portfolio.Snapshot, halted bool, haltReason string,
	caps exposureCaps, es *exposureState, weights map[string]float64, base float64) (string, float64) {
	if halted {
		return fmt.Sprintf("%s: %s", ReasonHalted, haltReason), 0
	}
	if err := o.Validate(); err != nil {
		return fmt.Sprintf("%s: %v", ReasonInvalid, err), 0
	}
	price, ok := m.priceFor(o, bar, snap)
	if !ok {
		return fmt.Sprintf("%s: no price for %s", ReasonInvalid, o.Symbol), 0
	}

	if m.cfg.Baseline != nil {
		if v := m.cfg.Baseline.CheckOrder(o, bar, m.now(bar.Timestamp)); len(v) > 0 {
			return fmt.Sprintf("%s: %s", ReasonBaseline, strings.Join(v, "; ")), price
		}
	}

	notional := math.Abs(o.Size * price)
	if notional > m.cfg.MaxSingleOrderNotional {
		return fmt.Sprintf("%s exceeded: order_notional=%.2f > cap=%.2f", ReasonNotional, notional, m.cfg.MaxSingleOrderNotional), price
	}

	eps := m.cfg.ExposureEpsilon
	gross, net, newQty, newMV := es.after(o.Symbol, price, o.SignedSize())
	if gross > caps.gross+eps {
		return fmt.Sprintf("%s breached: gross_after=%.2f > cap=%.2f (capital_for_limits=%.2f)",
			ReasonGross, gross, caps.gross, caps.capitalForLimits), price
	}
	if math.Abs(net) > caps.net+eps {
		return fmt.Sprintf("%s breached: |net_after|=%.2f > cap=%.2f (capital_for_limits=%.2f)",
			ReasonNet, math.Abs(net), caps.net, caps.capitalForLimits), price
	}
	if math.Abs(newMV) > caps.symbol+eps {
		return fmt.Sprintf("%s breached for %s: |mv_after|=%.2f > cap=%.2f (new_qty=%.4f)",
			ReasonSymbol, o.Symbol, math.Abs(newMV), caps.symbol, newQty), price
	}

	if m.cfg.EnforceAllocationLimits && len(weights) > 0 {
		if w, ok := weights[o.Symbol]; ok {
			target := math.Abs(w) * base
			if target <= 0 {
				return fmt.Sprintf("%s: target weight is 0", ReasonAllocation), price
			}
			if limit := target * m.cfg.AllocationOrderFrac; notional > limit {
				return fmt.Sprintf("%s: order_notional=%.2f > cap=%.2f", ReasonAllocation, notional, limit), price
			}
		}
	}
	return "", price
}

func (m *Manager) featureRow(symbol string) features.Row {
	if m.features == nil {
		return features.Row{}
	}
	row, _ := m.features(symbol)
	return row
}

// observePosture recomputes posture from the bar's features. Without a
// feature source the last observed posture carries over.
func (m *Manager) observePosture(bar market.Bar) Posture {
	if m.features == nil {
		return m.posture.Current()
	}
	row, ok := m.features(bar.Symbol)
	if !ok {
		return m.posture.Current()
	}
	rows := map[string]features.Row{bar.Symbol: row}
	scores := Aggregate(rows, PredictBatch(rows))
	p := ComputePosture(scores)
	m.recordPosture(bar.Timestamp, bar.Symbol, p, scores)
	return p
}

func (m *Manager) recordPosture(ts time.Time, symbol string, p Posture, s PostureScores) {
	tr, changed := m.posture.Observe(ts, p, s)
	if !changed {
		return
	}
	m.gov.Push(Event{
		Timestamp: ts,
		Symbol:    symbol,
		Stage:     StagePosture,
		Message:   fmt.Sprintf("posture %s -> %s", tr.From, tr.To),
		Details: map[string]any{
			"anomaly":         s.Anomaly,
			"drift":           s.Drift,
			"predictive_risk": s.PredictedRisk,
		},
	})
	m.logger.Infow("posture_transition", "symbol", symbol, "from", tr.From.String(), "to", tr.To.String(),
		"anomaly", s.Anomaly, "drift", s.Drift, "predictive_risk", s.PredictedRisk)
}

// ObserveSnapshot feeds the equity curve into portfolio health and credits
// the last allocation's strategies with the P&L.
func (m *Manager) ObserveSnapshot(snap portfolio.Snapshot) {
	m.mu.Lock()
	breakdown := m.lastBreakdown
	m.mu.Unlock()
	m.health.Update(snap.Equity, breakdown)
}

// Envelope bounds trading in one symbol for the current batch.
type Envelope struct {
	Symbol              string       `json:"symbol"`
	Weight              float64      `json:"weight"`
	MaxPosition         float64      `json:"max_position"`
	MaxCapitalRisk      float64      `json:"max_capital_risk"`
	Posture             Posture      `json:"posture"`
	RequireConfirmation bool         `json:"require_confirmation"`
	Execution           ExecEstimate `json:"execution"`
}

// Batch is the result of one allocation pass.
type Batch struct {
	Timestamp   time.Time             `json:"timestamp"`
	Posture     Posture               `json:"posture"`
	Scores      PostureScores         `json:"scores"`
	Allocations []Allocation          `json:"allocations"`
	Predictions map[string]Prediction `json:"predictions"`
	Envelopes   map[string]Envelope   `json:"envelopes"`
	Weights     map[string]float64    `json:"weights"`
}

// RunAllocationBatch runs RM1 through RM5 over aggregated allocations.
// Allocations failing the baseline gate are dropped and recorded. The
// posture multiplier scales the surviving weights. A non-positive
// baseCapital falls back to the configured base capital.
func (m *Manager) RunAllocationBatch(ts time.Time, allocs []Allocation, rows map[string]features.Row, baseCapital float64) Batch {
	if !(baseCapital > 0) {
		baseCapital = m.cfg.BaseCapital
	}

	kept := allocs
	if m.cfg.Baseline != nil {
		kept = make([]Allocation, 0, len(allocs))
		now := m.now(ts)
		for _, a := range allocs {
			if v := m.cfg.Baseline.Check(a, now); len(v) > 0 {
				m.gov.Push(Event{
					Timestamp: ts,
					Symbol:    a.Symbol,
					Stage:     StageBaseline,
					Message:   strings.Join(v, "; "),
					Details:   map[string]any{"score": a.Score, "confidence": a.Confidence},
				})
				continue
			}
			kept = append(kept, a)
		}
	}

	preds := PredictBatch(rows)
	allocated := Allocate(m.cfg.Capital, kept, preds, baseCapital)
	scores := Aggregate(rows, preds)
	posture := ComputePosture(scores)
	m.recordPosture(ts, "", posture, scores)

	mult := posture.Multiplier()
	batch := Batch{
		Timestamp:   ts,
		Posture:     posture,
		Scores:      scores,
		Predictions: preds,
		Envelopes:   make(map[string]Envelope, len(allocated)),
		Weights:     make(map[string]float64, len(allocated)),
	}
	breakdown := make(map[string]float64)
	for i := range allocated {
		a := &allocated[i]
		a.Weight *= mult
		a.Dollars *= mult

		row := rows[a.Symbol]
		var maxPos float64
		if row.Close > 0 {
			maxPos = math.Abs(a.Dollars) / row.Close
		}
		batch.Envelopes[a.Symbol] = Envelope{
			Symbol:              a.Symbol,
			Weight:              a.Weight,
			MaxPosition:         maxPos,
			MaxCapitalRisk:      math.Abs(a.Dollars) * preds[a.Symbol].Volatility,
			Posture:             posture,
			RequireConfirmation: posture >= PostureAlert,
			Execution:           m.exec.Estimate(row, maxPos),
		}
		batch.Weights[a.Symbol] = a.Weight
		for k, v := range normalizeAbs(a.StrategyBreakdown) {
			breakdown[k] += v * math.Abs(a.Weight)
		}
	}
	batch.Allocations = allocated

	m.mu.Lock()
	m.latestWeights = batch.Weights
	m.lastBase = baseCapital
	m.lastBreakdown = breakdown
	m.mu.Unlock()

	m.logger.Debugw("allocation_batch", "symbols", len(allocated), "posture", posture.String(),
		"anomaly", scores.Anomaly, "drift", scores.Drift, "predictive_risk", scores.PredictedRisk)
	return batch
}
