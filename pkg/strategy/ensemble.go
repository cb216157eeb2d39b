package strategy

import (
	"fmt"
	"math"

	"github.com/uhyunpark/atsim/pkg/app/core/market"
	"github.com/uhyunpark/atsim/pkg/app/core/order"
	"github.com/uhyunpark/atsim/pkg/features"
	"github.com/uhyunpark/atsim/pkg/risk"
)

// EnsembleConfig tunes position sizing for the ensemble generator.
type EnsembleConfig struct {
	MaxPositionFrac float64 `json:"max_position_frac" yaml:"max_position_frac"`
	MinTradeQty     float64 `json:"min_trade_qty" yaml:"min_trade_qty"`
	RoundLot        float64 `json:"round_lot" yaml:"round_lot"`
	AllowShort      bool    `json:"allow_short" yaml:"allow_short"`
	UseRiskWeights  bool    `json:"use_risk_weights" yaml:"use_risk_weights"`
}

func DefaultEnsembleConfig() EnsembleConfig {
	return EnsembleConfig{
		MaxPositionFrac: 0.20,
		MinTradeQty:     1,
		RoundLot:        1,
		AllowShort:      true,
		UseRiskWeights:  true,
	}
}

// Ensemble runs a set of signal strategies on one symbol, combines them and
// trades toward the resulting target position with market orders.
type Ensemble struct {
	Symbol     string
	Strategies []Strategy
	Aggregator Aggregator
	Config     EnsembleConfig

	// Risk, when set, supplies allocation weights that scale the target.
	Risk *risk.Manager

	last risk.Allocation
}

func NewEnsemble(symbol string, strategies []Strategy, cfg EnsembleConfig, rm *risk.Manager) (*Ensemble, error) {
	if symbol == "" {
		return nil, fmt.Errorf("ensemble symbol is required")
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("ensemble needs at least one strategy")
	}
	if cfg.MaxPositionFrac < 0 || cfg.MinTradeQty < 0 || cfg.RoundLot < 0 {
		return nil, fmt.Errorf("ensemble sizing parameters must be non-negative")
	}
	return &Ensemble{
		Symbol:     symbol,
		Strategies: strategies,
		Aggregator: DefaultAggregator(),
		Config:     cfg,
		Risk:       rm,
	}, nil
}

func (e *Ensemble) Name() string { return "ensemble" }

// LastAllocation is the allocation computed on the most recent bar.
func (e *Ensemble) LastAllocation() risk.Allocation { return e.last }

func (e *Ensemble) OnBar(bar market.Bar, view View) ([]order.Order, error) {
	if bar.Symbol != e.Symbol || !(bar.Close > 0) {
		return nil, nil
	}
	hist := view.Bars(e.Symbol)
	row := features.FromBars(hist)

	signals := make([]Signal, 0, len(e.Strategies))
	for _, s := range e.Strategies {
		sig, err := s.GenerateSignal(e.Symbol, row, hist)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", s.Name(), err)
		}
		if sig.Strategy == "" {
			sig.Strategy = s.Name()
		}
		signals = append(signals, sig)
	}
	alloc := Combine(e.Symbol, bar.Timestamp, signals)
	e.last = alloc

	dir := e.Aggregator.Direction(alloc)
	if dir == Short && !e.Config.AllowShort {
		dir = Flat
	}
	intensity := math.Min(1, math.Abs(alloc.Score)*clamp(alloc.Confidence, 0, 1))

	snap := view.Snapshot()
	base := snap.CapitalBase()

	rmW := 1.0
	if e.Risk != nil && e.Config.UseRiskWeights {
		batch := e.Risk.RunAllocationBatch(bar.Timestamp, []risk.Allocation{alloc},
			map[string]features.Row{e.Symbol: row}, base)
		if w, ok := batch.Weights[e.Symbol]; ok {
			rmW = clamp(math.Abs(w), 0, 1)
		}
	}
	signedWeight := dir.Sign() * rmW * intensity

	target := signedWeight * base * math.Max(0, e.Config.MaxPositionFrac) / bar.Close
	if lot := e.Config.RoundLot; lot > 0 {
		target = math.Round(target/lot) * lot
	}
	current := snap.Quantity(e.Symbol)
	delta := target - current
	if math.Abs(delta) < e.Config.MinTradeQty || delta == 0 {
		return nil, nil
	}

	o, err := order.NewMarket(e.Symbol, order.SideFor(delta), math.Abs(delta))
	if err != nil {
		return nil, err
	}
	o.Metadata = map[string]any{
		"source":        e.Name(),
		"direction":     string(dir),
		"score":         alloc.Score,
		"confidence":    alloc.Confidence,
		"rm_weight_abs": rmW,
		"signed_weight": signedWeight,
		"target_qty":    target,
		"current_qty":   current,
	}
	return []order.Order{o}, nil
}
