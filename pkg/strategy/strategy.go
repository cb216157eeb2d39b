// Package strategy holds the signal strategies, their aggregation and the
// order generators the backtest engine drives.
package strategy

import (
	"math"

	"github.com/uhyunpark/atsim/pkg/app/core/market"
	"github.com/uhyunpark/atsim/pkg/app/core/order"
	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/features"
)

// Signal is one strategy's view of a symbol. Positive scores are long.
type Signal struct {
	Strategy   string         `json:"strategy"`
	Score      float64        `json:"score"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Normalized clamps score to [-1,1] and confidence to [0,1]; non-finite
// values become 0.
func (s Signal) Normalized() Signal {
	s.Score = clamp(s.Score, -1, 1)
	s.Confidence = clamp(s.Confidence, 0, 1)
	return s
}

// Strategy produces a signal from the current features and history. It
// must be pure: the same inputs always give the same signal.
type Strategy interface {
	Name() string
	GenerateSignal(symbol string, row features.Row, history []market.Bar) (Signal, error)
}

// View is the read-only state an order generator sees on each bar.
type View interface {
	Snapshot() portfolio.Snapshot
	Bars(symbol string) []market.Bar
}

// OrderGenerator turns a bar into candidate orders. Returning an error
// aborts the run.
type OrderGenerator interface {
	Name() string
	OnBar(bar market.Bar, view View) ([]order.Order, error)
}

// StaticView is a fixed View, handy for tests and one-off evaluation.
type StaticView struct {
	Snap    portfolio.Snapshot
	History map[string][]market.Bar
}

func (v StaticView) Snapshot() portfolio.Snapshot    { return v.Snap }
func (v StaticView) Bars(symbol string) []market.Bar { return v.History[symbol] }

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return math.Max(lo, math.Min(hi, x))
}
