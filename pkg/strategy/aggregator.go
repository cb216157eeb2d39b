package strategy

import (
	"math"
	"time"

	"github.com/uhyunpark/atsim/pkg/risk"
)

// Direction is the coarse stance derived from an aggregated signal.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// Sign maps long/short/flat to +1/-1/0.
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	}
	return 0
}

// Combine merges per-strategy signals into one allocation. The score is the
// confidence-weighted mean of the signal scores; the confidence is the
// mean confidence across all signals. Signals without confidence are
// ignored.
func Combine(symbol string, ts time.Time, signals []Signal) risk.Allocation {
	alloc := risk.Allocation{
		Symbol:            symbol,
		Timestamp:         ts,
		StrategyBreakdown: make(map[string]float64, len(signals)),
	}
	if len(signals) == 0 {
		return alloc
	}
	var num, den float64
	for _, s := range signals {
		s = s.Normalized()
		if s.Confidence <= 0 {
			continue
		}
		num += s.Score * s.Confidence
		den += s.Confidence
		alloc.StrategyBreakdown[s.Strategy] = s.Score
	}
	if den > 0 {
		alloc.Score = clamp(num/den, -1, 1)
	}
	alloc.Confidence = clamp(den/float64(len(signals)), 0, 1)
	return alloc
}

// Aggregator maps an allocation to a direction.
type Aggregator struct {
	LongThreshold  float64
	ShortThreshold float64
	MinConfidence  float64
}

func DefaultAggregator() Aggregator {
	return Aggregator{LongThreshold: 0.15, ShortThreshold: -0.15, MinConfidence: 0.05}
}

func (g Aggregator) Direction(a risk.Allocation) Direction {
	if a.Confidence < g.MinConfidence || math.IsNaN(a.Score) {
		return Flat
	}
	switch {
	case a.Score >= g.LongThreshold:
		return Long
	case a.Score <= g.ShortThreshold:
		return Short
	}
	return Flat
}
