package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/uhyunpark/atsim/pkg/app/core/market"
	"github.com/uhyunpark/atsim/pkg/app/core/order"
)

// BaselineRules are the hard RM1 gates. Trading hours are UTC and inclusive
// at both ends.
type BaselineRules struct {
	MaxPosition      float64       `json:"max_position" yaml:"max_position"`
	MinConfidence    float64       `json:"min_confidence" yaml:"min_confidence"`
	MaxScore         float64       `json:"max_score" yaml:"max_score"`
	TradingHourStart int           `json:"trading_hour_start" yaml:"trading_hour_start"`
	TradingHourEnd   int           `json:"trading_hour_end" yaml:"trading_hour_end"`
	Freshness        time.Duration `json:"freshness" yaml:"freshness"`
}

func DefaultBaselineRules() BaselineRules {
	return BaselineRules{
		MaxPosition:      10_000,
		MinConfidence:    0.10,
		MaxScore:         1.0,
		TradingHourStart: 8,
		TradingHourEnd:   15,
		Freshness:        10 * time.Second,
	}
}

func (r BaselineRules) Validate() error {
	if !(r.MaxPosition > 0) {
		return fmt.Errorf("max_position must be positive: %v", r.MaxPosition)
	}
	if r.TradingHourStart < 0 || r.TradingHourEnd > 23 || r.TradingHourStart > r.TradingHourEnd {
		return fmt.Errorf("invalid trading window %d..%d", r.TradingHourStart, r.TradingHourEnd)
	}
	if r.Freshness < 0 {
		return fmt.Errorf("freshness cannot be negative: %v", r.Freshness)
	}
	return nil
}

func (r BaselineRules) withinHours(t time.Time) bool {
	h := t.UTC().Hour()
	return h >= r.TradingHourStart && h <= r.TradingHourEnd
}

func (r BaselineRules) fresh(ts, now time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return now.Sub(ts) <= r.Freshness
}

// Check returns every rule an allocation violates; empty means safe.
func (r BaselineRules) Check(a Allocation, now time.Time) []string {
	var violations []string
	if !finite(a.Score) || !finite(a.Confidence) {
		violations = append(violations, "non_finite_signal")
	}
	if a.Confidence < r.MinConfidence {
		violations = append(violations, fmt.Sprintf("confidence %.4f < min %.4f", a.Confidence, r.MinConfidence))
	}
	if math.Abs(a.Score) > r.MaxScore {
		violations = append(violations, fmt.Sprintf("|score| %.4f > max %.4f", math.Abs(a.Score), r.MaxScore))
	}
	if a.Qty < 0 || a.Qty > r.MaxPosition {
		violations = append(violations, fmt.Sprintf("qty %.4f outside [0, %.0f]", a.Qty, r.MaxPosition))
	}
	if !r.fresh(a.Timestamp, now) {
		violations = append(violations, "stale_signal")
	}
	if !r.withinHours(now) {
		violations = append(violations, "outside_trading_hours")
	}
	return violations
}

// CheckOrder applies the size, hours and staleness gates to a single order.
func (r BaselineRules) CheckOrder(o order.Order, bar market.Bar, now time.Time) []string {
	var violations []string
	if o.Size > r.MaxPosition {
		violations = append(violations, fmt.Sprintf("size %.4f > max_position %.0f", o.Size, r.MaxPosition))
	}
	if !r.fresh(bar.Timestamp, now) {
		violations = append(violations, "stale_bar")
	}
	if !r.withinHours(now) {
		violations = append(violations, "outside_trading_hours")
	}
	return violations
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }
