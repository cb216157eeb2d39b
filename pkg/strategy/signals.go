package strategy

import (
	"math"

	"github.com/uhyunpark/atsim/pkg/app/core/market"
	"github.com/uhyunpark/atsim/pkg/features"
)

// flat is the no-opinion signal; zero confidence drops it from aggregation.
func flat(name string) Signal { return Signal{Strategy: name} }

// Momentum goes with the fast/slow moving-average ratio.
type Momentum struct {
	CrossThreshold float64
}

func (Momentum) Name() string { return "momentum" }

func (m Momentum) GenerateSignal(_ string, row features.Row, _ []market.Bar) (Signal, error) {
	th := orDefault(m.CrossThreshold, 0.001)
	if row.MAFast <= 0 || row.MASlow <= 0 {
		return flat(m.Name()), nil
	}
	ratio := row.MAFast / row.MASlow
	var score float64
	switch {
	case ratio > 1+th:
		score = ratio - 1
	case ratio < 1-th:
		score = -(1/ratio - 1)
	default:
		return flat(m.Name()), nil
	}
	return Signal{
		Strategy:   m.Name(),
		Score:      score,
		Confidence: math.Min(1, math.Abs(score)/th),
		Metadata:   map[string]any{"ma_fast": row.MAFast, "ma_slow": row.MASlow, "ratio": ratio},
	}.Normalized(), nil
}

// MeanReversion fades deviations of the close from the fast average.
type MeanReversion struct {
	Band float64
}

func (MeanReversion) Name() string { return "mean_reversion" }

func (m MeanReversion) GenerateSignal(_ string, row features.Row, _ []market.Bar) (Signal, error) {
	band := orDefault(m.Band, 0.01)
	if row.Close <= 0 || row.MAFast <= 0 {
		return flat(m.Name()), nil
	}
	dev := (row.Close - row.MAFast) / row.MAFast
	if math.Abs(dev) <= band {
		return flat(m.Name()), nil
	}
	return Signal{
		Strategy:   m.Name(),
		Score:      -dev,
		Confidence: math.Min(1, math.Abs(dev)/band),
		Metadata:   map[string]any{"ma_fast": row.MAFast, "deviation": dev},
	}.Normalized(), nil
}

// Breakout follows large moves away from the slow average.
type Breakout struct {
	Threshold float64
	VolFloor  float64
}

func (Breakout) Name() string { return "breakout" }

func (b Breakout) GenerateSignal(_ string, row features.Row, _ []market.Bar) (Signal, error) {
	th := orDefault(b.Threshold, 0.01)
	if row.Close <= 0 || row.MASlow <= 0 {
		return flat(b.Name()), nil
	}
	dev := (row.Close - row.MASlow) / row.MASlow
	if math.Abs(dev) < th || row.Volatility20 < b.VolFloor {
		return flat(b.Name()), nil
	}
	mag := math.Abs(dev) * (1 + row.Volatility20)
	return Signal{
		Strategy:   b.Name(),
		Score:      math.Copysign(mag, dev),
		Confidence: math.Min(1, mag),
		Metadata:   map[string]any{"ma_slow": row.MASlow, "volatility_20": row.Volatility20, "deviation": dev},
	}.Normalized(), nil
}

// VolatilityRegime buys quiet uptrends and shorts turbulent downtrends.
type VolatilityRegime struct {
	LowVol, HighVol, TrendThreshold float64
}

func (VolatilityRegime) Name() string { return "volatility_regime" }

func (v VolatilityRegime) GenerateSignal(_ string, row features.Row, _ []market.Bar) (Signal, error) {
	low := orDefault(v.LowVol, 0.01)
	high := orDefault(v.HighVol, 0.05)
	th := orDefault(v.TrendThreshold, 0.005)
	if row.Close <= 0 || row.MASlow <= 0 {
		return flat(v.Name()), nil
	}
	vol := row.Volatility20
	var score float64
	switch {
	case vol < low && row.Trend > th:
		score = (low - vol) + math.Abs(row.Trend)
	case vol > high && row.Trend < -th:
		score = -((vol - high) + math.Abs(row.Trend))
	default:
		return flat(v.Name()), nil
	}
	return Signal{
		Strategy:   v.Name(),
		Score:      score,
		Confidence: math.Min(1, math.Abs(score)),
		Metadata:   map[string]any{"volatility_20": vol, "trend": row.Trend},
	}.Normalized(), nil
}

// MacroTrend follows the close relative to the slow average.
type MacroTrend struct {
	Up, Down float64
}

func (MacroTrend) Name() string { return "macro_trend" }

func (m MacroTrend) GenerateSignal(_ string, row features.Row, _ []market.Bar) (Signal, error) {
	up := orDefault(m.Up, 0.01)
	down := orDefault(m.Down, -0.01)
	if row.Close <= 0 || row.MASlow <= 0 {
		return flat(m.Name()), nil
	}
	trend := (row.Close - row.MASlow) / row.MASlow
	if trend <= up && trend >= down {
		return flat(m.Name()), nil
	}
	return Signal{
		Strategy:   m.Name(),
		Score:      trend,
		Confidence: math.Min(1, math.Abs(trend)/up),
		Metadata:   map[string]any{"ma_slow": row.MASlow, "trend": trend},
	}.Normalized(), nil
}

// Swing buys pullbacks in uptrends and sells rallies in downtrends.
type Swing struct {
	Pullback, TrendThreshold float64
}

func (Swing) Name() string { return "swing" }

func (s Swing) GenerateSignal(_ string, row features.Row, _ []market.Bar) (Signal, error) {
	pb := orDefault(s.Pullback, 0.01)
	th := orDefault(s.TrendThreshold, 0.005)
	if row.Close <= 0 || row.MASlow <= 0 {
		return flat(s.Name()), nil
	}
	var dir float64
	switch {
	case row.Trend > th && row.Close < row.MAFast*(1-pb):
		dir = 1
	case row.Trend < -th && row.Close > row.MAFast*(1+pb):
		dir = -1
	default:
		return flat(s.Name()), nil
	}
	mag := math.Abs(row.Trend)
	return Signal{
		Strategy:   s.Name(),
		Score:      dir * mag,
		Confidence: math.Min(1, mag/th),
		Metadata:   map[string]any{"ma_fast": row.MAFast, "trend": row.Trend},
	}.Normalized(), nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
