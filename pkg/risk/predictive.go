package risk

import (
	"math"
	"sort"

	"github.com/uhyunpark/atsim/pkg/features"
)

// Regime labels produced by ClassifyRegime.
const (
	RegimeLowVol            = "low_vol"
	RegimeMidVolUptrend     = "mid_vol_uptrend"
	RegimeMidVolDowntrend   = "mid_vol_downtrend"
	RegimeHighVolStructured = "high_vol_structured"
	RegimeHighVolChaotic    = "high_vol_chaotic"
)

const (
	calmVolThreshold     = 0.01
	stressedVolThreshold = 0.03
)

// PredictVolatility blends the realized-vol horizons and inflates the result
// in high-entropy markets. Never returns less than 1e-4.
func PredictVolatility(f features.Row) float64 {
	base := f.RV5*0.5 + f.RV15*0.3 + f.RV60*0.2
	chaos := math.Min(0.5, f.Entropy*0.1)
	return math.Max(0.0001, base*(1+chaos))
}

// ClassifyRegime labels a feature row using rv15, entropy, the MACD histogram
// and the 60-bar return.
func ClassifyRegime(f features.Row) string {
	vol := f.RV15
	switch {
	case vol < 0.01 && f.Entropy < 0.5:
		return RegimeLowVol
	case vol < 0.02 && f.MACDHist > 0 && f.Return60 > 0:
		return RegimeMidVolUptrend
	case vol < 0.02 && f.MACDHist < 0 && f.Return60 < 0:
		return RegimeMidVolDowntrend
	case vol >= 0.02 && f.Entropy < 1.0:
		return RegimeHighVolStructured
	default:
		return RegimeHighVolChaotic
	}
}

// CoarseRegime buckets a volatility estimate into calm, normal or stressed.
func CoarseRegime(vol float64) string {
	switch {
	case vol < calmVolThreshold:
		return "calm"
	case vol > stressedVolThreshold:
		return "stressed"
	default:
		return "normal"
	}
}

// PredictRisk combines volatility, trend instability and entropy.
func PredictRisk(f features.Row, vol float64) float64 {
	return vol*0.6 + math.Abs(f.MACDHist)*0.2 + f.Entropy*0.2
}

// RiskMultiplier maps predicted risk to a sizing multiplier in [0.3, 1].
func RiskMultiplier(prisk float64) float64 {
	return math.Max(0.3, 1-prisk)
}

// Prediction is the RM2 output for one symbol.
type Prediction struct {
	Volatility    float64 `json:"expected_volatility"`
	Regime        string  `json:"regime"`
	CoarseRegime  string  `json:"coarse_regime"`
	PredictedRisk float64 `json:"predictive_risk"`
	Multiplier    float64 `json:"risk_multiplier"`
	// RiskScore is PredictedRisk min/max normalized within its batch.
	RiskScore float64 `json:"risk_score"`
}

// PredictBatch runs RM2 for every symbol. RiskScore is relative to the batch;
// a batch with no spread scores every symbol 0.
func PredictBatch(rows map[string]features.Row) map[string]Prediction {
	out := make(map[string]Prediction, len(rows))
	if len(rows) == 0 {
		return out
	}

	symbols := make([]string, 0, len(rows))
	for s := range rows {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range symbols {
		f := rows[s]
		vol := PredictVolatility(f)
		prisk := PredictRisk(f, vol)
		out[s] = Prediction{
			Volatility:    vol,
			Regime:        ClassifyRegime(f),
			CoarseRegime:  CoarseRegime(vol),
			PredictedRisk: prisk,
			Multiplier:    RiskMultiplier(prisk),
		}
		lo = math.Min(lo, prisk)
		hi = math.Max(hi, prisk)
	}

	span := hi - lo
	for _, s := range symbols {
		p := out[s]
		if span > 1e-12 {
			p.RiskScore = (p.PredictedRisk - lo) / span
		}
		out[s] = p
	}
	return out
}
