// Package features derives the per-bar feature row consumed by signal
// strategies and the predictive risk stages.
package features

import (
	"math"

	"github.com/uhyunpark/atsim/pkg/app/core/market"
)

const (
	FastWindow    = 10
	SlowWindow    = 30
	EntropyWindow = 60
	EntropyBins   = 10
)

// Row is the feature vector for one symbol at one bar. Return and
// volatility fields are fractions, not percent.
type Row struct {
	Symbol string  `json:"symbol"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`

	Return1  float64 `json:"return_1"`
	Return15 float64 `json:"return_15"`
	Return60 float64 `json:"return_60"`

	RV5  float64 `json:"rv_5"`
	RV15 float64 `json:"rv_15"`
	RV60 float64 `json:"rv_60"`
	// Volatility20 is the stdev of the last 20 one-bar returns.
	Volatility20 float64 `json:"volatility_20"`

	MAFast float64 `json:"ma_fast"`
	MASlow float64 `json:"ma_slow"`
	// Trend is (MAFast-MASlow)/MASlow.
	Trend float64 `json:"trend"`

	// MACDHist is the MACD(12,26,9) histogram divided by the close.
	MACDHist float64 `json:"macd_hist"`
	// Entropy is normalized Shannon entropy of the recent return
	// distribution: 0 is fully concentrated, 1 is uniform.
	Entropy float64 `json:"entropy"`

	Samples int `json:"samples"`
}

// FromBars computes the row for the most recent bar. History must be in
// time order and belong to a single symbol; an empty history yields a zero Row.
func FromBars(history []market.Bar) Row {
	if len(history) == 0 {
		return Row{}
	}
	closes := make([]float64, len(history))
	for i, b := range history {
		closes[i] = b.Close
	}
	last := history[len(history)-1]
	row := Compute(closes)
	row.Symbol = last.Symbol
	row.Volume = last.Volume
	return row
}

// Compute derives a Row from a close series. Windows longer than the
// series shrink to what is available.
func Compute(closes []float64) Row {
	n := len(closes)
	if n == 0 {
		return Row{}
	}
	rets := Returns(closes)
	last := closes[n-1]

	row := Row{
		Close:        last,
		Return15:     windowReturn(closes, 15),
		Return60:     windowReturn(closes, 60),
		RV5:          StdDev(tail(rets, 5)),
		RV15:         StdDev(tail(rets, 15)),
		RV60:         StdDev(tail(rets, 60)),
		Volatility20: StdDev(tail(rets, 20)),
		MAFast:       Mean(tail(closes, FastWindow)),
		MASlow:       Mean(tail(closes, SlowWindow)),
		Entropy:      Entropy(tail(rets, EntropyWindow), EntropyBins),
		Samples:      n,
	}
	if len(rets) > 0 {
		row.Return1 = rets[len(rets)-1]
	}
	if row.MASlow > 0 {
		row.Trend = (row.MAFast - row.MASlow) / row.MASlow
	}
	if last > 0 {
		row.MACDHist = MACDHistogram(closes, 12, 26, 9) / last
	}
	return row
}

// Returns converts closes to simple one-bar returns. Non-positive prior
// closes produce a zero return.
func Returns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if prev := closes[i-1]; prev > 0 {
			out[i-1] = closes[i]/prev - 1
		}
	}
	return out
}

func windowReturn(closes []float64, n int) float64 {
	if len(closes) < 2 {
		return 0
	}
	start := len(closes) - 1 - n
	if start < 0 {
		start = 0
	}
	if closes[start] <= 0 {
		return 0
	}
	return closes[len(closes)-1]/closes[start] - 1
}

func tail(xs []float64, n int) []float64 {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}

func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev is the population standard deviation; fewer than two samples give 0.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mu := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - mu
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// EMA returns the exponential moving average series seeded with the first value.
func EMA(xs []float64, period int) []float64 {
	if len(xs) == 0 || period <= 0 {
		return nil
	}
	k := 2.0 / float64(period+1)
	out := make([]float64, len(xs))
	out[0] = xs[0]
	for i := 1; i < len(xs); i++ {
		out[i] = xs[i]*k + out[i-1]*(1-k)
	}
	return out
}

// MACDHistogram returns the latest MACD line minus its signal line.
func MACDHistogram(closes []float64, fast, slow, signal int) float64 {
	if len(closes) < 2 {
		return 0
	}
	ef, es := EMA(closes, fast), EMA(closes, slow)
	line := make([]float64, len(closes))
	for i := range closes {
		line[i] = ef[i] - es[i]
	}
	sig := EMA(line, signal)
	return line[len(line)-1] - sig[len(sig)-1]
}

// Entropy computes H = -sum(p*log2(p)) over a histogram of xs with the given
// number of equal-width bins, normalized by log2(bins).
func Entropy(xs []float64, bins int) float64 {
	if len(xs) < 2 || bins < 2 {
		return 0
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if hi-lo < 1e-15 {
		return 0
	}

	counts := make([]int, bins)
	width := (hi - lo) / float64(bins)
	for _, x := range xs {
		idx := int((x - lo) / width)
		if idx >= bins {
			idx = bins - 1
		}
		counts[idx]++
	}

	total := float64(len(xs))
	var h float64
	for _, c := range counts {
		if c > 0 {
			p := float64(c) / total
			h -= p * math.Log2(p)
		}
	}
	return h / math.Log2(float64(bins))
}
