package market

import (
	"math"
	"time"
)

// SyntheticStart is the first timestamp used by Synthetic.
var SyntheticStart = time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)

// Synthetic produces a deterministic daily series: a sine wave with a slow
// upward drift, a one-point high/low band and open at mid-range.
func Synthetic(symbol string, days int, startPrice float64) []Bar {
	if days <= 0 {
		return nil
	}
	bars := make([]Bar, 0, days)
	price := startPrice
	for i := 0; i < days; i++ {
		t := float64(i) / 20.0
		drift := 0.05 * float64(i)
		closePx := math.Max(1.0, price+2.0*math.Sin(t)+drift/100.0)

		high := closePx + 0.5
		low := math.Max(0.5, closePx-0.5)

		bars = append(bars, Bar{
			Timestamp: SyntheticStart.AddDate(0, 0, i),
			Symbol:    symbol,
			Open:      (high + low) / 2.0,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    float64(1000 + i*10),
		})
		price = closePx
	}
	return bars
}
