package market

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// MinPrice is the floor applied to non-positive prices during normalization.
const MinPrice = 1e-6

var (
	ErrMissingSymbol    = errors.New("bar symbol is required")
	ErrMissingTimestamp = errors.New("bar timestamp is required")
	ErrNonFinite        = errors.New("bar contains non-finite values")
	ErrOutOfOrder       = errors.New("bars must be in ascending timestamp order")
)

// Bar is one OHLCV observation for one symbol.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate rejects bars that normalization cannot repair.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return ErrMissingSymbol
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("%w: symbol=%s", ErrMissingTimestamp, b.Symbol)
	}
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: symbol=%s ts=%s", ErrNonFinite, b.Symbol, b.Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

// Normalize clamps non-positive prices to MinPrice, swaps an inverted
// high/low and widens the range to cover open and close.
func (b Bar) Normalize() Bar {
	clamp := func(v float64) float64 {
		if v <= 0 {
			return MinPrice
		}
		return v
	}
	b.Open = clamp(b.Open)
	b.High = clamp(b.High)
	b.Low = clamp(b.Low)
	b.Close = clamp(b.Close)

	if b.High < b.Low {
		b.High, b.Low = b.Low, b.High
	}
	b.High = math.Max(b.High, math.Max(b.Open, b.Close))
	b.Low = math.Min(b.Low, math.Min(b.Open, b.Close))

	if b.Volume < 0 {
		b.Volume = 0
	}
	return b
}

// Touches reports whether price lies inside the bar's range.
func (b Bar) Touches(price float64) bool {
	return price >= b.Low && price <= b.High
}

// Book is the per-symbol bar context handed to execution.
type Book map[string]Bar

// BookOf wraps a single bar.
func BookOf(b Bar) Book {
	return Book{b.Symbol: b}
}

// Prices projects the book onto close prices.
func (bk Book) Prices() map[string]float64 {
	out := make(map[string]float64, len(bk))
	for sym, b := range bk {
		out[sym] = b.Close
	}
	return out
}

// CheckOrdered verifies bars are ascending by timestamp.
func CheckOrdered(bars []Bar) error {
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Before(bars[i-1].Timestamp) {
			return fmt.Errorf("%w: index %d (%s) precedes index %d (%s)", ErrOutOfOrder,
				i, bars[i].Timestamp.Format(time.RFC3339), i-1, bars[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}
