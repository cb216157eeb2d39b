package order

import (
	"fmt"
	"math"
	"time"
)

// Liquidity tags how a fill was produced.
type Liquidity string

const (
	Taker   Liquidity = "taker"
	Resting Liquidity = "resting"
)

// Fill is the executed result of an order. It is consumed exactly once by the ledger.
type Fill struct {
	OrderID   string    `json:"order_id,omitempty"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Size      float64   `json:"size"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	LatencyMs float64   `json:"latency_ms,omitempty"`
	Liquidity Liquidity `json:"liquidity,omitempty"`
}

func (f Fill) Validate() error {
	if f.Symbol == "" {
		return ErrMissingSymbol
	}
	if !f.Side.Valid() {
		return fmt.Errorf("%w: got %q", ErrInvalidSide, f.Side)
	}
	if !(f.Size > 0) || math.IsInf(f.Size, 0) {
		return fmt.Errorf("%w: got %v", ErrInvalidSize, f.Size)
	}
	if !(f.Price > 0) || math.IsInf(f.Price, 0) {
		return fmt.Errorf("%w: got %v", ErrInvalidPrice, f.Price)
	}
	return nil
}

func (f Fill) SignedSize() float64 { return f.Side.Sign() * f.Size }

// Notional is |size| × price.
func (f Fill) Notional() float64 { return f.Size * f.Price }
