package portfolio

import "math"

// Position is the per-symbol ledger state.
type Position struct {
	Symbol string `json:"symbol"`

	// Signed quantity: +ve long, -ve short.
	Quantity float64 `json:"quantity"`

	// Cost basis of the open signed quantity; 0 when flat.
	// Extending uses VWAP: (avg × |old| + price × |delta|) / |new|
	AvgPrice float64 `json:"avg_price"`

	// Realized P&L attributed to this symbol, net of fees.
	RealizedPnL float64 `json:"realized_pnl"`
	FeesPaid    float64 `json:"fees_paid"`
}

func (p Position) IsLong() bool  { return p.Quantity > 0 }
func (p Position) IsShort() bool { return p.Quantity < 0 }
func (p Position) IsFlat() bool  { return p.Quantity == 0 }

// UnrealizedPnL is (mark - avg) × quantity; shorts profit when mark falls.
func (p Position) UnrealizedPnL(mark float64) float64 {
	if p.Quantity == 0 {
		return 0
	}
	return (mark - p.AvgPrice) * p.Quantity
}

// MarketValue is the signed value quantity × mark.
func (p Position) MarketValue(mark float64) float64 {
	return p.Quantity * mark
}

// Notional is |quantity| × mark.
func (p Position) Notional(mark float64) float64 {
	return math.Abs(p.Quantity) * mark
}

// fillEffect is the outcome of applying a signed delta to a position.
type fillEffect struct {
	next     Position
	realized float64 // gross of fees
}

// applyDelta runs the signed-quantity arithmetic without touching the ledger.
func applyDelta(pos Position, delta, price float64) fillEffect {
	oldQty := pos.Quantity
	newQty := oldQty + delta
	next := pos

	switch {
	case oldQty == 0:
		// Opening from flat.
		next.Quantity = newQty
		next.AvgPrice = price
		return fillEffect{next: next}

	case sameSign(oldQty, delta):
		// Extending in the same direction: VWAP, nothing realized.
		absOld, absDelta := math.Abs(oldQty), math.Abs(delta)
		next.Quantity = newQty
		next.AvgPrice = (pos.AvgPrice*absOld + price*absDelta) / (absOld + absDelta)
		return fillEffect{next: next}
	}

	// Reducing, closing or reversing.
	closing := math.Min(math.Abs(oldQty), math.Abs(delta))
	realized := closing * (price - pos.AvgPrice) * sign(oldQty)

	next.Quantity = newQty
	switch {
	case math.Abs(newQty) < qtyEpsilon:
		next.Quantity = 0
		next.AvgPrice = 0
	case !sameSign(oldQty, newQty):
		// Flipped: the remainder opens at the fill price.
		next.AvgPrice = price
	}
	return fillEffect{next: next, realized: realized}
}

// qtyEpsilon absorbs float residue when a reduce lands on zero.
const qtyEpsilon = 1e-12

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
