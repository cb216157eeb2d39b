package portfolio

import (
	"time"
)

// PositionSnapshot is the per-symbol part of a Snapshot.
type PositionSnapshot struct {
	Quantity      float64 `json:"quantity"`
	AvgPrice      float64 `json:"avg_price"`
	MarkPrice     float64 `json:"mark_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
}

// Snapshot is a read-only, JSON-safe projection of the ledger at one instant.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Bar       int       `json:"bar"`

	Cash           float64 `json:"cash"`
	Equity         float64 `json:"equity"`
	PositionsValue float64 `json:"positions_value"`
	RealizedPnL    float64 `json:"realized_pnl"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	FeesPaid       float64 `json:"fees_paid"`
	GrossExposure  float64 `json:"gross_exposure"`
	NetExposure    float64 `json:"net_exposure"`

	StartingCash      float64 `json:"starting_cash"`
	PrincipalFloor    float64 `json:"principal_floor"`
	Pools             Pools   `json:"pools"`
	AggressiveEnabled bool    `json:"aggressive_enabled"`

	Halted       bool   `json:"halted"`
	HaltedReason string `json:"halted_reason,omitempty"`

	Positions    map[string]PositionSnapshot `json:"positions"`
	MissingMarks []string                    `json:"missing_marks,omitempty"`
}

// Snapshot projects the ledger using prices as marks. Symbols without a mark
// are valued at their avg price and listed in MissingMarks.
func (p *Portfolio) Snapshot(prices map[string]float64, ts time.Time) Snapshot {
	positions := make(map[string]PositionSnapshot, len(p.positions))
	for sym, pos := range p.positions {
		mark, _ := p.markFor(pos, prices)
		positions[sym] = PositionSnapshot{
			Quantity:      pos.Quantity,
			AvgPrice:      pos.AvgPrice,
			MarkPrice:     mark,
			MarketValue:   pos.MarketValue(mark),
			UnrealizedPnL: pos.UnrealizedPnL(mark),
			RealizedPnL:   pos.RealizedPnL,
		}
	}

	positionsValue := p.PositionsValue(prices)
	return Snapshot{
		Timestamp:         ts,
		Cash:              p.cash,
		Equity:            p.cash + positionsValue,
		PositionsValue:    positionsValue,
		RealizedPnL:       p.realizedPnL,
		UnrealizedPnL:     p.UnrealizedPnL(prices),
		FeesPaid:          p.feesPaid,
		GrossExposure:     p.GrossExposure(prices),
		NetExposure:       positionsValue,
		StartingCash:      p.cfg.StartingCash,
		PrincipalFloor:    p.cfg.PrincipalFloor,
		Pools:             p.EquityPools(prices),
		AggressiveEnabled: p.AggressiveEnabled(),
		Halted:            p.halted,
		HaltedReason:      p.haltedReason,
		Positions:         positions,
		MissingMarks:      p.MissingMarks(prices),
	}
}

// Quantity returns the snapshot's signed quantity for symbol.
func (s Snapshot) Quantity(symbol string) float64 {
	return s.Positions[symbol].Quantity
}

// MarkPrices returns the marks used by the snapshot.
func (s Snapshot) MarkPrices() map[string]float64 {
	out := make(map[string]float64, len(s.Positions))
	for sym, ps := range s.Positions {
		out[sym] = ps.MarkPrice
	}
	return out
}

// CapitalBase is the sizing base: the principal floor, plus profit equity
// once aggressive mode is on. Falls back to equity, then 1.
func (s Snapshot) CapitalBase() float64 {
	base := s.PrincipalFloor
	if s.AggressiveEnabled {
		base += s.Pools.ProfitEquity
	}
	if base <= 0 {
		if s.Equity > 0 {
			return s.Equity
		}
		return 1
	}
	return base
}
