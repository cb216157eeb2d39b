package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/uhyunpark/atsim/pkg/app/core/order"
)

// ErrNegativeCash is fatal: a fill would overdraw cash while AllowNegativeCash is off.
var ErrNegativeCash = errors.New("fill would drive cash negative")

// Config sets up a ledger for one run.
type Config struct {
	StartingCash float64 `json:"starting_cash" yaml:"starting_cash"`

	// PrincipalFloor is the protected capital baseline; 0 means StartingCash.
	PrincipalFloor float64 `json:"principal_floor" yaml:"principal_floor"`

	Fees FeeModel `json:"fees" yaml:"fees"`

	AllowNegativeCash bool    `json:"allow_negative_cash" yaml:"allow_negative_cash"`
	CashEpsilon       float64 `json:"cash_epsilon" yaml:"cash_epsilon"`

	// Realized P&L at or above this unlocks aggressive sizing.
	AggressiveProfitThreshold float64 `json:"aggressive_profit_threshold" yaml:"aggressive_profit_threshold"`
}

func DefaultConfig() Config {
	return Config{
		StartingCash:              100_000,
		CashEpsilon:               1e-9,
		AggressiveProfitThreshold: 1_000,
	}
}

func (c Config) Validate() error {
	if !(c.StartingCash > 0) {
		return fmt.Errorf("starting cash must be positive: %v", c.StartingCash)
	}
	if c.PrincipalFloor < 0 {
		return fmt.Errorf("principal floor cannot be negative: %v", c.PrincipalFloor)
	}
	if c.CashEpsilon < 0 {
		return fmt.Errorf("cash epsilon cannot be negative: %v", c.CashEpsilon)
	}
	return c.Fees.Validate()
}

// Portfolio is the single-owner ledger of a run. It is not safe for
// concurrent mutation; a run owns its Portfolio exclusively.
type Portfolio struct {
	cfg Config

	cash        float64
	positions   map[string]*Position // symbol -> position, never deleted
	realizedPnL float64              // net of fees
	feesPaid    float64

	tradeCount  int64
	totalVolume float64

	halted       bool
	haltedReason string
}

// New builds an empty ledger. Configuration errors are returned immediately.
func New(cfg Config) (*Portfolio, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid portfolio config: %w", err)
	}
	if cfg.PrincipalFloor == 0 {
		cfg.PrincipalFloor = cfg.StartingCash
	}
	return &Portfolio{
		cfg:       cfg,
		cash:      cfg.StartingCash,
		positions: make(map[string]*Position),
	}, nil
}

func (p *Portfolio) Config() Config          { return p.cfg }
func (p *Portfolio) Cash() float64           { return p.cash }
func (p *Portfolio) RealizedPnL() float64    { return p.realizedPnL }
func (p *Portfolio) FeesPaid() float64       { return p.feesPaid }
func (p *Portfolio) TradeCount() int64       { return p.tradeCount }
func (p *Portfolio) TotalVolume() float64    { return p.totalVolume }
func (p *Portfolio) PrincipalFloor() float64 { return p.cfg.PrincipalFloor }

// ApplyFill books one fill and returns the realized P&L it produced, net of its fee.
//
// Order of effects: cash moves by ∓size×price, the fee is charged against cash
// and realized P&L, then the position is updated with signed arithmetic.
// On ErrNegativeCash the ledger is left untouched.
func (p *Portfolio) ApplyFill(f order.Fill) (float64, error) {
	if err := f.Validate(); err != nil {
		return 0, fmt.Errorf("invalid fill: %w", err)
	}

	fee := p.cfg.Fees.Fee(f.Size, f.Price)
	newCash := p.cash - f.SignedSize()*f.Price - fee

	if !p.cfg.AllowNegativeCash && newCash < -p.cfg.CashEpsilon {
		return 0, fmt.Errorf("%w: %s %s %v@%v leaves cash=%.6f", ErrNegativeCash,
			f.Side, f.Symbol, f.Size, f.Price, newCash)
	}

	pos := p.positionLocked(f.Symbol)
	effect := applyDelta(*pos, f.SignedSize(), f.Price)
	realized := effect.realized - fee

	*pos = effect.next
	pos.RealizedPnL += realized
	pos.FeesPaid += fee

	p.cash = newCash
	p.realizedPnL += realized
	p.feesPaid += fee
	p.tradeCount++
	p.totalVolume += f.Notional()

	return realized, nil
}

// ApplyFills books fills in order and stops at the first failure.
func (p *Portfolio) ApplyFills(fills []order.Fill) error {
	for i, f := range fills {
		if _, err := p.ApplyFill(f); err != nil {
			return fmt.Errorf("fill %d of %d: %w", i+1, len(fills), err)
		}
	}
	return nil
}

func (p *Portfolio) positionLocked(symbol string) *Position {
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		p.positions[symbol] = pos
	}
	return pos
}

// Position returns a copy of the symbol's position (zero value if never traded).
func (p *Portfolio) Position(symbol string) Position {
	if pos, ok := p.positions[symbol]; ok {
		return *pos
	}
	return Position{Symbol: symbol}
}

// Positions returns copies of all positions, sorted by symbol.
func (p *Portfolio) Positions() []Position {
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenPositions returns copies of non-flat positions, sorted by symbol.
func (p *Portfolio) OpenPositions() []Position {
	var out []Position
	for _, pos := range p.Positions() {
		if !pos.IsFlat() {
			out = append(out, pos)
		}
	}
	return out
}

// markFor returns the mark for symbol, falling back to avg price.
func (p *Portfolio) markFor(pos *Position, prices map[string]float64) (float64, bool) {
	if px, ok := prices[pos.Symbol]; ok && px > 0 {
		return px, true
	}
	return pos.AvgPrice, false
}

// MissingMarks lists open symbols that had no mark in prices.
func (p *Portfolio) MissingMarks(prices map[string]float64) []string {
	var out []string
	for _, pos := range p.positions {
		if pos.Quantity == 0 {
			continue
		}
		if _, ok := p.markFor(pos, prices); !ok {
			out = append(out, pos.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// PositionsValue is Σ quantity × mark.
func (p *Portfolio) PositionsValue(prices map[string]float64) float64 {
	total := 0.0
	for _, pos := range p.positions {
		if pos.Quantity == 0 {
			continue
		}
		mark, _ := p.markFor(pos, prices)
		total += pos.MarketValue(mark)
	}
	return total
}

// Equity is cash + Σ quantity × mark.
func (p *Portfolio) Equity(prices map[string]float64) float64 {
	return p.cash + p.PositionsValue(prices)
}

func (p *Portfolio) UnrealizedPnL(prices map[string]float64) float64 {
	total := 0.0
	for _, pos := range p.positions {
		mark, _ := p.markFor(pos, prices)
		total += pos.UnrealizedPnL(mark)
	}
	return total
}

// GrossExposure is Σ |quantity × mark|.
func (p *Portfolio) GrossExposure(prices map[string]float64) float64 {
	total := 0.0
	for _, pos := range p.positions {
		mark, _ := p.markFor(pos, prices)
		total += math.Abs(pos.MarketValue(mark))
	}
	return total
}

// NetExposure is Σ quantity × mark.
func (p *Portfolio) NetExposure(prices map[string]float64) float64 {
	return p.PositionsValue(prices)
}

// Pools splits equity into the protected principal and the profit above it.
type Pools struct {
	PrincipalFloor  float64 `json:"principal_floor"`
	PrincipalEquity float64 `json:"principal_equity"`
	ProfitEquity    float64 `json:"profit_equity"`
}

func (p *Portfolio) EquityPools(prices map[string]float64) Pools {
	equity := p.Equity(prices)
	floor := p.cfg.PrincipalFloor
	return Pools{
		PrincipalFloor:  floor,
		PrincipalEquity: math.Min(equity, floor),
		ProfitEquity:    math.Max(0, equity-floor),
	}
}

// AggressiveEnabled turns true once realized P&L crosses the configured threshold.
func (p *Portfolio) AggressiveEnabled() bool {
	return p.realizedPnL >= p.cfg.AggressiveProfitThreshold
}

// Halt marks the ledger as halted; risk evaluation rejects every order afterwards.
func (p *Portfolio) Halt(reason string) {
	p.halted = true
	p.haltedReason = reason
}

func (p *Portfolio) Halted() (bool, string) { return p.halted, p.haltedReason }

// Validate checks ledger invariants.
func (p *Portfolio) Validate() error {
	if !finite(p.cash) || !finite(p.realizedPnL) || !finite(p.feesPaid) {
		return fmt.Errorf("non-finite ledger totals: cash=%v realized=%v fees=%v", p.cash, p.realizedPnL, p.feesPaid)
	}
	if !p.cfg.AllowNegativeCash && p.cash < -p.cfg.CashEpsilon {
		return fmt.Errorf("negative cash: %v", p.cash)
	}
	for symbol, pos := range p.positions {
		if pos.Symbol != symbol {
			return fmt.Errorf("position symbol mismatch: map key=%s, pos.Symbol=%s", symbol, pos.Symbol)
		}
		if !finite(pos.Quantity) || !finite(pos.AvgPrice) {
			return fmt.Errorf("non-finite position %s: qty=%v avg=%v", symbol, pos.Quantity, pos.AvgPrice)
		}
		if pos.Quantity == 0 && pos.AvgPrice != 0 {
			return fmt.Errorf("flat position %s carries avg price %v", symbol, pos.AvgPrice)
		}
		if pos.Quantity != 0 && !(pos.AvgPrice > 0) {
			return fmt.Errorf("open position %s has non-positive avg price %v", symbol, pos.AvgPrice)
		}
	}
	return nil
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }
