package portfolio

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/uhyunpark/atsim/pkg/app/core/order"
)

const tol = 1e-9

var t0 = time.Date(2025, 1, 2, 14, 30, 0, 0, time.UTC)

func newTestPortfolio(t *testing.T, mutate func(*Config)) *Portfolio {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p
}

func fill(symbol string, side order.Side, size, price float64) order.Fill {
	return order.Fill{Symbol: symbol, Side: side, Size: size, Price: price, Timestamp: t0}
}

func mustApply(t *testing.T, p *Portfolio, f order.Fill) float64 {
	t.Helper()
	realized, err := p.ApplyFill(f)
	if err != nil {
		t.Fatalf("ApplyFill(%+v) error: %v", f, err)
	}
	return realized
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero starting cash", func(c *Config) { c.StartingCash = 0 }},
		{"negative floor", func(c *Config) { c.PrincipalFloor = -1 }},
		{"negative fee bps", func(c *Config) { c.Fees.Bps = -1 }},
		{"negative per share", func(c *Config) { c.Fees.PerShare = -0.01 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Errorf("New() succeeded, want config error")
			}
		})
	}
}

func TestPrincipalFloorDefaultsToStartingCash(t *testing.T) {
	p := newTestPortfolio(t, nil)
	if p.PrincipalFloor() != 100_000 {
		t.Errorf("PrincipalFloor() = %v, want 100000", p.PrincipalFloor())
	}
}

func TestRoundTripAtSamePrice(t *testing.T) {
	p := newTestPortfolio(t, nil)

	mustApply(t, p, fill("AAPL", order.Buy, 10, 100))
	mustApply(t, p, fill("AAPL", order.Sell, 10, 100))

	pos := p.Position("AAPL")
	if pos.Quantity != 0 {
		t.Errorf("quantity = %v, want 0", pos.Quantity)
	}
	if pos.AvgPrice != 0 {
		t.Errorf("avg price = %v, want 0", pos.AvgPrice)
	}
	if p.RealizedPnL() != 0 {
		t.Errorf("realized = %v, want 0", p.RealizedPnL())
	}
	if p.Cash() != 100_000 {
		t.Errorf("cash = %v, want 100000", p.Cash())
	}
}

func TestRealizeOnClose(t *testing.T) {
	p := newTestPortfolio(t, nil)

	mustApply(t, p, fill("AAPL", order.Buy, 10, 100))
	realized := mustApply(t, p, fill("AAPL", order.Sell, 10, 110))

	if !near(realized, 100) {
		t.Errorf("realized on close = %v, want 100", realized)
	}
	if !near(p.RealizedPnL(), 100) {
		t.Errorf("cumulative realized = %v, want 100", p.RealizedPnL())
	}
	if q := p.Position("AAPL").Quantity; q != 0 {
		t.Errorf("quantity = %v, want 0", q)
	}
}

func TestReversalOpensRemainderAtFillPrice(t *testing.T) {
	p := newTestPortfolio(t, nil)

	mustApply(t, p, fill("AAPL", order.Buy, 5, 100))
	realized := mustApply(t, p, fill("AAPL", order.Sell, 8, 110))

	if !near(realized, 50) {
		t.Errorf("realized = %v, want 50", realized)
	}
	pos := p.Position("AAPL")
	if !near(pos.Quantity, -3) {
		t.Errorf("quantity = %v, want -3", pos.Quantity)
	}
	if pos.AvgPrice != 110 {
		t.Errorf("avg price = %v, want 110", pos.AvgPrice)
	}
}

func TestExtendUsesWeightedAverage(t *testing.T) {
	p := newTestPortfolio(t, nil)

	mustApply(t, p, fill("AAPL", order.Buy, 10, 100))
	realized := mustApply(t, p, fill("AAPL", order.Buy, 30, 120))

	if realized != 0 {
		t.Errorf("realized on extend = %v, want 0", realized)
	}
	pos := p.Position("AAPL")
	if pos.Quantity != 40 {
		t.Errorf("quantity = %v, want 40", pos.Quantity)
	}
	if !near(pos.AvgPrice, 115) {
		t.Errorf("avg price = %v, want 115", pos.AvgPrice)
	}
}

func TestShortReduceRealizesInverted(t *testing.T) {
	p := newTestPortfolio(t, nil)

	mustApply(t, p, fill("TSLA", order.Sell, 10, 200))
	realized := mustApply(t, p, fill("TSLA", order.Buy, 4, 150))

	if !near(realized, 200) {
		t.Errorf("realized = %v, want 200 (4 × 50 short gain)", realized)
	}
	pos := p.Position("TSLA")
	if !near(pos.Quantity, -6) {
		t.Errorf("quantity = %v, want -6", pos.Quantity)
	}
	if pos.AvgPrice != 200 {
		t.Errorf("avg price after reduce = %v, want unchanged 200", pos.AvgPrice)
	}
}

func TestFeesReduceCashAndRealized(t *testing.T) {
	p := newTestPortfolio(t, func(c *Config) {
		c.Fees = FeeModel{Bps: 10, PerShare: 0.01}
	})

	// notional 1000 -> 1.00 bps fee + 0.10 per-share = 1.10
	realized := mustApply(t, p, fill("AAPL", order.Buy, 10, 100))

	if !near(realized, -1.10) {
		t.Errorf("realized = %v, want -1.10", realized)
	}
	if !near(p.FeesPaid(), 1.10) {
		t.Errorf("fees paid = %v, want 1.10", p.FeesPaid())
	}
	if !near(p.Cash(), 100_000-1000-1.10) {
		t.Errorf("cash = %v, want %v", p.Cash(), 100_000-1000-1.10)
	}
}

func TestNegativeCashGuard(t *testing.T) {
	p := newTestPortfolio(t, func(c *Config) { c.StartingCash = 1000 })

	_, err := p.ApplyFill(fill("AAPL", order.Buy, 20, 100))
	if !errors.Is(err, ErrNegativeCash) {
		t.Fatalf("ApplyFill() error = %v, want ErrNegativeCash", err)
	}
	if p.Cash() != 1000 {
		t.Errorf("cash after rejected fill = %v, want untouched 1000", p.Cash())
	}
	if q := p.Position("AAPL").Quantity; q != 0 {
		t.Errorf("quantity after rejected fill = %v, want 0", q)
	}
}

func TestNegativeCashAllowed(t *testing.T) {
	p := newTestPortfolio(t, func(c *Config) {
		c.StartingCash = 1000
		c.AllowNegativeCash = true
	})
	mustApply(t, p, fill("AAPL", order.Buy, 20, 100))
	if p.Cash() != -1000 {
		t.Errorf("cash = %v, want -1000", p.Cash())
	}
}

func TestApplyFillsStopsOnFirstError(t *testing.T) {
	p := newTestPortfolio(t, nil)
	fills := []order.Fill{
		fill("AAPL", order.Buy, 1, 100),
		{Symbol: "AAPL", Side: order.Buy, Size: 0, Price: 100},
		fill("AAPL", order.Buy, 1, 100),
	}
	if err := p.ApplyFills(fills); err == nil {
		t.Fatal("ApplyFills() succeeded, want error on zero-size fill")
	}
	if q := p.Position("AAPL").Quantity; q != 1 {
		t.Errorf("quantity = %v, want 1 (only first fill applied)", q)
	}
}

func TestEquityIdentity(t *testing.T) {
	p := newTestPortfolio(t, func(c *Config) { c.Fees.Bps = 5 })

	mustApply(t, p, fill("AAPL", order.Buy, 12, 101.5))
	mustApply(t, p, fill("MSFT", order.Sell, 7, 330))
	mustApply(t, p, fill("AAPL", order.Sell, 20, 99))

	prices := map[string]float64{"AAPL": 98, "MSFT": 325}
	snap := p.Snapshot(prices, t0)

	want := snap.Cash
	for _, ps := range snap.Positions {
		want += ps.Quantity * ps.MarkPrice
	}
	if math.Abs(snap.Equity-want) > tol {
		t.Errorf("equity = %v, want cash + Σ qty×mark = %v", snap.Equity, want)
	}
	if math.Abs(snap.Equity-p.Equity(prices)) > tol {
		t.Errorf("snapshot equity %v != Equity() %v", snap.Equity, p.Equity(prices))
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestExposures(t *testing.T) {
	p := newTestPortfolio(t, nil)
	mustApply(t, p, fill("AAPL", order.Buy, 10, 100))
	mustApply(t, p, fill("MSFT", order.Sell, 5, 200))

	prices := map[string]float64{"AAPL": 110, "MSFT": 190}
	if got := p.GrossExposure(prices); !near(got, 1100+950) {
		t.Errorf("gross = %v, want 2050", got)
	}
	if got := p.NetExposure(prices); !near(got, 1100-950) {
		t.Errorf("net = %v, want 150", got)
	}
	if got := p.UnrealizedPnL(prices); !near(got, 100+50) {
		t.Errorf("unrealized = %v, want 150", got)
	}
}

func TestMissingMarkFallsBackToAvgPrice(t *testing.T) {
	p := newTestPortfolio(t, nil)
	mustApply(t, p, fill("AAPL", order.Buy, 10, 100))

	snap := p.Snapshot(map[string]float64{}, t0)
	if snap.Positions["AAPL"].MarkPrice != 100 {
		t.Errorf("mark = %v, want avg price 100", snap.Positions["AAPL"].MarkPrice)
	}
	if len(snap.MissingMarks) != 1 || snap.MissingMarks[0] != "AAPL" {
		t.Errorf("missing marks = %v, want [AAPL]", snap.MissingMarks)
	}
	if !near(snap.Equity, 100_000) {
		t.Errorf("equity = %v, want 100000", snap.Equity)
	}
}

func TestEquityPoolsAndAggressiveMode(t *testing.T) {
	p := newTestPortfolio(t, func(c *Config) {
		c.StartingCash = 10_000
		c.AggressiveProfitThreshold = 500
	})

	mustApply(t, p, fill("AAPL", order.Buy, 10, 100))
	mustApply(t, p, fill("AAPL", order.Sell, 10, 160))

	if !p.AggressiveEnabled() {
		t.Errorf("aggressive disabled after realizing %v", p.RealizedPnL())
	}
	pools := p.EquityPools(nil)
	if pools.PrincipalEquity != 10_000 {
		t.Errorf("principal equity = %v, want 10000", pools.PrincipalEquity)
	}
	if !near(pools.ProfitEquity, 600) {
		t.Errorf("profit equity = %v, want 600", pools.ProfitEquity)
	}

	snap := p.Snapshot(nil, t0)
	if !near(snap.CapitalBase(), 10_600) {
		t.Errorf("capital base = %v, want 10600", snap.CapitalBase())
	}
}

func TestPoolsBelowFloor(t *testing.T) {
	p := newTestPortfolio(t, nil)
	mustApply(t, p, fill("AAPL", order.Buy, 100, 100))

	pools := p.EquityPools(map[string]float64{"AAPL": 90})
	if !near(pools.PrincipalEquity, 99_000) {
		t.Errorf("principal equity = %v, want 99000", pools.PrincipalEquity)
	}
	if pools.ProfitEquity != 0 {
		t.Errorf("profit equity = %v, want 0", pools.ProfitEquity)
	}
}

func TestPositionsPersistAtZero(t *testing.T) {
	p := newTestPortfolio(t, nil)
	mustApply(t, p, fill("AAPL", order.Buy, 1, 100))
	mustApply(t, p, fill("AAPL", order.Sell, 1, 100))

	if len(p.Positions()) != 1 {
		t.Errorf("positions = %d, want 1 (flat positions are kept)", len(p.Positions()))
	}
	if len(p.OpenPositions()) != 0 {
		t.Errorf("open positions = %d, want 0", len(p.OpenPositions()))
	}
}

func TestHaltFlagInSnapshot(t *testing.T) {
	p := newTestPortfolio(t, nil)
	p.Halt("manual")
	snap := p.Snapshot(nil, t0)
	if !snap.Halted || snap.HaltedReason != "manual" {
		t.Errorf("snapshot halted = %v/%q, want true/manual", snap.Halted, snap.HaltedReason)
	}
}

func TestFeeModelRounding(t *testing.T) {
	m := FeeModel{Bps: 1}
	// 3 × 33.333333333 × 1bp = 0.0099999999999 -> rounds to 1e-8
	got := m.Fee(3, 33.333333333)
	if !near(got, 0.01) {
		t.Errorf("Fee() = %v, want ≈0.01", got)
	}
	if (FeeModel{}).Fee(10, 100) != 0 {
		t.Error("zero fee model charged a fee")
	}
}
