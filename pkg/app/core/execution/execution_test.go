package execution

import (
	"math"
	"testing"
	"time"

	"github.com/uhyunpark/atsim/pkg/app/core/market"
	"github.com/uhyunpark/atsim/pkg/app/core/order"
)

var ts0 = time.Date(2025, 1, 2, 9, 30, 0, 0, time.UTC)

func bar(symbol string, open, high, low, close float64) market.Bar {
	return market.Bar{Timestamp: ts0, Symbol: symbol, Open: open, High: high, Low: low, Close: close, Volume: 1000}
}

func mkt(id, symbol string, side order.Side, size float64) order.Order {
	return order.Order{ID: id, Symbol: symbol, Side: side, Size: size, Type: order.Market}
}

func lmt(id, symbol string, side order.Side, size, limit float64) order.Order {
	return order.Order{ID: id, Symbol: symbol, Side: side, Size: size, Type: order.Limit, LimitPrice: limit}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSameBarFillsAtClose(t *testing.T) {
	e := NewSameBar()
	book := market.BookOf(bar("AAPL", 100, 102, 99, 101))

	fills := e.Execute([]order.Order{mkt("1", "AAPL", order.Buy, 5)}, book, ts0)
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	f := fills[0]
	if f.Price != 101 || f.Size != 5 || f.Side != order.Buy {
		t.Errorf("fill = %+v, want 5 buy @ 101", f)
	}
	if !f.Timestamp.Equal(ts0) || f.LatencyMs != 0 {
		t.Errorf("same-bar fill should carry no latency: ts=%v lat=%v", f.Timestamp, f.LatencyMs)
	}
}

func TestMarketOrderForAbsentSymbolDropped(t *testing.T) {
	e := NewSameBar()
	book := market.BookOf(bar("AAPL", 100, 102, 99, 101))

	fills := e.Execute([]order.Order{mkt("1", "MSFT", order.Buy, 5)}, book, ts0)
	if len(fills) != 0 {
		t.Errorf("fills = %d, want 0", len(fills))
	}
	if n := len(e.Pending()); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestLimitTouch(t *testing.T) {
	tests := []struct {
		name   string
		o      order.Order
		filled bool
	}{
		{"buy below low rests", lmt("1", "AAPL", order.Buy, 1, 98), false},
		{"buy at low fills", lmt("2", "AAPL", order.Buy, 1, 99), true},
		{"sell above high rests", lmt("3", "AAPL", order.Sell, 1, 103), false},
		{"sell at high fills", lmt("4", "AAPL", order.Sell, 1, 102), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewSameBar()
			fills := e.Execute([]order.Order{tt.o}, market.BookOf(bar("AAPL", 100, 102, 99, 101)), ts0)
			if got := len(fills) == 1; got != tt.filled {
				t.Fatalf("filled = %v, want %v", got, tt.filled)
			}
			if tt.filled && fills[0].Price != tt.o.LimitPrice {
				t.Errorf("price = %v, want limit %v", fills[0].Price, tt.o.LimitPrice)
			}
			if !tt.filled && len(e.Pending()) != 1 {
				t.Errorf("pending = %d, want 1", len(e.Pending()))
			}
		})
	}
}

func TestRestingLimitFillsOnLaterBar(t *testing.T) {
	e := NewSameBar()
	e.Execute([]order.Order{lmt("a", "AAPL", order.Buy, 2, 95)}, market.BookOf(bar("AAPL", 100, 102, 99, 101)), ts0)

	// Absent symbol: stays resting.
	if fills := e.Execute(nil, market.BookOf(bar("MSFT", 50, 51, 49, 50)), ts0.Add(24*time.Hour)); len(fills) != 0 {
		t.Fatalf("fills = %d, want 0", len(fills))
	}
	if n := len(e.Pending()); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	fills := e.Execute(nil, market.BookOf(bar("AAPL", 96, 97, 94, 95)), ts0.Add(48*time.Hour))
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if fills[0].Liquidity != order.Resting || fills[0].Price != 95 {
		t.Errorf("fill = %+v, want resting @ 95", fills[0])
	}
	if n := len(e.Pending()); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestCancelAppliedBeforeFill(t *testing.T) {
	e := NewSameBar()
	e.Execute([]order.Order{
		lmt("a", "AAPL", order.Buy, 1, 90),
		lmt("b", "AAPL", order.Buy, 1, 90),
	}, market.BookOf(bar("AAPL", 100, 102, 99, 101)), ts0)

	if !e.Cancel("a") {
		t.Fatal("Cancel(a) = false, want true")
	}
	if e.Cancel("missing") {
		t.Error("Cancel(missing) = true, want false")
	}
	if p := e.Pending(); len(p) != 1 || p[0].ID != "b" {
		t.Fatalf("pending = %+v, want only b", p)
	}

	fills := e.Execute(nil, market.BookOf(bar("AAPL", 90, 91, 89, 90)), ts0.Add(time.Hour))
	if len(fills) != 1 || fills[0].OrderID != "b" {
		t.Fatalf("fills = %+v, want only b", fills)
	}
}

func TestRestingOrdersKeepFIFO(t *testing.T) {
	e := NewSameBar()
	e.Execute([]order.Order{
		lmt("1", "AAPL", order.Buy, 1, 95),
		lmt("2", "AAPL", order.Buy, 1, 96),
		lmt("3", "AAPL", order.Buy, 1, 80),
	}, market.BookOf(bar("AAPL", 100, 102, 99, 101)), ts0)

	fills := e.Execute(nil, market.BookOf(bar("AAPL", 95, 96, 94, 95)), ts0.Add(time.Hour))
	if len(fills) != 2 || fills[0].OrderID != "1" || fills[1].OrderID != "2" {
		t.Fatalf("fills = %+v, want 1 then 2", fills)
	}
	if p := e.Pending(); len(p) != 1 || p[0].ID != "3" {
		t.Errorf("pending = %+v, want 3", p)
	}
}

func TestSimulatedPriceModel(t *testing.T) {
	cfg := DefaultSimConfig()
	e, err := NewSimulated(cfg)
	if err != nil {
		t.Fatalf("NewSimulated: %v", err)
	}
	b := bar("AAPL", 100, 102, 99, 101)

	bid, ask := e.Quote(b)
	if !near(bid, 99.95) || !near(ask, 100.05) {
		t.Fatalf("quote = %v/%v, want 99.95/100.05", bid, ask)
	}

	fills := e.Execute([]order.Order{
		mkt("1", "AAPL", order.Buy, 100),
		mkt("2", "AAPL", order.Sell, 100),
	}, market.BookOf(b), ts0)
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	// impact = 100/100 * 2bps = 0.0002
	if want := 100.05 * 1.0002; !near(fills[0].Price, want) {
		t.Errorf("buy price = %v, want %v", fills[0].Price, want)
	}
	if want := 99.95 * 0.9998; !near(fills[1].Price, want) {
		t.Errorf("sell price = %v, want %v", fills[1].Price, want)
	}
	for _, f := range fills {
		if f.LatencyMs < 15 || f.LatencyMs > 25 {
			t.Errorf("latency = %vms, want within 20±5", f.LatencyMs)
		}
		if !f.Timestamp.After(ts0) {
			t.Errorf("fill timestamp %v should be after %v", f.Timestamp, ts0)
		}
	}
}

func TestSimulatedDeterministicBySeed(t *testing.T) {
	run := func() []order.Fill {
		e, err := NewSimulated(DefaultSimConfig())
		if err != nil {
			t.Fatalf("NewSimulated: %v", err)
		}
		return e.Execute([]order.Order{
			mkt("1", "AAPL", order.Buy, 10),
			mkt("2", "AAPL", order.Sell, 3),
		}, market.BookOf(bar("AAPL", 100, 102, 99, 101)), ts0)
	}
	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("fill %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestSimulatedLimitUsesLimitPrice(t *testing.T) {
	e, err := NewSimulated(DefaultSimConfig())
	if err != nil {
		t.Fatalf("NewSimulated: %v", err)
	}
	fills := e.Execute([]order.Order{lmt("1", "AAPL", order.Buy, 10, 99.5)}, market.BookOf(bar("AAPL", 100, 102, 99, 101)), ts0)
	if len(fills) != 1 || fills[0].Price != 99.5 {
		t.Fatalf("fills = %+v, want one @ 99.5", fills)
	}
}

func TestNewEngineKinds(t *testing.T) {
	if _, err := New(KindSameBar, SimConfig{}); err != nil {
		t.Errorf("samebar: %v", err)
	}
	if _, err := New(KindSimulated, DefaultSimConfig()); err != nil {
		t.Errorf("simulated: %v", err)
	}
	if _, err := New("exotic", SimConfig{}); err == nil {
		t.Error("unknown kind should fail")
	}
	if _, err := NewSimulated(SimConfig{SpreadBps: -1}); err == nil {
		t.Error("negative spread should fail")
	}
}
