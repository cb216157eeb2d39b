package execution

import (
	"fmt"
	"time"

	"github.com/uhyunpark/atsim/pkg/app/core/market"
	"github.com/uhyunpark/atsim/pkg/app/core/order"
)

// Engine turns accepted orders into fills against a bar context.
//
// Market orders fill in full immediately. Limit orders fill only when the
// bar's range touches the limit and otherwise rest until filled or cancelled.
// Orders for symbols absent from the book never produce fills.
type Engine interface {
	Execute(orders []order.Order, book market.Book, ts time.Time) []order.Fill
	Pending() []order.Order
	Cancel(orderID string) bool
}

// Kind names a configured execution model.
type Kind string

const (
	KindSameBar   Kind = "samebar"
	KindSimulated Kind = "simulated"
)

// New builds the engine named by kind.
func New(kind Kind, sim SimConfig) (Engine, error) {
	switch kind {
	case KindSameBar, "":
		return NewSameBar(), nil
	case KindSimulated:
		return NewSimulated(sim)
	default:
		return nil, fmt.Errorf("unknown execution engine %q (want %s or %s)", kind, KindSameBar, KindSimulated)
	}
}

// pricer computes the market-order price and latency for one order.
type pricer interface {
	marketPrice(o order.Order, bar market.Bar) float64
	latency() time.Duration
}

// core holds the behaviour shared by every engine: routing, limit touch
// checks and resting-order bookkeeping.
type core struct {
	pending pendingQueue
	pricer  pricer
}

func (c *core) Execute(orders []order.Order, book market.Book, ts time.Time) []order.Fill {
	var fills []order.Fill

	// Resting limits first, in admission order.
	c.pending.drain(func(o order.Order) bool {
		bar, ok := book[o.Symbol]
		if !ok {
			return true
		}
		if f, filled := c.tryLimit(o, bar, ts, order.Resting); filled {
			fills = append(fills, f)
			return false
		}
		return true
	})

	for _, o := range orders {
		bar, ok := book[o.Symbol]
		if o.IsLimit() {
			if ok {
				if f, filled := c.tryLimit(o, bar, ts, order.Taker); filled {
					fills = append(fills, f)
					continue
				}
			}
			c.pending.push(o)
			continue
		}
		if !ok {
			// No market for the symbol in this context: cannot trade.
			continue
		}
		lat := c.pricer.latency()
		fills = append(fills, order.Fill{
			OrderID:   o.ID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Size:      o.Size,
			Price:     c.pricer.marketPrice(o, bar),
			Timestamp: ts.Add(lat),
			LatencyMs: float64(lat) / float64(time.Millisecond),
			Liquidity: order.Taker,
		})
	}
	return fills
}

// tryLimit fills at the limit price when the bar touches it:
// buys need low <= limit, sells need high >= limit.
func (c *core) tryLimit(o order.Order, bar market.Bar, ts time.Time, liq order.Liquidity) (order.Fill, bool) {
	touched := (o.Side == order.Buy && bar.Low <= o.LimitPrice) ||
		(o.Side == order.Sell && bar.High >= o.LimitPrice)
	if !touched {
		return order.Fill{}, false
	}
	lat := c.pricer.latency()
	return order.Fill{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Size:      o.Size,
		Price:     o.LimitPrice,
		Timestamp: ts.Add(lat),
		LatencyMs: float64(lat) / float64(time.Millisecond),
		Liquidity: liq,
	}, true
}

func (c *core) Pending() []order.Order { return c.pending.snapshot() }

func (c *core) Cancel(orderID string) bool { return c.pending.cancel(orderID) }
