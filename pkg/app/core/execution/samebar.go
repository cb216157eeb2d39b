package execution

import (
	"time"

	"github.com/uhyunpark/atsim/pkg/app/core/market"
	"github.com/uhyunpark/atsim/pkg/app/core/order"
)

// SameBar fills market orders at the bar close with no slippage or latency.
type SameBar struct {
	core
}

func NewSameBar() *SameBar {
	e := &SameBar{}
	e.pricer = closePricer{}
	return e
}

type closePricer struct{}

func (closePricer) marketPrice(_ order.Order, bar market.Bar) float64 { return bar.Close }
func (closePricer) latency() time.Duration                            { return 0 }
