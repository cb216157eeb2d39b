package portfolio

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// feeScale is the decimal precision fees are rounded to.
const feeScale = 8

var bpsDivisor = decimal.NewFromInt(10_000)

// FeeModel charges basis points of notional plus a per-share component.
type FeeModel struct {
	Bps      float64 `json:"fee_bps" yaml:"fee_bps"`
	PerShare float64 `json:"fee_per_share" yaml:"fee_per_share"`
}

func (m FeeModel) Validate() error {
	if m.Bps < 0 {
		return fmt.Errorf("fee bps cannot be negative: %v", m.Bps)
	}
	if m.PerShare < 0 {
		return fmt.Errorf("fee per share cannot be negative: %v", m.PerShare)
	}
	return nil
}

// Fee returns notional × bps / 10000 + |size| × per-share, rounded to 1e-8.
func (m FeeModel) Fee(size, price float64) float64 {
	if m.Bps == 0 && m.PerShare == 0 {
		return 0
	}
	qty := decimal.NewFromFloat(size).Abs()
	notional := qty.Mul(decimal.NewFromFloat(price))

	fee := notional.Mul(decimal.NewFromFloat(m.Bps)).Div(bpsDivisor).
		Add(qty.Mul(decimal.NewFromFloat(m.PerShare))).
		Round(feeScale)

	f, _ := fee.Float64()
	return f
}
