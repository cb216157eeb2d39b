package strategy

import (
	"github.com/uhyunpark/atsim/pkg/app/core/market"
	"github.com/uhyunpark/atsim/pkg/app/core/order"
	"github.com/uhyunpark/atsim/pkg/features"
)

// MovingAverage holds UnitSize long while the close is above its simple
// moving average and goes flat when it drops below.
type MovingAverage struct {
	Lookback int
	UnitSize float64
}

func NewMovingAverage() *MovingAverage {
	return &MovingAverage{Lookback: 20, UnitSize: 10}
}

func (m *MovingAverage) Name() string { return "ma" }

func (m *MovingAverage) OnBar(bar market.Bar, view View) ([]order.Order, error) {
	hist := view.Bars(bar.Symbol)
	if m.Lookback <= 0 || len(hist) < m.Lookback {
		return nil, nil
	}
	closes := make([]float64, 0, m.Lookback)
	for _, b := range hist[len(hist)-m.Lookback:] {
		closes = append(closes, b.Close)
	}
	ma := features.Mean(closes)
	pos := view.Snapshot().Quantity(bar.Symbol)

	switch {
	case bar.Close > ma && pos <= 0:
		if delta := m.UnitSize - pos; delta > 0 {
			o, err := order.NewMarket(bar.Symbol, order.Buy, delta)
			if err != nil {
				return nil, err
			}
			o.Metadata = map[string]any{"source": m.Name(), "ma": ma}
			return []order.Order{o}, nil
		}
	case bar.Close < ma && pos > 0:
		o, err := order.NewMarket(bar.Symbol, order.Sell, pos)
		if err != nil {
			return nil, err
		}
		o.Metadata = map[string]any{"source": m.Name(), "ma": ma}
		return []order.Order{o}, nil
	}
	return nil, nil
}
