package backtest

import (
	"math"

	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/features"
)

// Metrics summarizes a run. Ratios that would divide by zero are 0.
type Metrics struct {
	StartEquity float64 `json:"start_equity"`
	FinalEquity float64 `json:"final_equity"`
	CurveLength int     `json:"curve_length"`

	TotalReturn float64 `json:"total_return"`
	MaxDrawdown float64 `json:"max_drawdown"`
	Volatility  float64 `json:"volatility"`
	Sharpe      float64 `json:"sharpe"`
	Sortino     float64 `json:"sortino"`

	TradeCount   int     `json:"trade_count"`
	RoundTrips   int     `json:"round_trips"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	TotalFees    float64 `json:"total_fees"`
	Turnover     float64 `json:"turnover"`
}

// ComputeMetrics derives metrics from a snapshot history and its trades.
// Returns are per bar, measured from the starting cash when it is known.
func ComputeMetrics(snaps []portfolio.Snapshot, trades []Trade) Metrics {
	var m Metrics
	m.CurveLength = len(snaps)
	if len(snaps) > 0 {
		m.StartEquity = snaps[0].StartingCash
		if !(m.StartEquity > 0) {
			m.StartEquity = snaps[0].Equity
		}
		m.FinalEquity = snaps[len(snaps)-1].Equity

		curve := make([]float64, 0, len(snaps)+1)
		curve = append(curve, m.StartEquity)
		for _, s := range snaps {
			curve = append(curve, s.Equity)
		}
		if m.StartEquity > 0 {
			m.TotalReturn = m.FinalEquity/m.StartEquity - 1
		}
		m.MaxDrawdown = MaxDrawdown(curve)

		rets := features.Returns(curve)
		m.Volatility = features.StdDev(rets)
		mean := features.Mean(rets)
		if m.Volatility > 0 {
			m.Sharpe = mean / m.Volatility
		}
		if dd := downsideDeviation(rets); dd > 0 {
			m.Sortino = mean / dd
		}
	}

	var wins, losses float64
	var nWin, nLoss int
	var notional float64
	for _, t := range trades {
		m.TotalFees += t.Fee
		notional += t.Notional()
		if !t.Closing {
			continue
		}
		m.RoundTrips++
		switch {
		case t.RealizedPnL > 0:
			wins += t.RealizedPnL
			nWin++
		case t.RealizedPnL < 0:
			losses += t.RealizedPnL
			nLoss++
		}
	}
	m.TradeCount = len(trades)
	if m.RoundTrips > 0 {
		m.WinRate = float64(nWin) / float64(m.RoundTrips)
	}
	if nWin > 0 {
		m.AvgWin = wins / float64(nWin)
	}
	if nLoss > 0 {
		m.AvgLoss = losses / float64(nLoss)
		m.ProfitFactor = wins / math.Abs(losses)
	}
	if m.StartEquity > 0 {
		m.Turnover = notional / m.StartEquity
	}
	return m
}

// MaxDrawdown is the worst peak-to-trough decline as a non-positive fraction.
func MaxDrawdown(curve []float64) float64 {
	var peak, worst float64
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := v/peak - 1; dd < worst {
				worst = dd
			}
		}
	}
	return worst
}

// Drawdowns returns the running drawdown at each point of curve.
func Drawdowns(curve []float64) []float64 {
	out := make([]float64, len(curve))
	var peak float64
	for i, v := range curve {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			out[i] = v/peak - 1
		}
	}
	return out
}

func downsideDeviation(rets []float64) float64 {
	if len(rets) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rets {
		if r < 0 {
			sum += r * r
		}
	}
	return math.Sqrt(sum / float64(len(rets)))
}
