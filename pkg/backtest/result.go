package backtest

import (
	"time"

	"github.com/uhyunpark/atsim/pkg/app/core/order"
	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/risk"
)

// Trade is a booked fill with its ledger effect.
type Trade struct {
	order.Fill
	Bar int     `json:"bar"`
	Seq int     `json:"seq"`
	Fee float64 `json:"fee"`
	// RealizedPnL is net of Fee.
	RealizedPnL float64 `json:"realized_pnl"`
	// Closing is set when the fill reduced an existing position.
	Closing     bool    `json:"closing"`
	PositionQty float64 `json:"position_qty"`
}

// Result is everything a run recorded. After a fatal error it holds the
// bars completed before the failure.
type Result struct {
	RunID         string               `json:"run_id"`
	Symbols       []string             `json:"symbols"`
	Snapshots     []portfolio.Snapshot `json:"snapshots"`
	Trades        []Trade              `json:"trades"`
	Decisions     []risk.Decision      `json:"decisions,omitempty"`
	Governance    []risk.Event         `json:"governance,omitempty"`
	StopReason    string               `json:"stop_reason"`
	BarsProcessed int                  `json:"bars_processed"`
	FinalSnapshot portfolio.Snapshot   `json:"final_snapshot"`
	Start         time.Time            `json:"start"`
	End           time.Time            `json:"end"`
	Err           string               `json:"error,omitempty"`
}

// Blocked counts rejected orders across all decisions.
func (r *Result) Blocked() int {
	n := 0
	for _, d := range r.Decisions {
		n += len(d.Rejected)
	}
	return n
}

// Metrics computes performance metrics over the recorded history.
func (r *Result) Metrics() Metrics {
	return ComputeMetrics(r.Snapshots, r.Trades)
}
