package storage

import (
	"errors"
	"time"

	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/backtest"
	"github.com/uhyunpark/atsim/pkg/risk"
)

var ErrRunNotFound = errors.New("run not found")

// RunRecord is the stored summary of a run.
type RunRecord struct {
	RunID       string           `json:"run_id"`
	Symbols     []string         `json:"symbols"`
	Strategy    string           `json:"strategy,omitempty"`
	BarCount    int              `json:"bar_count"`
	TradeCount  int              `json:"trade_count"`
	Blocked     int              `json:"blocked"`
	StopReason  string           `json:"stop_reason"`
	Error       string           `json:"error,omitempty"`
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	FinalEquity float64          `json:"final_equity"`
	Metrics     backtest.Metrics `json:"metrics"`
}

// RecordOf summarizes a result.
func RecordOf(res *backtest.Result) RunRecord {
	rec := RunRecord{
		RunID:       res.RunID,
		Symbols:     res.Symbols,
		BarCount:    res.BarsProcessed,
		TradeCount:  len(res.Trades),
		Blocked:     res.Blocked(),
		StopReason:  res.StopReason,
		Error:       res.Err,
		FinalEquity: res.FinalSnapshot.Equity,
		Metrics:     res.Metrics(),
	}
	if n := len(res.Snapshots); n > 0 {
		rec.Start = res.Snapshots[0].Timestamp
		rec.End = res.Snapshots[n-1].Timestamp
	}
	return rec
}

// Reader is the read side shared by the pebble and in-memory stores.
type Reader interface {
	ListRuns() ([]RunRecord, error)
	LoadRun(runID string) (RunRecord, error)
	LoadSnapshots(runID string) ([]portfolio.Snapshot, error)
	LoadTrades(runID string) ([]backtest.Trade, error)
	LoadGovernance(runID string) ([]risk.Event, error)
	LoadDecisions(runID string) ([]risk.Decision, error)
}

// Store persists complete runs.
type Store interface {
	Reader
	SaveResult(res *backtest.Result) error
	Close() error
}
