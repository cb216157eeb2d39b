// Package backtest drives a strategy bar by bar through risk, execution
// and the portfolio ledger, recording one snapshot per bar.
package backtest

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EngineVersion is stamped into run manifests.
const EngineVersion = "atsim/1.0"

// Stop reasons.
const (
	StopExhausted  = "bars_exhausted"
	StopBarLimit   = "bar_limit"
	StopKillSwitch = "kill_switch"
	StopCancelled  = "cancelled"
	StopError      = "error"
)

var (
	ErrNoBars       = errors.New("backtest needs at least one bar")
	ErrNoStrategy   = errors.New("backtest needs a strategy")
	ErrNoPortfolio  = errors.New("backtest needs a portfolio")
	ErrNoExecution  = errors.New("backtest needs an execution engine")
	ErrRiskRequired = errors.New("risk is enabled but no evaluator was given")
)

type Config struct {
	RunID        string  `json:"run_id" yaml:"run_id"`
	StartingCash float64 `json:"starting_cash" yaml:"starting_cash"`
	// BarLimit stops the run after this many bars; 0 means no limit.
	BarLimit   int  `json:"bar_limit" yaml:"bar_limit"`
	EnableRisk bool `json:"enable_risk" yaml:"enable_risk"`
	// HistoryCap bounds the per-symbol bar window strategies can see.
	HistoryCap int `json:"history_cap" yaml:"history_cap"`
}

func DefaultConfig() Config {
	return Config{
		StartingCash: 100_000,
		EnableRisk:   true,
	}
}

func (c Config) Validate() error {
	if c.BarLimit < 0 {
		return fmt.Errorf("bar_limit must be >= 0, got %d", c.BarLimit)
	}
	if c.HistoryCap < 0 {
		return fmt.Errorf("history_cap must be >= 0, got %d", c.HistoryCap)
	}
	return nil
}

// NewRunID returns a fresh random run identifier.
func NewRunID() string { return uuid.NewString() }
