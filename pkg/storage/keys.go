package storage

import (
	"fmt"
)

// Run key schema:
//
//	run:<id>                 → RunRecord
//	snap:<id>:<bar>          → portfolio.Snapshot
//	trade:<id>:<seq>         → backtest.Trade
//	gov:<id>:<seq>           → risk.Event
//	dec:<id>:<bar>           → risk.Decision
//
// Bars and sequence numbers are zero-padded to 12 digits so prefix scans
// return them in order.
const (
	prefixRun      = "run:"
	prefixSnapshot = "snap:"
	prefixTrade    = "trade:"
	prefixGov      = "gov:"
	prefixDecision = "dec:"
)

func runKey(runID string) []byte { return []byte(prefixRun + runID) }

func snapshotKey(runID string, bar int) []byte {
	return []byte(fmt.Sprintf("%s%s:%012d", prefixSnapshot, runID, bar))
}

func tradeKey(runID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s:%012d", prefixTrade, runID, seq))
}

func govKey(runID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s:%012d", prefixGov, runID, seq))
}

func decisionKey(runID string, bar int) []byte {
	return []byte(fmt.Sprintf("%s%s:%012d", prefixDecision, runID, bar))
}

// runPrefix is "<prefix><id>:", the scan prefix for one run's records.
func runPrefix(prefix, runID string) []byte {
	return []byte(prefix + runID + ":")
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
