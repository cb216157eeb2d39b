package risk

import (
	"time"

	"github.com/uhyunpark/atsim/pkg/app/core/order"
)

// Allocation is an aggregated per-symbol intent flowing through the
// allocation pipeline. Score is signed; Confidence is in [0,1].
type Allocation struct {
	Symbol            string             `json:"symbol"`
	Score             float64            `json:"score"`
	Confidence        float64            `json:"confidence"`
	Timestamp         time.Time          `json:"timestamp"`
	Qty               float64            `json:"qty,omitempty"`
	StrategyBreakdown map[string]float64 `json:"strategy_breakdown,omitempty"`

	// Filled in by capital allocation.
	Dollars float64 `json:"dollars"`
	Weight  float64 `json:"weight"`
}

// Direction is +1 for non-negative scores and -1 otherwise.
func (a Allocation) Direction() float64 {
	if a.Score < 0 {
		return -1
	}
	return 1
}

// Rejection pairs a blocked order with its reason.
type Rejection struct {
	Order  order.Order `json:"order"`
	Reason string      `json:"reason"`
}

// Decision is the outcome of evaluating one bar's candidate orders.
// Accepted is an order-preserving subset of the candidates.
type Decision struct {
	Timestamp time.Time     `json:"timestamp"`
	Symbol    string        `json:"symbol"`
	Accepted  []order.Order `json:"accepted"`
	Rejected  []Rejection   `json:"rejected"`
	Posture   Posture       `json:"posture"`
	Meta      DecisionMeta  `json:"meta"`
}

// DecisionMeta records the exposure state the decision was made against.
type DecisionMeta struct {
	Price            float64 `json:"price"`
	Equity           float64 `json:"portfolio_equity"`
	PrincipalFloor   float64 `json:"principal_floor"`
	ProfitEquity     float64 `json:"profit_equity"`
	CapitalForLimits float64 `json:"capital_for_limits"`
	Aggressive       bool    `json:"aggressive_enabled"`
	Halted           bool    `json:"halted"`
	HaltedReason     string  `json:"halted_reason,omitempty"`

	GrossBefore float64 `json:"gross_before"`
	NetBefore   float64 `json:"net_before"`
	GrossAfter  float64 `json:"gross_after"`
	NetAfter    float64 `json:"net_after"`

	Health    float64                 `json:"portfolio_health"`
	Execution map[string]ExecEstimate `json:"execution,omitempty"`
}
