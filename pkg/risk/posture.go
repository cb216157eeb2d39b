package risk

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/atsim/pkg/features"
)

// Posture is the RM4 operating mode, ordered by severity.
type Posture int

const (
	PostureNormal Posture = iota
	PostureHeightened
	PostureAlert
	PostureHalt
)

func (p Posture) String() string {
	switch p {
	case PostureHeightened:
		return "HEIGHTENED"
	case PostureAlert:
		return "ALERT"
	case PostureHalt:
		return "HALT"
	default:
		return "NORMAL"
	}
}

func (p Posture) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Posture) UnmarshalText(b []byte) error {
	*p = ParsePosture(string(b))
	return nil
}

// ParsePosture maps a label back to a Posture; unknown labels are NORMAL.
func ParsePosture(s string) Posture {
	switch s {
	case "HEIGHTENED":
		return PostureHeightened
	case "ALERT":
		return PostureAlert
	case "HALT":
		return PostureHalt
	default:
		return PostureNormal
	}
}

// Multiplier scales allocations: 1.0, 0.7, 0.4 and 0 from NORMAL to HALT.
func (p Posture) Multiplier() float64 {
	switch p {
	case PostureHeightened:
		return 0.70
	case PostureAlert:
		return 0.40
	case PostureHalt:
		return 0
	default:
		return 1.0
	}
}

// AnomalyScore weighs vol spikes, entropy surges and trend reversals.
func AnomalyScore(f features.Row) float64 {
	vol := math.Min(1, f.RV15*10)
	ent := math.Min(1, f.Entropy/2)
	rev := math.Min(1, math.Abs(f.MACDHist)*2)
	return clamp01(vol*0.4 + ent*0.4 + rev*0.2)
}

// DriftScore weighs slow instability across timeframes.
func DriftScore(f features.Row) float64 {
	slope := math.Min(1, math.Abs(f.Return60)*5)
	vol := math.Min(1, f.RV60*5)
	trend := math.Min(1, math.Abs(f.MACDHist)*2)
	return clamp01(slope*0.4 + vol*0.4 + trend*0.2)
}

// PostureScores are the aggregated RM4 inputs.
type PostureScores struct {
	Anomaly       float64 `json:"anomaly"`
	Drift         float64 `json:"drift"`
	PredictedRisk float64 `json:"predictive_risk"`
}

// Aggregate takes the max anomaly, the mean drift and the max predicted
// risk across symbols.
func Aggregate(rows map[string]features.Row, preds map[string]Prediction) PostureScores {
	var s PostureScores
	symbols := make([]string, 0, len(rows))
	for sym := range rows {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var driftSum float64
	for _, sym := range symbols {
		s.Anomaly = math.Max(s.Anomaly, AnomalyScore(rows[sym]))
		driftSum += DriftScore(rows[sym])
	}
	if len(symbols) > 0 {
		s.Drift = driftSum / float64(len(symbols))
	}
	for _, p := range preds {
		s.PredictedRisk = math.Max(s.PredictedRisk, p.PredictedRisk)
	}
	return s
}

// ComputePosture checks thresholds from most to least severe. It holds no
// state: the same scores always give the same posture.
func ComputePosture(s PostureScores) Posture {
	switch {
	case s.Anomaly > 0.90 || s.PredictedRisk > 0.80:
		return PostureHalt
	case s.Anomaly > 0.70 || s.Drift > 0.75 || s.PredictedRisk > 0.60:
		return PostureAlert
	case s.Anomaly > 0.40 || s.Drift > 0.50 || s.PredictedRisk > 0.40:
		return PostureHeightened
	default:
		return PostureNormal
	}
}

// PostureTransition is one recorded change of posture.
type PostureTransition struct {
	Timestamp time.Time     `json:"timestamp"`
	From      Posture       `json:"from"`
	To        Posture       `json:"to"`
	Scores    PostureScores `json:"scores"`
}

// PostureTracker remembers the last posture so transitions can be audited.
// It never feeds back into ComputePosture.
type PostureTracker struct {
	mu      sync.Mutex
	current Posture
	history []PostureTransition
}

// Observe records p and reports the transition if it differs from the last one.
func (t *PostureTracker) Observe(ts time.Time, p Posture, s PostureScores) (PostureTransition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p == t.current {
		return PostureTransition{}, false
	}
	tr := PostureTransition{Timestamp: ts, From: t.current, To: p, Scores: s}
	t.current = p
	t.history = append(t.history, tr)
	return tr, true
}

func (t *PostureTracker) Current() Posture {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *PostureTracker) History() []PostureTransition {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PostureTransition, len(t.history))
	copy(out, t.history)
	return out
}
