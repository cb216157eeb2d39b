package risk

import (
	"math"
	"math/rand"
	"sync"

	"github.com/uhyunpark/atsim/pkg/features"
)

// ExecEstimate annotates an order or allocation with expected execution
// quality. It never changes accept/reject outcomes.
type ExecEstimate struct {
	Slippage        float64 `json:"slippage"`
	LatencyMs       float64 `json:"latency_ms"`
	FillProbability float64 `json:"fill_probability"`
	PartialFraction float64 `json:"partial_fraction"`
}

// ExecQuality is the RM5 model. Latency jitter comes from a seeded source so
// runs are reproducible.
type ExecQuality struct {
	BaseSpread float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewExecQuality(seed int64) *ExecQuality {
	return &ExecQuality{BaseSpread: 0.0005, rng: rand.New(rand.NewSource(seed))}
}

// Estimate uses rv15 and entropy from f; a zero row falls back to 0.01 and 0.5.
func (q *ExecQuality) Estimate(f features.Row, qty float64) ExecEstimate {
	vol, entropy := f.RV15, f.Entropy
	if f.Samples == 0 {
		vol, entropy = 0.01, 0.5
	}

	slip := q.BaseSpread + vol*0.3 + entropy*0.1 + math.Abs(qty)*0.00001

	q.mu.Lock()
	jitter := q.rng.Float64() * 30
	q.mu.Unlock()
	latency := 20 + vol*200 + entropy*50 + jitter

	return ExecEstimate{
		Slippage:        slip,
		LatencyMs:       latency,
		FillProbability: clamp01(1 - slip*5 - latency/1000),
		PartialFraction: math.Max(0.5, 1-slip*3),
	}
}
