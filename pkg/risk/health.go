package risk

import (
	"math"
	"sort"
	"sync"
)

// Reputation keeps a decaying per-strategy score in [0,1]; unseen
// strategies start at 0.5.
type Reputation struct {
	scores map[string]float64
}

func NewReputation() *Reputation {
	return &Reputation{scores: make(map[string]float64)}
}

// Update attributes pnl across the breakdown weights.
func (r *Reputation) Update(breakdown map[string]float64, pnl float64) {
	names := make([]string, 0, len(breakdown))
	for k := range breakdown {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		cur, ok := r.scores[name]
		if !ok {
			cur = 0.5
		}
		r.scores[name] = clamp01(cur*0.95 + pnl*breakdown[name]*0.1)
	}
}

func (r *Reputation) Get(name string) float64 {
	if v, ok := r.scores[name]; ok {
		return v
	}
	return 0.5
}

func (r *Reputation) Scores() map[string]float64 {
	out := make(map[string]float64, len(r.scores))
	for k, v := range r.scores {
		out[k] = v
	}
	return out
}

// Mean returns the average reputation, 0.5 when nothing has been scored.
func (r *Reputation) Mean() float64 {
	if len(r.scores) == 0 {
		return 0.5
	}
	var sum float64
	for _, v := range r.scores {
		sum += v
	}
	return sum / float64(len(r.scores))
}

// HealthTracker is the RM6 rolling portfolio state.
type HealthTracker struct {
	mu     sync.Mutex
	window int

	equity    []float64
	returns   []float64
	drawdowns []float64
	vols      []float64
	peak      float64
	lastPnL   float64

	rep *Reputation
}

func NewHealthTracker(window int) *HealthTracker {
	if window <= 1 {
		window = 20
	}
	return &HealthTracker{window: window, rep: NewReputation()}
}

// Update appends an equity observation and updates strategy reputation with
// the pnl since the previous observation.
func (h *HealthTracker) Update(equity float64, breakdown map[string]float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.equity) == 0 {
		h.equity = append(h.equity, equity)
		h.returns = append(h.returns, 0)
		h.drawdowns = append(h.drawdowns, 0)
		h.vols = append(h.vols, 0)
		h.peak = equity
		h.lastPnL = 0
		return
	}

	prev := h.equity[len(h.equity)-1]
	h.lastPnL = equity - prev
	h.equity = append(h.equity, equity)
	h.returns = append(h.returns, (equity-prev)/math.Max(prev, 1e-9))

	win := h.returns
	if len(win) > h.window {
		win = win[len(win)-h.window:]
	}
	var vol float64
	if len(win) > 1 {
		var ss float64
		for _, r := range win {
			ss += r * r
		}
		vol = math.Sqrt(ss / float64(len(win)))
	}
	h.vols = append(h.vols, vol)

	h.peak = math.Max(h.peak, equity)
	var dd float64
	if h.peak > 0 {
		dd = (equity - h.peak) / h.peak
	}
	h.drawdowns = append(h.drawdowns, dd)

	if len(breakdown) > 0 {
		h.rep.Update(breakdown, h.lastPnL)
	}
}

// HealthScore is the RM6 breakdown.
type HealthScore struct {
	Health          float64            `json:"portfolio_health"`
	Drawdown        float64            `json:"drawdown"`
	VolStability    float64            `json:"volatility_stability"`
	Efficiency      float64            `json:"capital_efficiency"`
	StrategyRepMean float64            `json:"strategy_reputation_mean"`
	Reputation      map[string]float64 `json:"strategy_reputation,omitempty"`
}

// Score mixes drawdown, vol stability, efficiency and reputation at
// 0.3/0.3/0.2/0.2, clamped to [0,1].
func (h *HealthTracker) Score() HealthScore {
	h.mu.Lock()
	defer h.mu.Unlock()

	var dd, vol float64
	if n := len(h.drawdowns); n > 0 {
		dd = h.drawdowns[n-1]
		vol = h.vols[n-1]
	}
	ddScore := math.Max(0, 1+dd)
	volStability := clamp01(1 - vol*5)

	eff := h.lastPnL
	if vol > 0 {
		eff = h.lastPnL / (vol + 1e-6)
	}
	effScore := clamp01(eff*0.1 + 0.5)
	repMean := h.rep.Mean()

	return HealthScore{
		Health:          clamp01(ddScore*0.3 + volStability*0.3 + effScore*0.2 + repMean*0.2),
		Drawdown:        dd,
		VolStability:    volStability,
		Efficiency:      effScore,
		StrategyRepMean: repMean,
		Reputation:      h.rep.Scores(),
	}
}

func (h *HealthTracker) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.equity)
}
