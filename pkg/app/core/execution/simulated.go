package execution

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/uhyunpark/atsim/pkg/app/core/market"
	"github.com/uhyunpark/atsim/pkg/app/core/order"
)

// SimConfig parameterizes the spread/impact/latency model.
type SimConfig struct {
	// Full quoted spread around the bar open, in basis points.
	SpreadBps float64 `json:"spread_bps" yaml:"spread_bps"`
	// Market impact per 100 shares, in basis points.
	ImpactBpsPer100 float64 `json:"impact_bps_per_100" yaml:"impact_bps_per_100"`
	// Flat directional slippage, in basis points.
	SlippageBps float64 `json:"slippage_bps" yaml:"slippage_bps"`

	LatencyMeanMs   float64 `json:"latency_mean_ms" yaml:"latency_mean_ms"`
	LatencyJitterMs float64 `json:"latency_jitter_ms" yaml:"latency_jitter_ms"`
	Seed            int64   `json:"seed" yaml:"seed"`
}

func DefaultSimConfig() SimConfig {
	return SimConfig{
		SpreadBps:       10,
		ImpactBpsPer100: 2.0,
		LatencyMeanMs:   20,
		LatencyJitterMs: 5,
		Seed:            1,
	}
}

func (c SimConfig) Validate() error {
	for name, v := range map[string]float64{
		"spread_bps":         c.SpreadBps,
		"impact_bps_per_100": c.ImpactBpsPer100,
		"slippage_bps":       c.SlippageBps,
		"latency_mean_ms":    c.LatencyMeanMs,
		"latency_jitter_ms":  c.LatencyJitterMs,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%s cannot be negative: %v", name, v)
		}
	}
	return nil
}

// Simulated quotes bid/ask around the bar open, then pushes buys up and
// sells down by size-based impact plus flat slippage. Latency is added to
// the fill timestamp only.
type Simulated struct {
	core
}

func NewSimulated(cfg SimConfig) (*Simulated, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simulated execution config: %w", err)
	}
	e := &Simulated{}
	e.pricer = &spreadPricer{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
	return e, nil
}

type spreadPricer struct {
	cfg SimConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// Quote returns bid and ask around open for the configured spread.
func (p *spreadPricer) quote(open float64) (bid, ask float64) {
	half := p.cfg.SpreadBps / 2 / 10_000
	return open * (1 - half), open * (1 + half)
}

func (p *spreadPricer) marketPrice(o order.Order, bar market.Bar) float64 {
	bid, ask := p.quote(bar.Open)
	impact := math.Abs(o.Size) / 100 * p.cfg.ImpactBpsPer100 / 10_000
	slip := p.cfg.SlippageBps / 10_000
	if o.Side == order.Buy {
		return ask * (1 + impact + slip)
	}
	return math.Max(market.MinPrice, bid*(1-impact-slip))
}

// latency draws mean ± jitter from the seeded source, floored at zero.
func (p *spreadPricer) latency() time.Duration {
	p.mu.Lock()
	jitter := (p.rng.Float64()*2 - 1) * p.cfg.LatencyJitterMs
	p.mu.Unlock()

	ms := math.Max(0, p.cfg.LatencyMeanMs+jitter)
	return time.Duration(ms * float64(time.Millisecond))
}

// Quote exposes the bid/ask the engine would use for a bar.
func (e *Simulated) Quote(bar market.Bar) (bid, ask float64) {
	return e.pricer.(*spreadPricer).quote(bar.Open)
}
