// Package telemetry exposes backtest activity as prometheus metrics.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/backtest"
	"github.com/uhyunpark/atsim/pkg/eventbus"
	"github.com/uhyunpark/atsim/pkg/risk"
)

// Collector owns a private registry so several can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	BarsProcessed     prometheus.Counter
	Fills             *prometheus.CounterVec
	FillLatency       prometheus.Histogram
	Rejections        *prometheus.CounterVec
	Posture           prometheus.Gauge
	Equity            prometheus.Gauge
	Drawdown          prometheus.Gauge
	KillSwitchEngaged prometheus.Counter
	GovernanceEvents  *prometheus.CounterVec
	RunsCompleted     *prometheus.CounterVec

	mu   sync.Mutex
	peak float64
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		BarsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atsim_bars_processed_total",
			Help: "Bars that completed the per-bar pipeline",
		}),
		Fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atsim_fills_total",
			Help: "Fills booked into the ledger by side and liquidity",
		}, []string{"side", "liquidity"}),
		FillLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "atsim_fill_latency_ms",
			Help:    "Simulated fill latency in milliseconds",
			Buckets: []float64{0, 5, 10, 15, 20, 25, 50, 100, 250},
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atsim_order_rejections_total",
			Help: "Orders blocked by the risk manager by reason class",
		}, []string{"reason"}),
		Posture: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atsim_risk_posture",
			Help: "Risk posture of the last decision (0=NORMAL .. 3=HALT)",
		}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atsim_equity",
			Help: "Portfolio equity at the last snapshot",
		}),
		Drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atsim_drawdown",
			Help: "Drawdown from peak equity at the last snapshot (<= 0)",
		}),
		KillSwitchEngaged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atsim_kill_switch_engagements_total",
			Help: "Runs stopped by the kill switch",
		}),
		GovernanceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atsim_governance_events_total",
			Help: "Governance events by stage",
		}, []string{"stage"}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atsim_runs_completed_total",
			Help: "Finished runs by stop reason",
		}, []string{"stop_reason"}),
	}
	c.registry.MustRegister(
		c.BarsProcessed, c.Fills, c.FillLatency, c.Rejections, c.Posture, c.Equity,
		c.Drawdown, c.KillSwitchEngaged, c.GovernanceEvents, c.RunsCompleted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Attach subscribes the collector to every topic on bus.
func (c *Collector) Attach(bus eventbus.Bus) { bus.Subscribe(eventbus.Wildcard, c.Handle) }

// Handle updates metrics from one event. It never fails.
func (c *Collector) Handle(ev eventbus.Event) error {
	switch data := ev.Data.(type) {
	case portfolio.Snapshot:
		c.BarsProcessed.Inc()
		c.Equity.Set(data.Equity)
		c.mu.Lock()
		if data.Bar == 0 || data.Equity > c.peak {
			c.peak = data.Equity
		}
		if c.peak > 0 {
			c.Drawdown.Set(data.Equity/c.peak - 1)
		}
		c.mu.Unlock()
	case backtest.Trade:
		c.Fills.WithLabelValues(string(data.Side), string(data.Liquidity)).Inc()
		c.FillLatency.Observe(data.LatencyMs)
	case risk.Decision:
		c.Posture.Set(float64(data.Posture))
		for _, r := range data.Rejected {
			c.Rejections.WithLabelValues(risk.ReasonClass(r.Reason)).Inc()
		}
	case []risk.Event:
		for _, e := range data {
			c.GovernanceEvents.WithLabelValues(e.Stage).Inc()
		}
	case *backtest.Result:
		c.RunsCompleted.WithLabelValues(data.StopReason).Inc()
	}
	if ev.Topic == eventbus.TopicKillSwitch {
		c.KillSwitchEngaged.Inc()
	}
	return nil
}
