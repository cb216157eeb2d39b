package risk

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/uhyunpark/atsim/pkg/features"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestComputePosture(t *testing.T) {
	tests := []struct {
		name   string
		scores PostureScores
		want   Posture
	}{
		{"quiet", PostureScores{}, PostureNormal},
		{"anomaly halt", PostureScores{Anomaly: 0.95}, PostureHalt},
		{"prisk halt", PostureScores{PredictedRisk: 0.81}, PostureHalt},
		{"anomaly alert", PostureScores{Anomaly: 0.75}, PostureAlert},
		{"drift alert", PostureScores{Drift: 0.8}, PostureAlert},
		{"prisk alert", PostureScores{PredictedRisk: 0.7}, PostureAlert},
		{"anomaly heightened", PostureScores{Anomaly: 0.5}, PostureHeightened},
		{"drift heightened", PostureScores{Drift: 0.6}, PostureHeightened},
		{"at threshold stays lower", PostureScores{Anomaly: 0.40, Drift: 0.50, PredictedRisk: 0.40}, PostureNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputePosture(tt.scores); got != tt.want {
				t.Errorf("ComputePosture(%+v) = %v, want %v", tt.scores, got, tt.want)
			}
		})
	}
}

func TestPostureMultiplierAndText(t *testing.T) {
	want := map[Posture]float64{PostureNormal: 1, PostureHeightened: 0.7, PostureAlert: 0.4, PostureHalt: 0}
	for p, m := range want {
		if got := p.Multiplier(); got != m {
			t.Errorf("%v multiplier = %v, want %v", p, got, m)
		}
		b, _ := p.MarshalText()
		var back Posture
		if err := back.UnmarshalText(b); err != nil || back != p {
			t.Errorf("text round trip %v -> %s -> %v", p, b, back)
		}
	}
}

func TestAnomalyAndDriftScores(t *testing.T) {
	f := features.Row{RV15: 0.05, Entropy: 1, MACDHist: 0.1, Return60: 0.1, RV60: 0.1}
	// 0.5*0.4 + 0.5*0.4 + 0.2*0.2
	if got := AnomalyScore(f); !near(got, 0.44) {
		t.Errorf("AnomalyScore = %v, want 0.44", got)
	}
	// 0.5*0.4 + 0.5*0.4 + 0.2*0.2
	if got := DriftScore(f); !near(got, 0.44) {
		t.Errorf("DriftScore = %v, want 0.44", got)
	}
}

func TestAggregate(t *testing.T) {
	rows := map[string]features.Row{
		"A": {RV15: 0.1},
		"B": {RV60: 0.2},
	}
	preds := map[string]Prediction{"A": {PredictedRisk: 0.3}, "B": {PredictedRisk: 0.5}}
	s := Aggregate(rows, preds)
	if !near(s.Anomaly, 0.4) {
		t.Errorf("anomaly = %v, want max 0.4", s.Anomaly)
	}
	if !near(s.Drift, 0.2) {
		t.Errorf("drift = %v, want mean 0.2", s.Drift)
	}
	if s.PredictedRisk != 0.5 {
		t.Errorf("prisk = %v, want 0.5", s.PredictedRisk)
	}
}

func TestPredictVolatility(t *testing.T) {
	if got := PredictVolatility(features.Row{}); got != 0.0001 {
		t.Errorf("floor = %v, want 0.0001", got)
	}
	f := features.Row{RV5: 0.02, RV15: 0.01, RV60: 0.005, Entropy: 1}
	want := (0.02*0.5 + 0.01*0.3 + 0.005*0.2) * 1.1
	if got := PredictVolatility(f); !near(got, want) {
		t.Errorf("PredictVolatility = %v, want %v", got, want)
	}
	if m := RiskMultiplier(0.9); m != 0.3 {
		t.Errorf("multiplier floor = %v, want 0.3", m)
	}
}

func TestClassifyRegime(t *testing.T) {
	tests := []struct {
		f    features.Row
		want string
	}{
		{features.Row{RV15: 0.005, Entropy: 0.2}, RegimeLowVol},
		{features.Row{RV15: 0.015, MACDHist: 0.01, Return60: 0.02}, RegimeMidVolUptrend},
		{features.Row{RV15: 0.015, MACDHist: -0.01, Return60: -0.02}, RegimeMidVolDowntrend},
		{features.Row{RV15: 0.05, Entropy: 0.5}, RegimeHighVolStructured},
		{features.Row{RV15: 0.05, Entropy: 1.0}, RegimeHighVolChaotic},
	}
	for _, tt := range tests {
		if got := ClassifyRegime(tt.f); got != tt.want {
			t.Errorf("ClassifyRegime(%+v) = %s, want %s", tt.f, got, tt.want)
		}
	}
	if CoarseRegime(0.005) != "calm" || CoarseRegime(0.02) != "normal" || CoarseRegime(0.05) != "stressed" {
		t.Error("coarse regime buckets wrong")
	}
}

func TestPredictBatchRiskScore(t *testing.T) {
	single := PredictBatch(map[string]features.Row{"A": {RV5: 0.05}})
	if single["A"].RiskScore != 0 {
		t.Errorf("single-symbol risk score = %v, want 0", single["A"].RiskScore)
	}

	preds := PredictBatch(map[string]features.Row{
		"LOW":  {},
		"MID":  {Entropy: 0.5},
		"HIGH": {Entropy: 1},
	})
	if preds["LOW"].RiskScore != 0 || preds["HIGH"].RiskScore != 1 {
		t.Errorf("extremes = %v/%v, want 0/1", preds["LOW"].RiskScore, preds["HIGH"].RiskScore)
	}
	if s := preds["MID"].RiskScore; s <= 0 || s >= 1 {
		t.Errorf("mid risk score = %v, want in (0,1)", s)
	}
}

func TestAllocateSingleSymbolCapped(t *testing.T) {
	allocs := []Allocation{{Symbol: "AAPL", Score: 0.5, Confidence: 0.8, StrategyBreakdown: map[string]float64{"momentum": 0.5}}}
	out := Allocate(DefaultCapitalConfig(), allocs, nil, 1_000_000)
	if len(out) != 1 {
		t.Fatalf("allocations = %d, want 1", len(out))
	}
	if !near(out[0].Weight, 0.25) || !near(out[0].Dollars, 250_000) {
		t.Errorf("weight/dollars = %v/%v, want 0.25/250000", out[0].Weight, out[0].Dollars)
	}
}

func TestAllocateShortsAndRiskScore(t *testing.T) {
	allocs := []Allocation{
		{Symbol: "AAPL", Score: 0.5, Confidence: 1},
		{Symbol: "MSFT", Score: -0.5, Confidence: 1},
	}
	out := Allocate(DefaultCapitalConfig(), allocs, nil, 100)
	if len(out) != 2 || out[0].Symbol != "AAPL" || !near(out[0].Weight, 0.25) || !near(out[1].Weight, -0.25) {
		t.Fatalf("out = %+v, want AAPL 0.25, MSFT -0.25", out)
	}

	cfg := DefaultCapitalConfig()
	cfg.AllowShort = false
	out = Allocate(cfg, allocs, nil, 100)
	if len(out) != 1 || out[0].Symbol != "AAPL" {
		t.Errorf("shorts disabled = %+v, want AAPL only", out)
	}

	// Full risk score zeroes the symbol.
	out = Allocate(DefaultCapitalConfig(), allocs, map[string]Prediction{"MSFT": {RiskScore: 1}}, 100)
	if len(out) != 1 || out[0].Symbol != "AAPL" {
		t.Errorf("risk-scored = %+v, want AAPL only", out)
	}
}

func TestAllocateStrategyConcentration(t *testing.T) {
	cfg := DefaultCapitalConfig()
	cfg.NormalizeToUnitGross = false
	cfg.MaxSymbolFrac = 1
	allocs := []Allocation{
		{Symbol: "AAPL", Score: 0.3, Confidence: 1, StrategyBreakdown: map[string]float64{"a": 1}},
		{Symbol: "MSFT", Score: 0.1, Confidence: 1, StrategyBreakdown: map[string]float64{"b": 1}},
	}
	out := Allocate(cfg, allocs, nil, 1)
	// gross 0.4, cap 0.24; strategy a holds 0.3 so AAPL scales by 0.8.
	if len(out) != 2 || !near(out[0].Weight, 0.24) || !near(out[1].Weight, 0.1) {
		t.Errorf("out = %+v, want AAPL 0.24 MSFT 0.1", out)
	}
}

func TestAllocateGrossAndNetCaps(t *testing.T) {
	cfg := DefaultCapitalConfig()
	cfg.NormalizeToUnitGross = false
	cfg.MaxSymbolFrac = 1
	cfg.MaxGrossFrac = 1
	cfg.MaxNetFrac = 0.5
	allocs := []Allocation{
		{Symbol: "A", Score: 1, Confidence: 1},
		{Symbol: "B", Score: 1, Confidence: 1},
	}
	out := Allocate(cfg, allocs, nil, 1)
	// gross 2 -> scaled to 1 (0.5 each), net 1 -> scaled to 0.5 (0.25 each)
	for _, a := range out {
		if !near(a.Weight, 0.25) {
			t.Errorf("%s weight = %v, want 0.25", a.Symbol, a.Weight)
		}
	}
}

func TestExecQualityEstimate(t *testing.T) {
	q := NewExecQuality(1)
	est := q.Estimate(features.Row{}, 0)
	if !near(est.Slippage, 0.0535) {
		t.Errorf("slippage = %v, want 0.0535", est.Slippage)
	}
	if est.LatencyMs < 47 || est.LatencyMs > 77 {
		t.Errorf("latency = %v, want in [47, 77]", est.LatencyMs)
	}
	if !near(est.PartialFraction, 1-0.0535*3) {
		t.Errorf("partial = %v", est.PartialFraction)
	}
	if est.FillProbability < 0 || est.FillProbability > 1 {
		t.Errorf("fill probability = %v, want in [0,1]", est.FillProbability)
	}

	huge := q.Estimate(features.Row{RV15: 1, Entropy: 1, Samples: 10}, 1e6)
	if huge.FillProbability != 0 || huge.PartialFraction != 0.5 {
		t.Errorf("extreme estimate = %+v, want fill 0 partial 0.5", huge)
	}

	a, b := NewExecQuality(42), NewExecQuality(42)
	if a.Estimate(features.Row{}, 5) != b.Estimate(features.Row{}, 5) {
		t.Error("same seed should give the same estimate")
	}
}

func TestHealthTracker(t *testing.T) {
	h := NewHealthTracker(20)
	if s := h.Score(); !near(s.Health, 0.3+0.3+0.1+0.1) {
		t.Errorf("empty health = %v, want 0.8", s.Health)
	}

	h.Update(100, nil)
	h.Update(110, map[string]float64{"a": 1})
	s := h.Score()
	if s.Reputation["a"] != 1 {
		t.Errorf("reputation after gain = %v, want clamped 1", s.Reputation["a"])
	}

	h.Update(99, map[string]float64{"a": 1})
	s = h.Score()
	if !near(s.Drawdown, (99.0-110.0)/110.0) {
		t.Errorf("drawdown = %v", s.Drawdown)
	}
	if s.Reputation["a"] != 0 {
		t.Errorf("reputation after loss = %v, want 0", s.Reputation["a"])
	}
	if s.Health < 0 || s.Health > 1 {
		t.Errorf("health = %v, want in [0,1]", s.Health)
	}
	if h.Len() != 3 {
		t.Errorf("Len = %d, want 3", h.Len())
	}
}

func TestReputationDecay(t *testing.T) {
	r := NewReputation()
	r.Update(map[string]float64{"x": 0.5}, 0)
	if got := r.Get("x"); !near(got, 0.475) {
		t.Errorf("decayed = %v, want 0.475", got)
	}
	if got := r.Get("unseen"); got != 0.5 {
		t.Errorf("unseen = %v, want 0.5", got)
	}
}

func TestBaselineCheck(t *testing.T) {
	r := DefaultBaselineRules()
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

	ok := Allocation{Symbol: "A", Score: -0.4, Confidence: 0.5, Qty: 10, Timestamp: now.Add(-5 * time.Second)}
	if v := r.Check(ok, now); len(v) != 0 {
		t.Errorf("violations = %v, want none", v)
	}

	bad := Allocation{Symbol: "A", Score: 2, Confidence: 0.01, Qty: 20_000, Timestamp: now.Add(-time.Minute)}
	if v := r.Check(bad, now.Add(10*time.Hour)); len(v) != 5 {
		t.Errorf("violations = %v, want 5", v)
	}

	// End hour is inclusive.
	if v := r.Check(ok, time.Date(2025, 1, 2, 15, 59, 0, 0, time.UTC)); len(v) != 1 || v[0] != "stale_signal" {
		t.Errorf("violations at 15:59 = %v, want only stale_signal", v)
	}
}

func TestGovernanceLogConcurrent(t *testing.T) {
	g := NewGovernanceLog()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Push(Event{Stage: StageOrder})
			}
		}()
	}
	wg.Wait()
	if g.Len() != 800 {
		t.Fatalf("Len = %d, want 800", g.Len())
	}
	if n := len(g.Flush()); n != 800 {
		t.Errorf("Flush = %d, want 800", n)
	}
	if g.Len() != 0 {
		t.Error("log should be empty after flush")
	}
}

func TestPostureTrackerRecordsTransitions(t *testing.T) {
	var tr PostureTracker
	if _, changed := tr.Observe(time.Time{}, PostureNormal, PostureScores{}); changed {
		t.Error("NORMAL -> NORMAL is not a transition")
	}
	tr.Observe(time.Time{}, PostureAlert, PostureScores{Anomaly: 0.8})
	tr.Observe(time.Time{}, PostureNormal, PostureScores{})
	h := tr.History()
	if len(h) != 2 || h[0].To != PostureAlert || h[1].From != PostureAlert {
		t.Errorf("history = %+v", h)
	}
}
