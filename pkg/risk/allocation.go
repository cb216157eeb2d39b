package risk

import (
	"fmt"
	"math"
	"sort"
)

// CapitalConfig bounds the RM3 allocator. Fractions are of base capital.
type CapitalConfig struct {
	MaxSymbolFrac         float64 `json:"max_symbol_frac" yaml:"max_symbol_frac"`
	MaxGrossFrac          float64 `json:"max_gross_frac" yaml:"max_gross_frac"`
	MaxNetFrac            float64 `json:"max_net_frac" yaml:"max_net_frac"`
	MaxStrategyFrac       float64 `json:"max_strategy_frac" yaml:"max_strategy_frac"`
	MinSymbolStrategyFrac float64 `json:"min_symbol_strategy_frac" yaml:"min_symbol_strategy_frac"`
	MinAbsWeight          float64 `json:"min_abs_weight" yaml:"min_abs_weight"`
	AllowShort            bool    `json:"allow_short" yaml:"allow_short"`
	NormalizeToUnitGross  bool    `json:"normalize_to_unit_gross" yaml:"normalize_to_unit_gross"`
}

func DefaultCapitalConfig() CapitalConfig {
	return CapitalConfig{
		MaxSymbolFrac:         0.25,
		MaxGrossFrac:          2.0,
		MaxNetFrac:            1.0,
		MaxStrategyFrac:       0.60,
		MinSymbolStrategyFrac: 0.05,
		AllowShort:            true,
		NormalizeToUnitGross:  true,
	}
}

func (c CapitalConfig) Validate() error {
	if !(c.MaxSymbolFrac > 0) || !(c.MaxGrossFrac > 0) || !(c.MaxNetFrac > 0) {
		return fmt.Errorf("symbol/gross/net fractions must be positive: %v/%v/%v", c.MaxSymbolFrac, c.MaxGrossFrac, c.MaxNetFrac)
	}
	if !(c.MaxStrategyFrac > 0 && c.MaxStrategyFrac <= 1) {
		return fmt.Errorf("max_strategy_frac must be in (0, 1]: %v", c.MaxStrategyFrac)
	}
	if c.MinSymbolStrategyFrac < 0 || c.MinSymbolStrategyFrac > 1 {
		return fmt.Errorf("min_symbol_strategy_frac must be in [0, 1]: %v", c.MinSymbolStrategyFrac)
	}
	if c.MinAbsWeight < 0 {
		return fmt.Errorf("min_abs_weight cannot be negative: %v", c.MinAbsWeight)
	}
	return nil
}

// Allocate converts allocations into constrained signed weights and dollars.
//
// Raw intent per symbol is direction*confidence*|score|*(1-risk_score). The
// vector is optionally normalized to unit gross, then limited in order by
// strategy concentration, shorting, the min-weight cutoff, the per-symbol
// cap, the gross cap and the net cap. Symbols with zero weight are dropped.
// The result is sorted by symbol.
func Allocate(cfg CapitalConfig, allocs []Allocation, preds map[string]Prediction, baseCapital float64) []Allocation {
	merged := make(map[string]*Allocation)
	raw := make(map[string]float64)
	for _, a := range allocs {
		if a.Symbol == "" {
			continue
		}
		risk := preds[a.Symbol].RiskScore
		signed := a.Direction() * clamp01(a.Confidence) * math.Abs(a.Score) * (1 - risk)
		if signed == 0 || !finite(signed) {
			continue
		}
		raw[a.Symbol] += signed
		if m, ok := merged[a.Symbol]; ok {
			for k, v := range a.StrategyBreakdown {
				m.StrategyBreakdown[k] += v
			}
			continue
		}
		cp := a
		cp.StrategyBreakdown = make(map[string]float64, len(a.StrategyBreakdown))
		for k, v := range a.StrategyBreakdown {
			cp.StrategyBreakdown[k] = v
		}
		merged[a.Symbol] = &cp
	}
	if len(raw) == 0 {
		return nil
	}

	w := raw
	if cfg.NormalizeToUnitGross {
		gross := grossOf(raw)
		w = make(map[string]float64, len(raw))
		for s, v := range raw {
			w[s] = v / gross
		}
	}

	w = limitStrategyConcentration(cfg, w, merged)
	w = applyExposureRules(cfg, w)

	symbols := make([]string, 0, len(w))
	for s := range w {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := make([]Allocation, 0, len(symbols))
	for _, s := range symbols {
		a := *merged[s]
		a.Weight = w[s]
		a.Dollars = w[s] * baseCapital
		out = append(out, a)
	}
	return out
}

// limitStrategyConcentration scales down symbols whose contributing strategy
// holds more than MaxStrategyFrac of gross weight. Contributions below
// MinSymbolStrategyFrac are not scaled.
func limitStrategyConcentration(cfg CapitalConfig, w map[string]float64, allocs map[string]*Allocation) map[string]float64 {
	gross := grossOf(w)
	if gross <= 0 {
		return w
	}
	capW := cfg.MaxStrategyFrac * gross

	exposure := make(map[string]float64)
	fracs := make(map[string]map[string]float64)
	for sym, v := range w {
		a, ok := allocs[sym]
		if !ok {
			continue
		}
		f := normalizeAbs(a.StrategyBreakdown)
		if len(f) == 0 {
			continue
		}
		fracs[sym] = f
		for strat, frac := range f {
			exposure[strat] += math.Abs(v) * frac
		}
	}

	scale := make(map[string]float64, len(w))
	for strat, exp := range exposure {
		if exp <= capW {
			continue
		}
		s := capW / exp
		for sym, f := range fracs {
			frac, ok := f[strat]
			if !ok || frac < cfg.MinSymbolStrategyFrac {
				continue
			}
			if cur, ok := scale[sym]; !ok || s < cur {
				scale[sym] = s
			}
		}
	}
	if len(scale) == 0 {
		return w
	}

	out := make(map[string]float64, len(w))
	for sym, v := range w {
		if s, ok := scale[sym]; ok {
			v *= s
		}
		if v != 0 {
			out[sym] = v
		}
	}
	return out
}

func applyExposureRules(cfg CapitalConfig, in map[string]float64) map[string]float64 {
	w := make(map[string]float64, len(in))
	for s, v := range in {
		if !cfg.AllowShort && v < 0 {
			v = 0
		}
		if cfg.MinAbsWeight > 0 && math.Abs(v) < cfg.MinAbsWeight {
			continue
		}
		if math.Abs(v) > cfg.MaxSymbolFrac {
			v = math.Copysign(cfg.MaxSymbolFrac, v)
		}
		w[s] = v
	}

	if gross := grossOf(w); gross > cfg.MaxGrossFrac {
		k := cfg.MaxGrossFrac / gross
		for s := range w {
			w[s] *= k
		}
	}

	var net float64
	for _, v := range w {
		net += v
	}
	if math.Abs(net) > cfg.MaxNetFrac {
		k := cfg.MaxNetFrac / math.Abs(net)
		for s := range w {
			w[s] *= k
		}
	}

	for s, v := range w {
		if v == 0 {
			delete(w, s)
		}
	}
	return w
}

func normalizeAbs(breakdown map[string]float64) map[string]float64 {
	var total float64
	for _, v := range breakdown {
		total += math.Abs(v)
	}
	if total <= 0 {
		return nil
	}
	out := make(map[string]float64, len(breakdown))
	for k, v := range breakdown {
		if v != 0 {
			out[k] = math.Abs(v) / total
		}
	}
	return out
}

func grossOf(w map[string]float64) float64 {
	var g float64
	for _, v := range w {
		g += math.Abs(v)
	}
	return g
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
