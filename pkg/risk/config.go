package risk

import (
	"fmt"
	"math"
)

// Config parameterizes order evaluation. Exposure fractions apply to the
// capital-for-limits: the principal floor, plus profit equity once the
// portfolio is in aggressive mode.
type Config struct {
	MaxSingleOrderNotional float64 `json:"max_single_order_notional" yaml:"max_single_order_notional"`
	BaseCapital            float64 `json:"base_capital" yaml:"base_capital"`

	AggressiveProfitThreshold float64 `json:"aggressive_profit_threshold" yaml:"aggressive_profit_threshold"`

	MaxGrossPrincipalFrac  float64 `json:"max_gross_principal_frac" yaml:"max_gross_principal_frac"`
	MaxNetPrincipalFrac    float64 `json:"max_net_principal_frac" yaml:"max_net_principal_frac"`
	MaxGrossAggressiveFrac float64 `json:"max_gross_aggressive_frac" yaml:"max_gross_aggressive_frac"`
	MaxNetAggressiveFrac   float64 `json:"max_net_aggressive_frac" yaml:"max_net_aggressive_frac"`
	MaxSymbolFrac          float64 `json:"max_symbol_frac" yaml:"max_symbol_frac"`

	ExposureEpsilon      float64 `json:"exposure_epsilon" yaml:"exposure_epsilon"`
	FloorBreachTolerance float64 `json:"floor_breach_tolerance" yaml:"floor_breach_tolerance"`

	// Caps orders at a multiple of the latest allocation target for the symbol.
	EnforceAllocationLimits bool    `json:"enforce_allocation_limits" yaml:"enforce_allocation_limits"`
	AllocationOrderFrac     float64 `json:"allocation_order_frac" yaml:"allocation_order_frac"`

	// Baseline is optional; nil disables the hard gate.
	Baseline *BaselineRules `json:"baseline,omitempty" yaml:"baseline,omitempty"`

	Capital   CapitalConfig `json:"capital" yaml:"capital"`
	ExecSeed  int64         `json:"exec_seed" yaml:"exec_seed"`
	HealthWin int           `json:"health_window" yaml:"health_window"`
}

func DefaultConfig() Config {
	return Config{
		MaxSingleOrderNotional:    50_000,
		BaseCapital:               1_000_000,
		AggressiveProfitThreshold: 1_000,
		MaxGrossPrincipalFrac:     0.25,
		MaxNetPrincipalFrac:       0.25,
		MaxGrossAggressiveFrac:    1.0,
		MaxNetAggressiveFrac:      1.0,
		MaxSymbolFrac:             0.20,
		ExposureEpsilon:           1e-9,
		FloorBreachTolerance:      1e-6,
		AllocationOrderFrac:       1.25,
		Capital:                   DefaultCapitalConfig(),
		ExecSeed:                  7,
		HealthWin:                 20,
	}
}

func (c Config) Validate() error {
	positive := map[string]float64{
		"max_single_order_notional": c.MaxSingleOrderNotional,
		"base_capital":              c.BaseCapital,
		"max_gross_principal_frac":  c.MaxGrossPrincipalFrac,
		"max_net_principal_frac":    c.MaxNetPrincipalFrac,
		"max_gross_aggressive_frac": c.MaxGrossAggressiveFrac,
		"max_net_aggressive_frac":   c.MaxNetAggressiveFrac,
		"max_symbol_frac":           c.MaxSymbolFrac,
	}
	for name, v := range positive {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be positive: %v", name, v)
		}
	}
	if c.ExposureEpsilon < 0 || c.FloorBreachTolerance < 0 {
		return fmt.Errorf("tolerances cannot be negative: eps=%v floor_tol=%v", c.ExposureEpsilon, c.FloorBreachTolerance)
	}
	if c.EnforceAllocationLimits && !(c.AllocationOrderFrac > 0) {
		return fmt.Errorf("allocation_order_frac must be positive: %v", c.AllocationOrderFrac)
	}
	if c.Baseline != nil {
		if err := c.Baseline.Validate(); err != nil {
			return fmt.Errorf("baseline: %w", err)
		}
	}
	if err := c.Capital.Validate(); err != nil {
		return fmt.Errorf("capital: %w", err)
	}
	return nil
}
