package params

import (
	"os"
	"path/filepath"
	"testing"
)

// Points .env loading at a file that does not exist.
func noDotEnv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("ATS_STARTING_CASH", "250000")
	t.Setenv("ATS_ENABLE_RISK", "false")
	t.Setenv("ATS_ENGINE", "simulated")
	t.Setenv("ATS_EXEC_SEED", "42")
	t.Setenv("ATS_API_ORIGINS", "http://a, http://b")

	cfg, err := LoadFromEnv(noDotEnv(t))
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Portfolio.StartingCash != 250_000 {
		t.Errorf("StartingCash = %v, want 250000", cfg.Portfolio.StartingCash)
	}
	if cfg.Backtest.EnableRisk {
		t.Error("EnableRisk = true, want false")
	}
	if cfg.Engine != "simulated" || cfg.Execution.Seed != 42 {
		t.Errorf("engine = %q seed = %d", cfg.Engine, cfg.Execution.Seed)
	}
	if len(cfg.API.AllowedOrigins) != 2 || cfg.API.AllowedOrigins[1] != "http://b" {
		t.Errorf("origins = %v", cfg.API.AllowedOrigins)
	}
}

func TestYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atsim.yaml")
	yml := "portfolio:\n  starting_cash: 50000\n  fees:\n    fee_bps: 1.5\nrisk:\n  max_single_order_notional: 1234\nstorage:\n  runs_dir: out\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv("ATS_STARTING_CASH", "75000")

	cfg, err := LoadFromEnv(noDotEnv(t))
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Portfolio.StartingCash != 75_000 {
		t.Errorf("StartingCash = %v, env should win", cfg.Portfolio.StartingCash)
	}
	if cfg.Portfolio.Fees.Bps != 1.5 || cfg.Risk.MaxSingleOrderNotional != 1234 || cfg.Storage.RunsDir != "out" {
		t.Errorf("yaml not applied: fees=%v notional=%v runs=%q", cfg.Portfolio.Fees.Bps, cfg.Risk.MaxSingleOrderNotional, cfg.Storage.RunsDir)
	}
	// Untouched keys keep defaults.
	if cfg.API.Addr != ":8080" {
		t.Errorf("API.Addr = %q", cfg.API.Addr)
	}
}

func TestInvalidEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"ATS_STARTING_CASH", "lots"},
		{"ATS_BAR_LIMIT", "1.5"},
		{"ATS_ENGINE", "warp"},
		{"ATS_STARTING_CASH", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(EnvConfigFile, "")
			t.Setenv(tt.key, tt.value)
			if _, err := LoadFromEnv(noDotEnv(t)); err == nil {
				t.Errorf("LoadFromEnv accepted %s=%s", tt.key, tt.value)
			}
		})
	}
}
