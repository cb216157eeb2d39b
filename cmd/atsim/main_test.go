package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// isolate points every file the CLI touches into a temp dir.
func isolate(t *testing.T) (dir string) {
	t.Helper()
	dir = t.TempDir()
	t.Setenv("ATS_CONFIG_FILE", "")
	t.Setenv("ATS_KILL_SWITCH", "")
	t.Setenv("ATS_IGNORE_KILL_SWITCH", "")
	t.Setenv("ATS_KILL_SWITCH_FILE", filepath.Join(dir, "KILL_SWITCH"))
	t.Setenv("ATS_LOG_FILE", filepath.Join(dir, "atsim.log"))
	t.Setenv("ATS_LOG_LEVEL", "error")
	t.Setenv("ATS_WAL_PATH", filepath.Join(dir, "governance.wal"))
	t.Setenv("ATS_REDIS_ADDR", "")
	return dir
}

func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env", filepath.Join(dir, "missing.env")))
	err := cmd.Execute()
	return out.String(), err
}

func TestBacktestCommand(t *testing.T) {
	dir := isolate(t)
	runs := filepath.Join(dir, "runs")
	out, err := execute(t, dir, "backtest", "--symbol", "SPY", "--days", "60",
		"--out", runs, "--db", filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("backtest: %v\n%s", err, out)
	}
	for _, want := range []string{
		"Backtest complete.",
		"Trades executed:",
		"Risk manager evaluated 60 bars.",
		"Orders blocked by risk:",
		"Final portfolio snapshot:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	entries, err := os.ReadDir(runs)
	if err != nil || len(entries) != 1 {
		t.Fatalf("runs dir entries = %v, err = %v", entries, err)
	}
	if _, err := os.Stat(filepath.Join(runs, entries[0].Name(), "manifest.json")); err != nil {
		t.Errorf("manifest missing: %v", err)
	}
}

func TestBacktestEnsembleNoRisk(t *testing.T) {
	dir := isolate(t)
	out, err := execute(t, dir, "backtest", "--symbol", "QQQ", "--days", "80", "--no-risk",
		"--strategy", "ensemble", "--strategies", "momentum,swing", "--engine", "simulated",
		"--out", filepath.Join(dir, "runs"), "--db", filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("backtest: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Backtest complete.") {
		t.Errorf("output:\n%s", out)
	}
	if strings.Contains(out, "Risk manager evaluated") {
		t.Errorf("risk lines printed with --no-risk:\n%s", out)
	}
}

func TestBacktestArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing symbol", []string{"backtest"}},
		{"bad strategy", []string{"backtest", "--symbol", "SPY", "--strategy", "rsi"}},
		{"unknown signal", []string{"backtest", "--symbol", "SPY", "--strategy", "ensemble", "--strategies", "astrology"}},
		{"bad days", []string{"backtest", "--symbol", "SPY", "--days", "0"}},
		{"bad engine", []string{"backtest", "--symbol", "SPY", "--engine", "warp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			args := append(tt.args, "--out", filepath.Join(dir, "runs"), "--db", filepath.Join(dir, "runs.db"))
			if _, err := execute(t, dir, args...); err == nil {
				t.Errorf("%v succeeded, want error", tt.args)
			}
		})
	}
}

func TestKillSwitchCommands(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "KILL_SWITCH")

	if out, err := execute(t, dir, "killswitch", "enable", "--reason", "drill"); err != nil {
		t.Fatalf("enable: %v\n%s", err, out)
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), "reason=drill") {
		t.Fatalf("switch file = %q, err = %v", data, err)
	}

	out, err := execute(t, dir, "killswitch", "status")
	if err != nil || !strings.Contains(out, `"engaged": true`) {
		t.Errorf("status = %s, err = %v", out, err)
	}

	// An engaged switch stops the backtest on its first bar.
	out, err = execute(t, dir, "backtest", "--symbol", "SPY", "--days", "30",
		"--out", filepath.Join(dir, "runs"), "--db", filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("backtest: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Trades executed: 0") {
		t.Errorf("engaged run traded:\n%s", out)
	}

	if _, err := execute(t, dir, "killswitch", "disable"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("switch file still present: %v", err)
	}
}
