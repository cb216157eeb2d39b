package features

import (
	"math"
	"testing"

	"github.com/uhyunpark/atsim/pkg/app/core/market"
)

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestComputeFlatSeries(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100
	}
	row := Compute(closes)
	if row.RV5 != 0 || row.RV60 != 0 || row.Entropy != 0 || row.Trend != 0 {
		t.Errorf("flat series should have no dispersion: %+v", row)
	}
	if !near(row.MACDHist, 0, 1e-12) {
		t.Errorf("MACDHist = %v, want 0", row.MACDHist)
	}
	if row.MAFast != 100 || row.MASlow != 100 {
		t.Errorf("MA = %v/%v, want 100/100", row.MAFast, row.MASlow)
	}
}

func TestComputeUptrend(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	row := Compute(closes)
	if row.Trend <= 0 {
		t.Errorf("Trend = %v, want > 0", row.Trend)
	}
	if row.Return60 <= 0 || row.Return1 <= 0 {
		t.Errorf("returns should be positive: r1=%v r60=%v", row.Return1, row.Return60)
	}
	if row.MACDHist == 0 {
		t.Error("MACDHist should be non-zero while the EMAs converge")
	}
	if want := 179.0/178.0 - 1; !near(row.Return1, want, 1e-12) {
		t.Errorf("Return1 = %v, want %v", row.Return1, want)
	}
}

func TestComputeShortHistory(t *testing.T) {
	if row := Compute(nil); row != (Row{}) {
		t.Errorf("empty = %+v, want zero", row)
	}
	row := Compute([]float64{50})
	if row.Close != 50 || row.Return1 != 0 || row.RV5 != 0 {
		t.Errorf("single close row = %+v", row)
	}
}

func TestStdDevPopulation(t *testing.T) {
	got := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if !near(got, 2, 1e-12) {
		t.Errorf("StdDev = %v, want 2", got)
	}
}

func TestEntropyBounds(t *testing.T) {
	uniform := make([]float64, 100)
	for i := range uniform {
		uniform[i] = float64(i % 10)
	}
	if got := Entropy(uniform, 10); !near(got, 1, 1e-9) {
		t.Errorf("uniform entropy = %v, want 1", got)
	}

	concentrated := []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	if got := Entropy(concentrated, 10); got <= 0 || got >= 0.5 {
		t.Errorf("concentrated entropy = %v, want in (0, 0.5)", got)
	}
}

func TestFromBarsCarriesSymbol(t *testing.T) {
	bars := market.Synthetic("AAPL", 40, 100)
	row := FromBars(bars)
	if row.Symbol != "AAPL" || row.Samples != 40 {
		t.Errorf("row = %+v", row)
	}
	if row.Close != bars[len(bars)-1].Close || row.Volume != bars[len(bars)-1].Volume {
		t.Errorf("row close/volume mismatch")
	}
}
