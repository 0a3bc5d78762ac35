package indicator

import (
	"math"
	"testing"
)

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

// ────────────────────────────────────────────────────────────
// SMA
// ────────────────────────────────────────────────────────────

func TestSMA_Correctness_Period3(t *testing.T) {
	// (100+102+104)/3 = 102, (102+104+103)/3 = 103, (104+103+105)/3 = 104
	sma := NewSMA(3)
	prices := []float64{100, 102, 104, 103, 105}
	expected := []float64{0, 0, 102.0, 103.0, 104.0}
	ready := []bool{false, false, true, true, true}

	for i, p := range prices {
		sma.Update(p)
		if sma.Ready() != ready[i] {
			t.Errorf("value %d: Ready()=%v, want %v", i, sma.Ready(), ready[i])
		}
		if ready[i] {
			assertClose(t, "SMA(3)", sma.Value(), expected[i], 0.0001)
		}
	}
}

func TestSMA_MeanBeforeReady(t *testing.T) {
	sma := NewSMA(5)
	if sma.Mean() != 0 {
		t.Fatalf("empty mean should be 0, got %v", sma.Mean())
	}
	sma.Update(100)
	sma.Update(200)
	assertClose(t, "partial mean", sma.Mean(), 150, 1e-9)
	if sma.Ready() {
		t.Error("SMA(5) should not be ready after 2 values")
	}
}

// ────────────────────────────────────────────────────────────
// RSI Correctness (Wilder's Method)
// ────────────────────────────────────────────────────────────

func TestRSI_Correctness_Period5(t *testing.T) {
	// Deltas: +0.34 -0.25 -0.48 +0.72 +0.50
	// Seed: avgGain = 1.56/5 = 0.312, avgLoss = 0.73/5 = 0.146
	//   RSI = 100 - 100/(1+2.13699) = 68.112
	// 45.10: avgGain 0.3036 avgLoss 0.1168 → 72.219
	// 45.42: avgGain 0.30688 avgLoss 0.09344 → 76.658
	// 45.84: avgGain 0.329504 avgLoss 0.074752 → 81.509
	prices := []float64{44, 44.34, 44.09, 43.61, 44.33, 44.83, 45.10, 45.42, 45.84}

	rsi := NewRSI(5)
	for i := 0; i <= 5; i++ {
		rsi.Update(prices[i])
	}
	if !rsi.Ready() {
		t.Fatal("RSI(5) should be ready after 6 closes")
	}
	assertClose(t, "RSI(5) close 6", rsi.Value(), 68.112, 0.1)

	rsi.Update(prices[6])
	assertClose(t, "RSI(5) close 7", rsi.Value(), 72.219, 0.1)
	rsi.Update(prices[7])
	assertClose(t, "RSI(5) close 8", rsi.Value(), 76.658, 0.1)
	rsi.Update(prices[8])
	assertClose(t, "RSI(5) close 9", rsi.Value(), 81.509, 0.2)
}

func TestRSI_AllUp_Is100(t *testing.T) {
	rsi := NewRSI(5)
	for i := 0; i < 10; i++ {
		rsi.Update(100 + float64(i))
	}
	assertClose(t, "RSI all up", rsi.Value(), 100.0, 0.001)
}

func TestRSI_AllDown_Is0(t *testing.T) {
	rsi := NewRSI(5)
	for i := 0; i < 10; i++ {
		rsi.Update(200 - float64(i))
	}
	assertClose(t, "RSI all down", rsi.Value(), 0.0, 0.001)
}

func TestRSI_Flat_Is100(t *testing.T) {
	// avgLoss == 0 reports 100 regardless of avgGain.
	rsi := NewRSI(5)
	for i := 0; i < 10; i++ {
		rsi.Update(100)
	}
	assertClose(t, "RSI flat", rsi.Value(), 100.0, 0.001)
}

func TestRSI_ValueOrBeforeReady(t *testing.T) {
	rsi := NewRSI(14)
	for i := 0; i < 14; i++ {
		rsi.Update(100 - float64(i))
	}
	if rsi.Ready() {
		t.Fatal("RSI(14) should need 15 closes")
	}
	if rsi.ValueOr(NeutralRSI) != NeutralRSI {
		t.Errorf("expected neutral default, got %v", rsi.ValueOr(NeutralRSI))
	}
	rsi.Update(80)
	if rsi.ValueOr(NeutralRSI) != 0 {
		t.Errorf("all-down RSI should be 0, got %v", rsi.ValueOr(NeutralRSI))
	}
}

func TestRSIOf(t *testing.T) {
	if got := RSIOf(14, []float64{1, 2, 3}); got != NeutralRSI {
		t.Errorf("short series: got %v, want %v", got, NeutralRSI)
	}
	if got := RSIOf(14, nil); got != NeutralRSI {
		t.Errorf("empty series: got %v", got)
	}
	down := make([]float64, 20)
	for i := range down {
		down[i] = 200 - float64(i)
	}
	if got := RSIOf(14, down); got >= 30 {
		t.Errorf("falling series should be oversold, got %v", got)
	}
}

func TestSMA_TrendOrdering(t *testing.T) {
	sma5 := NewSMA(5)
	sma20 := NewSMA(20)
	for i := 0; i < 30; i++ {
		p := 200 - float64(i)
		sma5.Update(p)
		sma20.Update(p)
	}
	if sma5.Value() >= sma20.Value() {
		t.Errorf("SMA(5) should be < SMA(20) in downtrend: %.2f vs %.2f", sma5.Value(), sma20.Value())
	}
}
