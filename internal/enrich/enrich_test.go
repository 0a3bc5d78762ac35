package enrich

import (
	"testing"

	"ultrashort/internal/model"
)

func TestEnrich_Hammer(t *testing.T) {
	e := Enrich(model.Candle{InstrumentID: "A", Open: 100, Close: 102, High: 103, Low: 90, Volume: 10, VolumePriceSum: 1018})

	if e.Body != 2 {
		t.Errorf("body: got %v, want 2", e.Body)
	}
	if e.UpperShadow != 1 {
		t.Errorf("upper shadow: got %v, want 1", e.UpperShadow)
	}
	if e.LowerShadow != 10 {
		t.Errorf("lower shadow: got %v, want 10", e.LowerShadow)
	}
	if e.Mid != 101 {
		t.Errorf("mid: got %v, want 101", e.Mid)
	}
	if e.VWAP != 101.8 {
		t.Errorf("vwap: got %v, want 101.8", e.VWAP)
	}
	if !e.IsBullish || e.IsBearish {
		t.Errorf("expected bullish, got bullish=%v bearish=%v", e.IsBullish, e.IsBearish)
	}
}

func TestEnrich_Bearish(t *testing.T) {
	e := Enrich(model.Candle{Open: 110, Close: 104, High: 112, Low: 101, Volume: 1, VolumePriceSum: 104})

	if e.Body != 6 || e.UpperShadow != 2 || e.LowerShadow != 3 {
		t.Errorf("unexpected shape: %+v", e)
	}
	if e.Mid != 107 {
		t.Errorf("mid: got %v, want 107", e.Mid)
	}
	if e.IsBullish || !e.IsBearish {
		t.Error("expected bearish")
	}
}

func TestEnrich_DojiIsBearish(t *testing.T) {
	e := Enrich(model.Candle{Open: 50, Close: 50, High: 51, Low: 49, Volume: 1, VolumePriceSum: 50})
	if e.IsBullish || !e.IsBearish {
		t.Error("close == open must not be bullish")
	}
	if e.Body != 0 {
		t.Errorf("body: got %v, want 0", e.Body)
	}
}

func TestEnrich_RoundsToTwoDecimals(t *testing.T) {
	e := Enrich(model.Candle{Open: 100.123, Close: 100.456, High: 100.999, Low: 99.001, Volume: 3, VolumePriceSum: 301})

	if e.Body != 0.33 {
		t.Errorf("body: got %v, want 0.33", e.Body)
	}
	if e.UpperShadow != 0.54 {
		t.Errorf("upper: got %v, want 0.54", e.UpperShadow)
	}
	if e.LowerShadow != 1.12 {
		t.Errorf("lower: got %v, want 1.12", e.LowerShadow)
	}
	if e.VWAP != 100.33 {
		t.Errorf("vwap: got %v, want 100.33", e.VWAP)
	}
	if e.Mid != 100.29 {
		t.Errorf("mid: got %v, want 100.29", e.Mid)
	}
}

func TestEnrich_ZeroVolumeUsesClose(t *testing.T) {
	e := Enrich(model.Candle{Open: 10, Close: 11, High: 11, Low: 10})
	if e.VWAP != 11 {
		t.Errorf("vwap: got %v, want close 11", e.VWAP)
	}
}

func TestEnrich_Idempotent(t *testing.T) {
	once := Enrich(model.Candle{InstrumentID: "A", BucketStart: 60_000, Open: 99.87, Close: 98.21, High: 100.4, Low: 97.35, Volume: 7, VolumePriceSum: 690.3, Ticks: 7})
	twice := Reenrich(once)

	if once != twice {
		t.Errorf("enrich is not idempotent:\n once=%+v\ntwice=%+v", once, twice)
	}
}

func TestRound2(t *testing.T) {
	cases := map[float64]float64{
		110.00000000000001: 110,
		1.005:              1.01,
		-2.345:             -2.35,
		112.2:              112.2,
	}
	for in, want := range cases {
		if got := Round2(in); got != want {
			t.Errorf("Round2(%v) = %v, want %v", in, got, want)
		}
	}
}
