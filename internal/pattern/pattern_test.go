package pattern

import (
	"testing"

	"ultrashort/internal/enrich"
	"ultrashort/internal/model"
)

func bar(o, h, l, c float64) model.EnrichedCandle {
	return enrich.Enrich(model.Candle{InstrumentID: "A", Open: o, High: h, Low: l, Close: c, Volume: 1, VolumePriceSum: c})
}

// gated builds a context whose gates all pass for the last candle's close.
func gated(candles ...model.EnrichedCandle) Context {
	return Context{
		Candles:       candles,
		RSI:           25,
		CurrentVolume: 200,
		AvgVolume:     100,
		VWAP:          candles[len(candles)-1].Close,
	}
}

func evaluatorFor(t *testing.T, name Name) Evaluator {
	t.Helper()
	for _, ev := range Library() {
		if ev.Name() == name {
			return ev
		}
	}
	t.Fatalf("no evaluator named %q", name)
	return nil
}

var firing = []struct {
	name    Name
	candles []model.EnrichedCandle
	stop    float64
}{
	{TweezerBottom, []model.EnrichedCandle{bar(105, 106, 99, 100), bar(100, 104, 99, 103)}, 99},
	{BullishEngulfing, []model.EnrichedCandle{bar(102, 103, 99.5, 100), bar(100, 105.5, 99.8, 105)}, 99.8},
	{Hammer, []model.EnrichedCandle{bar(100, 103, 90, 102)}, 90},
	{PiercingLine, []model.EnrichedCandle{bar(110, 111, 103, 104), bar(102, 108.5, 101.5, 108)}, 101.5},
	{MorningStar, []model.EnrichedCandle{bar(110, 111, 99, 100), bar(99, 100, 98, 99.5), bar(100, 106.5, 99.8, 106)}, 98},
	{InvertedHammer, []model.EnrichedCandle{bar(100, 104, 99.8, 101)}, 99.8},
	{ThreeWhiteSoldiers, []model.EnrichedCandle{bar(100, 101.2, 99.9, 101), bar(101, 102.2, 100.9, 102), bar(102, 103.2, 101.9, 103)}, 101.9},
	{BullishHarami, []model.EnrichedCandle{bar(110, 111, 99, 100), bar(99.5, 101.2, 99.4, 101)}, 99.4},
	{RisingThree, []model.EnrichedCandle{
		bar(105, 106, 99, 100),
		bar(100, 101.5, 99.5, 101),
		bar(101, 102.5, 100.5, 102),
		bar(102, 103.5, 101.5, 103),
		bar(103, 104.5, 102.5, 104),
	}, 102.5},
}

func TestLibrary_FixedOrder(t *testing.T) {
	want := []Name{TweezerBottom, BullishEngulfing, Hammer, PiercingLine, MorningStar, InvertedHammer, ThreeWhiteSoldiers, BullishHarami, RisingThree}
	got := NewEngine(DefaultThresholds()).Names()
	if len(got) != len(want) {
		t.Fatalf("expected %d evaluators, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEvaluators_Fire(t *testing.T) {
	th := DefaultThresholds()
	for _, tc := range firing {
		ev := evaluatorFor(t, tc.name)
		r := ev.Evaluate(gated(tc.candles...), th)
		if !r.Fired() {
			t.Errorf("%s: expected Buy, got NoSignal", tc.name)
			continue
		}
		if r.Pattern != tc.name {
			t.Errorf("%s: wrong pattern %q", tc.name, r.Pattern)
		}
		if r.StopLoss != tc.stop {
			t.Errorf("%s: stop-loss got %v, want %v", tc.name, r.StopLoss, tc.stop)
		}
	}
}

func TestEvaluators_InsufficientHistory(t *testing.T) {
	th := DefaultThresholds()
	for _, tc := range firing {
		ev := evaluatorFor(t, tc.name)
		short := tc.candles[1:]
		ctx := Context{Candles: short, RSI: 1, CurrentVolume: 1e9, AvgVolume: 1, VWAP: 100}
		if r := ev.Evaluate(ctx, th); r.Fired() {
			t.Errorf("%s fired with %d of %d candles", tc.name, len(short), ev.Required())
		}
	}
}

func TestEvaluators_UseTrailingWindow(t *testing.T) {
	th := DefaultThresholds()
	// Older candles ahead of the pattern must not change the outcome.
	prefix := []model.EnrichedCandle{bar(50, 51, 49, 50.5), bar(60, 61, 55, 56)}
	for _, tc := range firing {
		ev := evaluatorFor(t, tc.name)
		candles := append(append([]model.EnrichedCandle{}, prefix...), tc.candles...)
		if r := ev.Evaluate(gated(candles...), th); !r.Fired() || r.StopLoss != tc.stop {
			t.Errorf("%s: got %+v with leading history", tc.name, r)
		}
	}
}

func TestHammer_Scenario(t *testing.T) {
	engine := NewEngine(DefaultThresholds())
	c := bar(100, 103, 90, 102)

	ctx := Context{Candles: []model.EnrichedCandle{c}, RSI: 25, CurrentVolume: 200, AvgVolume: 100, VWAP: 101.8}
	r := engine.Evaluate(ctx)
	if !r.Fired() || r.Pattern != Hammer || r.StopLoss != 90 {
		t.Fatalf("expected Hammer BUY stop 90, got %+v", r)
	}

	ctx.RSI = 45
	if r := engine.Evaluate(ctx); r.Fired() {
		t.Fatalf("rsi 45 is not oversold, got %+v", r)
	}
}

func TestGates_EachRequired(t *testing.T) {
	engine := NewEngine(DefaultThresholds())
	c := bar(100, 103, 90, 102)
	base := Context{Candles: []model.EnrichedCandle{c}, RSI: 25, CurrentVolume: 200, AvgVolume: 100, VWAP: 101.8}

	cases := []struct {
		name string
		mod  func(*Context)
	}{
		{"rsi at threshold", func(c *Context) { c.RSI = 30 }},
		{"volume at 1.5x", func(c *Context) { c.CurrentVolume = 150 }},
		{"vwap too far", func(c *Context) { c.VWAP = 100 }},
		{"vwap zero", func(c *Context) { c.VWAP = 0 }},
		{"vwap negative", func(c *Context) { c.VWAP = -102 }},
	}
	for _, tc := range cases {
		ctx := base
		tc.mod(&ctx)
		if r := engine.Evaluate(ctx); r.Fired() {
			t.Errorf("%s: expected NoSignal, got %+v", tc.name, r)
		}
	}
}

func TestThresholds_Predicates(t *testing.T) {
	th := DefaultThresholds()
	if !th.Oversold(29.99) || th.Oversold(30) {
		t.Error("oversold boundary wrong")
	}
	if !th.VolumeSpike(151, 100) || th.VolumeSpike(150, 100) {
		t.Error("volume spike boundary wrong")
	}
	if !th.NearVWAP(100.4, 100) || th.NearVWAP(100.5, 100) {
		t.Error("near vwap boundary wrong")
	}
}

func TestEngine_FirstMatchWins(t *testing.T) {
	// Three bullish candles whose last is also a hammer: both Hammer and
	// Three White Soldiers hold, Hammer ranks first.
	candles := []model.EnrichedCandle{
		bar(100, 101.2, 99.9, 101),
		bar(101, 103.2, 100.9, 103),
		bar(103, 105.5, 98, 105),
	}
	ctx := gated(candles...)

	soldiers := evaluatorFor(t, ThreeWhiteSoldiers).Evaluate(ctx, DefaultThresholds())
	if !soldiers.Fired() {
		t.Fatal("setup: three white soldiers should hold on its own")
	}

	r := NewEngine(DefaultThresholds()).Evaluate(ctx)
	if r.Pattern != Hammer {
		t.Fatalf("expected Hammer to win the tie-break, got %+v", r)
	}

	reversed := NewEngineWith(DefaultThresholds(), evaluatorFor(t, ThreeWhiteSoldiers), evaluatorFor(t, Hammer))
	if r := reversed.Evaluate(ctx); r.Pattern != ThreeWhiteSoldiers {
		t.Fatalf("custom order should pick Three White Soldiers, got %+v", r)
	}
}

func TestEngine_EngulfingBeatsHammer(t *testing.T) {
	candles := []model.EnrichedCandle{bar(104, 104.2, 102.9, 103), bar(100, 103, 90, 102)}
	ctx := Context{Candles: candles, RSI: 25, CurrentVolume: 200, AvgVolume: 100, VWAP: 101.8}

	r := NewEngine(DefaultThresholds()).Evaluate(ctx)
	if r.Pattern != BullishEngulfing || r.StopLoss != 90 {
		t.Fatalf("expected Bullish Engulfing stop 90, got %+v", r)
	}
}

func TestEngine_NoCandles(t *testing.T) {
	r := NewEngine(DefaultThresholds()).Evaluate(Context{RSI: 1, CurrentVolume: 10, AvgVolume: 1, VWAP: 1})
	if r.Fired() || r.Kind != NoSignal {
		t.Fatalf("expected NoSignal, got %+v", r)
	}
}

func TestEngine_MaxRequired(t *testing.T) {
	if n := NewEngine(DefaultThresholds()).MaxRequired(); n != 5 {
		t.Errorf("expected 5, got %d", n)
	}
}
