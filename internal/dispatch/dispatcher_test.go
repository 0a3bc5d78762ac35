package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ultrashort/internal/history"
	"ultrashort/internal/indicator"
	"ultrashort/internal/marketdata/agg"
	"ultrashort/internal/marketdata/bus"
	"ultrashort/internal/model"
	"ultrashort/internal/pattern"
)

// passing satisfies all three gates for a close of 101.
var passing = indicator.Snapshot{RSI: 20, CurrentVolume: 1000, AvgVolume: 100, VWAP: 101, Source: "stub"}

type providerFunc func(ctx context.Context, h []model.EnrichedCandle) (indicator.Snapshot, error)

func (f providerFunc) Indicators(ctx context.Context, h []model.EnrichedCandle) (indicator.Snapshot, error) {
	return f(ctx, h)
}

func fixed(s indicator.Snapshot) indicator.Provider {
	return providerFunc(func(context.Context, []model.EnrichedCandle) (indicator.Snapshot, error) {
		return s, nil
	})
}

// ingestHammer feeds open 100, low 95, high 101.5, close 101 into bucket 0.
func ingestHammer(t *testing.T, a *agg.Aggregator, id string) {
	t.Helper()
	for i, p := range []float64{100, 95, 101.5, 101} {
		if !a.IngestTick(model.Tick{InstrumentID: id, Exchange: "NSE", Price: p, Volume: 10, TimestampMs: int64(i) * 1000}) {
			t.Fatalf("tick %v rejected", p)
		}
	}
}

func newDispatcher(p indicator.Provider) (*Dispatcher, *agg.Aggregator, *history.Store) {
	a := agg.New(agg.DefaultIntervalMs)
	h := history.New(history.DefaultRetention)
	d := New(Config{}, a, h, pattern.NewEngine(pattern.DefaultThresholds()), p)
	d.newID = func() string { return "sig-1" }
	return d, a, h
}

func TestCycle_HammerEmitsSignal(t *testing.T) {
	d, a, h := newDispatcher(fixed(passing))
	signals := bus.New[model.Signal](4)
	sigCh := signals.Subscribe("test")
	candles := bus.New[model.EnrichedCandle](4)
	candleCh := candles.Subscribe("test")
	d.Signals, d.Candles = signals, candles

	ingestHammer(t, a, "3045")
	now := time.UnixMilli(60_500)
	out := d.Cycle(context.Background(), now)

	if len(out) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(out))
	}
	want := model.Signal{
		ID:           "sig-1",
		InstrumentID: "3045",
		Exchange:     "NSE",
		Pattern:      string(pattern.Hammer),
		Action:       model.ActionBuy,
		OptionType:   model.OptionTypeCall,
		StopLoss:     95,
		EntryPrice:   101,
		Target:       111.1,
		CandleTS:     0,
		TimestampMs:  60_500,
	}
	if out[0] != want {
		t.Errorf("signal mismatch:\n got %+v\nwant %+v", out[0], want)
	}

	select {
	case s := <-sigCh:
		if s.ID != "sig-1" {
			t.Errorf("bus carried %+v", s)
		}
	default:
		t.Error("signal not published")
	}
	select {
	case c := <-candleCh:
		if c.Close != 101 || c.LowerShadow != 5 {
			t.Errorf("enriched candle wrong: %+v", c)
		}
	default:
		t.Error("candle not published")
	}
	if h.Len("3045") != 1 {
		t.Errorf("history len: got %d", h.Len("3045"))
	}
}

func TestCycle_OpenBucketNotFinalized(t *testing.T) {
	d, a, h := newDispatcher(fixed(passing))
	ingestHammer(t, a, "3045")

	if out := d.Cycle(context.Background(), time.UnixMilli(59_999)); len(out) != 0 {
		t.Fatalf("open bucket must not dispatch, got %v", out)
	}
	if a.OpenBuckets() != 1 || h.Len("3045") != 0 {
		t.Errorf("bucket should still be open: open=%d hist=%d", a.OpenBuckets(), h.Len("3045"))
	}

	// Second pass after the boundary finalizes it exactly once.
	if out := d.Cycle(context.Background(), time.UnixMilli(60_000)); len(out) != 1 {
		t.Fatalf("expected 1 signal after boundary, got %d", len(out))
	}
	if out := d.Cycle(context.Background(), time.UnixMilli(61_000)); len(out) != 0 {
		t.Fatalf("bucket dispatched twice")
	}
}

func TestCycle_GatesBlock(t *testing.T) {
	neutral := passing
	neutral.RSI = 50
	d, a, _ := newDispatcher(fixed(neutral))
	ingestHammer(t, a, "3045")

	if out := d.Cycle(context.Background(), time.UnixMilli(60_000)); len(out) != 0 {
		t.Fatalf("rsi 50 must not fire, got %v", out)
	}
}

func TestCycle_IndicatorErrorSkipsOnlyThatInstrument(t *testing.T) {
	p := providerFunc(func(_ context.Context, h []model.EnrichedCandle) (indicator.Snapshot, error) {
		if h[len(h)-1].InstrumentID == "A" {
			return indicator.Snapshot{}, errors.New("remote down")
		}
		return passing, nil
	})
	d, a, h := newDispatcher(p)
	var failed []string
	d.OnIndicatorError = func(id string, err error) { failed = append(failed, id) }

	ingestHammer(t, a, "A")
	ingestHammer(t, a, "B")
	out := d.Cycle(context.Background(), time.UnixMilli(60_000))

	if len(out) != 1 || out[0].InstrumentID != "B" {
		t.Fatalf("expected only B to signal, got %+v", out)
	}
	if len(failed) != 1 || failed[0] != "A" {
		t.Errorf("indicator error hook: %v", failed)
	}
	if h.Len("A") != 1 {
		t.Error("candle must still be retained when indicators fail")
	}
}

func TestCycle_PanicIsContained(t *testing.T) {
	p := providerFunc(func(_ context.Context, h []model.EnrichedCandle) (indicator.Snapshot, error) {
		if h[len(h)-1].InstrumentID == "A" {
			panic("bad provider")
		}
		return passing, nil
	})
	d, a, _ := newDispatcher(p)
	var panicked string
	d.OnPanic = func(id string, _ any) { panicked = id }

	ingestHammer(t, a, "A")
	ingestHammer(t, a, "B")
	out := d.Cycle(context.Background(), time.UnixMilli(60_000))

	if len(out) != 1 || out[0].InstrumentID != "B" {
		t.Fatalf("expected B to survive A's panic, got %+v", out)
	}
	if panicked != "A" {
		t.Errorf("OnPanic: got %q", panicked)
	}
}

func TestCycle_IndicatorTimeout(t *testing.T) {
	p := providerFunc(func(ctx context.Context, _ []model.EnrichedCandle) (indicator.Snapshot, error) {
		<-ctx.Done()
		return indicator.Snapshot{}, ctx.Err()
	})
	a := agg.New(agg.DefaultIntervalMs)
	d := New(Config{IndicatorTimeout: 20 * time.Millisecond}, a, history.New(5), pattern.NewEngine(pattern.DefaultThresholds()), p)
	var gotErr error
	d.OnIndicatorError = func(_ string, err error) { gotErr = err }

	ingestHammer(t, a, "3045")
	start := time.Now()
	d.Cycle(context.Background(), time.UnixMilli(60_000))

	if !errors.Is(gotErr, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", gotErr)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout not enforced")
	}
}

func TestCycle_OnCycleHook(t *testing.T) {
	d, a, _ := newDispatcher(fixed(passing))
	var finalized, emitted int
	d.OnCycle = func(f, s int, _ time.Duration) { finalized, emitted = f, s }

	ingestHammer(t, a, "A")
	a.Ingest("B", 50, 1000, 1)
	d.Cycle(context.Background(), time.UnixMilli(60_000))

	if finalized != 2 || emitted != 1 {
		t.Errorf("OnCycle: finalized=%d signals=%d", finalized, emitted)
	}
}

func TestProcess_LagAndIndicatorHooks(t *testing.T) {
	d, a, _ := newDispatcher(fixed(passing))
	var lag time.Duration
	fetches := 0
	d.OnFinalized = func(_ model.Candle, l time.Duration) { lag = l }
	d.OnIndicators = func(time.Duration) { fetches++ }

	ingestHammer(t, a, "3045")
	d.Cycle(context.Background(), time.UnixMilli(61_500))

	if lag != 1500*time.Millisecond {
		t.Errorf("lag = %v, want 1.5s", lag)
	}
	if fetches != 1 {
		t.Errorf("indicator fetches = %d", fetches)
	}
}

func TestRun(t *testing.T) {
	a := agg.New(agg.DefaultIntervalMs)
	d := New(Config{
		CycleInterval: 5 * time.Millisecond,
		Now:           func() time.Time { return time.UnixMilli(120_000) },
	}, a, history.New(5), pattern.NewEngine(pattern.DefaultThresholds()), fixed(passing))

	var count atomic.Int32
	d.OnSignal = func(model.Signal) { count.Add(1) }
	ingestHammer(t, a, "3045")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for count.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("Run never dispatched")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
	if count.Load() != 1 {
		t.Errorf("expected exactly one signal, got %d", count.Load())
	}
}
