// Package dispatch runs the finalize-and-evaluate cycle: finalized candles are
// enriched, appended to history, matched against the pattern library and any
// Buy result is published as a signal.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ultrashort/internal/enrich"
	"ultrashort/internal/history"
	"ultrashort/internal/indicator"
	"ultrashort/internal/logger"
	"ultrashort/internal/marketdata/agg"
	"ultrashort/internal/marketdata/bus"
	"ultrashort/internal/model"
	"ultrashort/internal/pattern"
)

const (
	DefaultCycleInterval    = time.Second
	DefaultIndicatorTimeout = 3 * time.Second
	DefaultTargetMultiplier = 1.10
)

// Config controls the dispatch cadence and signal construction.
type Config struct {
	CycleInterval    time.Duration
	IndicatorTimeout time.Duration
	TargetMultiplier float64
	Now              func() time.Time
}

func (c *Config) applyDefaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = DefaultCycleInterval
	}
	if c.IndicatorTimeout <= 0 {
		c.IndicatorTimeout = DefaultIndicatorTimeout
	}
	if c.TargetMultiplier <= 0 {
		c.TargetMultiplier = DefaultTargetMultiplier
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Dispatcher owns the path from a finalized candle to a published signal.
type Dispatcher struct {
	cfg      Config
	agg      *agg.Aggregator
	hist     *history.Store
	engine   *pattern.Engine
	provider indicator.Provider

	// Candles receives every enriched candle (optional).
	Candles *bus.FanOut[model.EnrichedCandle]
	// Signals receives every signal (optional).
	Signals *bus.FanOut[model.Signal]

	OnSignal         func(sig model.Signal)
	OnIndicatorError func(instrumentID string, err error)
	OnCycle          func(finalized, signals int, elapsed time.Duration)
	OnPanic          func(instrumentID string, recovered any)
	OnFinalized      func(c model.Candle, lag time.Duration) // lag past the bucket end
	OnIndicators     func(elapsed time.Duration)

	newID func() string
}

// New creates a Dispatcher. The aggregator, history store, engine and
// provider are shared with the rest of the process and not owned.
func New(cfg Config, a *agg.Aggregator, h *history.Store, e *pattern.Engine, p indicator.Provider) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:      cfg,
		agg:      a,
		hist:     h,
		engine:   e,
		provider: p,
		newID:    uuid.NewString,
	}
}

// Run calls Cycle on every CycleInterval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.CycleInterval)
	defer ticker.Stop()

	slog.Info("dispatcher started",
		"cycle", d.cfg.CycleInterval,
		"indicator_timeout", d.cfg.IndicatorTimeout,
		"patterns", len(d.engine.Names()),
	)
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.Cycle(ctx, d.cfg.Now())
		}
	}
}

// Cycle finalizes every bucket that closed before now and handles the
// resulting candles in (instrument, bucket) order. It returns the signals
// emitted during this pass.
func (d *Dispatcher) Cycle(ctx context.Context, now time.Time) []model.Signal {
	start := time.Now()
	finalized := d.agg.Finalize(now.UnixMilli())

	var out []model.Signal
	for _, c := range finalized {
		if ctx.Err() != nil {
			break
		}
		if sig, ok := d.Process(ctx, c, now); ok {
			out = append(out, sig)
		}
	}

	if d.OnCycle != nil {
		d.OnCycle(len(finalized), len(out), time.Since(start))
	}
	return out
}

// Process runs one finalized candle through enrich, history, indicators and
// the engine. A panic here is contained to the candle's instrument. Replay
// calls it directly with stored candles.
func (d *Dispatcher) Process(ctx context.Context, c model.Candle, now time.Time) (sig model.Signal, fired bool) {
	ctx = logger.WithTraceID(ctx, logger.CandleTraceID(c.InstrumentID, c.BucketStart))
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: recovered panic",
				append(logger.LogWithTrace(ctx), "instrument", c.InstrumentID, "panic", fmt.Sprint(r))...)
			if d.OnPanic != nil {
				d.OnPanic(c.InstrumentID, r)
			}
			sig, fired = model.Signal{}, false
		}
	}()

	if d.OnFinalized != nil {
		d.OnFinalized(c, now.Sub(time.UnixMilli(c.BucketStart+d.agg.IntervalMs())))
	}

	ec := enrich.Enrich(c)
	d.hist.Append(c.InstrumentID, ec)
	if d.Candles != nil {
		d.Candles.Publish(ec)
	}

	recent := d.hist.Recent(c.InstrumentID, d.hist.Retention())

	ictx, cancel := context.WithTimeout(ctx, d.cfg.IndicatorTimeout)
	fetchStart := time.Now()
	snap, err := d.provider.Indicators(ictx, recent)
	cancel()
	if d.OnIndicators != nil {
		d.OnIndicators(time.Since(fetchStart))
	}
	if err != nil {
		slog.Warn("dispatch: indicators unavailable, skipping",
			append(logger.LogWithTrace(ctx), "instrument", c.InstrumentID, "error", err)...)
		if d.OnIndicatorError != nil {
			d.OnIndicatorError(c.InstrumentID, err)
		}
		return model.Signal{}, false
	}

	res := d.engine.Evaluate(pattern.Context{
		Candles:       recent,
		RSI:           snap.RSI,
		CurrentVolume: snap.CurrentVolume,
		AvgVolume:     snap.AvgVolume,
		VWAP:          snap.VWAP,
	})
	if !res.Fired() {
		slog.Debug("dispatch: no pattern",
			append(logger.LogWithTrace(ctx), "instrument", c.InstrumentID, "rsi", snap.RSI, "history", len(recent))...)
		return model.Signal{}, false
	}

	sig = d.buildSignal(ec, res, now)
	slog.Info("signal",
		append(logger.LogWithTrace(ctx),
			"instrument", sig.InstrumentID,
			"pattern", sig.Pattern,
			"entry", sig.EntryPrice,
			"stop_loss", sig.StopLoss,
			"target", sig.Target,
			"indicators", snap.Source,
		)...)

	if d.Signals != nil {
		d.Signals.Publish(sig)
	}
	if d.OnSignal != nil {
		d.OnSignal(sig)
	}
	return sig, true
}

func (d *Dispatcher) buildSignal(ec model.EnrichedCandle, res pattern.Result, now time.Time) model.Signal {
	return model.Signal{
		ID:           d.newID(),
		InstrumentID: ec.InstrumentID,
		Exchange:     ec.Exchange,
		Pattern:      string(res.Pattern),
		Action:       model.ActionBuy,
		OptionType:   model.OptionTypeCall,
		StopLoss:     res.StopLoss,
		EntryPrice:   ec.Close,
		Target:       enrich.Round2(ec.Close * d.cfg.TargetMultiplier),
		CandleTS:     ec.BucketStart,
		TimestampMs:  now.UnixMilli(),
	}
}
