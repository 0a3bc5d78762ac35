// Package replay feeds persisted candles back through the dispatcher for
// backtesting pattern and gate settings.
package replay

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"ultrashort/internal/model"
)

// maxGap caps the simulated pause between two candles.
const maxGap = 5 * time.Second

// CandleSource returns finalized candles after a bucket start (ms).
type CandleSource interface {
	ReadAllCandles(afterMs int64) ([]model.Candle, error)
}

// Processor handles one finalized candle as the live cycle would.
type Processor interface {
	Process(ctx context.Context, c model.Candle, now time.Time) (model.Signal, bool)
}

// Summary describes a finished replay.
type Summary struct {
	Candles     int            `json:"candles"`
	Instruments int            `json:"instruments"`
	FromMs      int64          `json:"from_ms"`
	ToMs        int64          `json:"to_ms"`
	ByPattern   map[string]int `json:"by_pattern"`
	Signals     []model.Signal `json:"signals"`
}

// Replayer drives a Processor from a CandleSource.
type Replayer struct {
	src        CandleSource
	proc       Processor
	intervalMs int64

	// Speed is the playback rate: 1 = real time, 10 = 10x, 0 = no pauses.
	Speed float64
}

// New creates a Replayer. intervalMs is the candle interval the candles were
// built with; each candle is processed at the end of its bucket.
func New(src CandleSource, proc Processor, intervalMs int64) *Replayer {
	return &Replayer{src: src, proc: proc, intervalMs: intervalMs}
}

// Run replays every candle with a bucket start after fromMs in time order.
// On cancellation it returns the partial summary and ctx.Err().
func (r *Replayer) Run(ctx context.Context, fromMs int64) (Summary, error) {
	sum := Summary{ByPattern: make(map[string]int)}

	candles, err := r.src.ReadAllCandles(fromMs)
	if err != nil {
		return sum, err
	}
	if len(candles) == 0 {
		slog.Info("replay: no candles", "after_ms", fromMs)
		return sum, nil
	}
	slices.SortStableFunc(candles, func(a, b model.Candle) int {
		if c := cmp.Compare(a.BucketStart, b.BucketStart); c != 0 {
			return c
		}
		return cmp.Compare(a.InstrumentID, b.InstrumentID)
	})
	sum.FromMs = candles[0].BucketStart
	sum.ToMs = candles[len(candles)-1].BucketStart

	slog.Info("replay: starting", "candles", len(candles), "speed", r.Speed)

	instruments := make(map[string]struct{})
	var prev int64
	for i, c := range candles {
		if err := ctx.Err(); err != nil {
			slog.Warn("replay: cancelled", "processed", sum.Candles)
			return sum, err
		}
		if r.Speed > 0 && i > 0 && c.BucketStart > prev {
			gap := min(time.Duration(float64(c.BucketStart-prev)*float64(time.Millisecond)/r.Speed), maxGap)
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(gap):
			}
		}
		prev = c.BucketStart

		instruments[c.InstrumentID] = struct{}{}
		sum.Candles++
		if sig, ok := r.proc.Process(ctx, c, time.UnixMilli(c.BucketStart+r.intervalMs)); ok {
			sum.Signals = append(sum.Signals, sig)
			sum.ByPattern[sig.Pattern]++
		}
	}
	sum.Instruments = len(instruments)

	slog.Info("replay: completed", "candles", sum.Candles, "instruments", sum.Instruments, "signals", len(sum.Signals))
	return sum, nil
}
