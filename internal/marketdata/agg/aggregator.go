package agg

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"

	"ultrashort/internal/model"
)

// DefaultIntervalMs is the one-minute bucket width.
const DefaultIntervalMs int64 = 60_000

// Drop reasons reported through OnDroppedTick.
const (
	DropMalformed = "malformed"
	DropLate      = "late"
)

// bucketKey identifies one open candle: an instrument and its bucket index.
type bucketKey struct {
	instrument string
	index      int64
}

// Aggregator folds ticks into fixed-interval OHLCV candles.
//
// Ingest and Finalize are safe to call from different goroutines; a single
// mutex guards the open-bucket map so the two never interleave. A bucket is
// handed out by Finalize exactly once. Ticks that map to a bucket at or below
// an instrument's last finalized index are dropped rather than reopening it.
type Aggregator struct {
	mu         sync.Mutex
	intervalMs int64
	open       map[bucketKey]*model.Candle
	watermark  map[string]int64 // highest finalized bucket index per instrument

	// Metrics hooks (optional, set externally). Called outside the lock.
	OnDroppedTick func(reason string)
	OnTick        func(t model.Tick) // an IngestTick was accepted
}

// New creates an Aggregator with the given bucket width in milliseconds.
// A non-positive width falls back to DefaultIntervalMs.
func New(intervalMs int64) *Aggregator {
	if intervalMs <= 0 {
		intervalMs = DefaultIntervalMs
	}
	return &Aggregator{
		intervalMs: intervalMs,
		open:       make(map[bucketKey]*model.Candle),
		watermark:  make(map[string]int64),
	}
}

// IntervalMs returns the bucket width.
func (a *Aggregator) IntervalMs() int64 { return a.intervalMs }

// Run consumes ticks from tickCh until ctx is cancelled or the channel closes.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-tickCh:
			if !ok {
				return
			}
			a.IngestTick(tick)
		}
	}
}

// IngestTick folds a tick, keeping its exchange on the candle it creates.
func (a *Aggregator) IngestTick(t model.Tick) bool {
	ok := a.ingest(t.InstrumentID, t.Exchange, t.Price, t.TimestampMs, t.Volume)
	if ok && a.OnTick != nil {
		a.OnTick(t)
	}
	return ok
}

// Ingest folds one tick into the open candle for floor(timestampMs/interval).
// It returns false when the tick was malformed or late and was dropped.
func (a *Aggregator) Ingest(instrumentID string, price float64, timestampMs int64, volume float64) bool {
	return a.ingest(instrumentID, "", price, timestampMs, volume)
}

func (a *Aggregator) ingest(instrumentID, exchange string, price float64, timestampMs int64, volume float64) bool {
	if !validTick(instrumentID, price, timestampMs, volume) {
		a.dropped(DropMalformed)
		return false
	}

	idx := timestampMs / a.intervalMs

	a.mu.Lock()
	if wm, ok := a.watermark[instrumentID]; ok && idx <= wm {
		a.mu.Unlock()
		a.dropped(DropLate)
		return false
	}

	key := bucketKey{instrument: instrumentID, index: idx}
	c, exists := a.open[key]
	if !exists {
		c = &model.Candle{
			InstrumentID: instrumentID,
			Exchange:     exchange,
			BucketStart:  idx * a.intervalMs,
			Open:         price,
			High:         price,
			Low:          price,
			Close:        price,
		}
		a.open[key] = c
	}
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += volume
	c.VolumePriceSum += price * volume
	c.Ticks++
	a.mu.Unlock()
	return true
}

// Finalize removes and returns every open candle whose bucket window has
// fully elapsed at nowMs. The result is ordered by instrument, then bucket
// start, so one cycle always walks instruments in the same order.
func (a *Aggregator) Finalize(nowMs int64) []model.Candle {
	current := nowMs / a.intervalMs

	a.mu.Lock()
	var out []model.Candle
	for key, c := range a.open {
		if key.index >= current {
			continue
		}
		out = append(out, *c)
		delete(a.open, key)
		if wm, ok := a.watermark[key.instrument]; !ok || key.index > wm {
			a.watermark[key.instrument] = key.index
		}
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].InstrumentID != out[j].InstrumentID {
			return out[i].InstrumentID < out[j].InstrumentID
		}
		return out[i].BucketStart < out[j].BucketStart
	})
	if len(out) > 0 {
		slog.Debug("candles finalized", "count", len(out), "now_ms", nowMs)
	}
	return out
}

// OpenBuckets returns the number of candles currently accumulating.
func (a *Aggregator) OpenBuckets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

func (a *Aggregator) dropped(reason string) {
	if a.OnDroppedTick != nil {
		a.OnDroppedTick(reason)
	}
}

func validTick(instrumentID string, price float64, timestampMs int64, volume float64) bool {
	if instrumentID == "" || timestampMs < 0 {
		return false
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return false
	}
	if math.IsNaN(volume) || math.IsInf(volume, 0) || volume < 0 {
		return false
	}
	return true
}
