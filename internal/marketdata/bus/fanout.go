// Package bus broadcasts pipeline values (finalized candles, signals) to
// independent consumers without letting a slow one stall the producer.
package bus

import (
	"log/slog"
	"sync"
)

type output[T any] struct {
	name string
	ch   chan T
}

// FanOut broadcasts values to N subscriber channels. If a subscriber's
// channel is full the value is dropped for that subscriber only.
type FanOut[T any] struct {
	mu      sync.RWMutex
	outputs []output[T]
	bufSize int
	closed  bool

	// OnDrop is called when a value is dropped for the named subscriber.
	OnDrop func(subscriber string)
}

// New creates a FanOut with the given buffer size for output channels.
func New[T any](outputBufferSize int) *FanOut[T] {
	if outputBufferSize < 0 {
		outputBufferSize = 0
	}
	return &FanOut[T]{bufSize: outputBufferSize}
}

// Subscribe creates and returns a new named output channel.
func (f *FanOut[T]) Subscribe(name string) <-chan T {
	ch := make(chan T, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, output[T]{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Publish offers v to every subscriber without blocking and returns how many
// accepted it.
func (f *FanOut[T]) Publish(v T) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return 0
	}

	delivered := 0
	for _, out := range f.outputs {
		select {
		case out.ch <- v:
			delivered++
		default:
			if f.OnDrop != nil {
				f.OnDrop(out.name)
			} else {
				slog.Warn("bus subscriber full, dropping value", "subscriber", out.name)
			}
		}
	}
	return delivered
}

// Close closes every subscriber channel so consumers finish what is queued
// and return. Later Publish calls are no-ops.
func (f *FanOut[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, out := range f.outputs {
		close(out.ch)
	}
}

// ChannelStat is the fill level of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns the fill level of each subscriber, for saturation gauges.
func (f *FanOut[T]) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, out := range f.outputs {
		stats[i] = ChannelStat{Name: out.name, Len: len(out.ch), Cap: cap(out.ch)}
	}
	return stats
}
