// Package history keeps a bounded, per-instrument window of finalized candles.
package history

import (
	"sort"
	"sync"

	"ultrashort/internal/model"
	"ultrashort/internal/ringbuf"
)

// DefaultRetention is the number of candles kept per instrument.
const DefaultRetention = 20

// Store holds the most recent enriched candles of each instrument in
// insertion order. Each sequence is capped at the retention bound; the oldest
// candle is evicted first.
type Store struct {
	mu        sync.RWMutex
	retention int
	series    map[string]*ringbuf.Ring[model.EnrichedCandle]

	// OnEvict is called (outside the lock) when a candle falls off a window.
	OnEvict func(instrumentID string)
}

// New creates a Store. A non-positive retention falls back to DefaultRetention.
func New(retention int) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		retention: retention,
		series:    make(map[string]*ringbuf.Ring[model.EnrichedCandle]),
	}
}

// Retention returns the per-instrument bound.
func (s *Store) Retention() int { return s.retention }

// Append pushes c to the tail of the instrument's window.
func (s *Store) Append(instrumentID string, c model.EnrichedCandle) {
	s.mu.Lock()
	r, ok := s.series[instrumentID]
	if !ok {
		r = ringbuf.New[model.EnrichedCandle](s.retention)
		s.series[instrumentID] = r
	}
	_, evicted := r.Push(c)
	s.mu.Unlock()

	if evicted && s.OnEvict != nil {
		s.OnEvict(instrumentID)
	}
}

// Recent returns the last n candles of the instrument in chronological order,
// or fewer when the window is shorter. Unknown instruments yield nil.
func (s *Store) Recent(instrumentID string, n int) []model.EnrichedCandle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.series[instrumentID]
	if !ok {
		return nil
	}
	return r.Last(n)
}

// Len returns the window length for the instrument.
func (s *Store) Len(instrumentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.series[instrumentID]; ok {
		return r.Len()
	}
	return 0
}

// Instruments returns the tracked instrument ids, sorted.
func (s *Store) Instruments() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.series))
	for id := range s.series {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
