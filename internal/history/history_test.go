package history

import (
	"sync"
	"testing"

	"ultrashort/internal/model"
)

func candle(id string, start int64) model.EnrichedCandle {
	return model.EnrichedCandle{Candle: model.Candle{InstrumentID: id, BucketStart: start, Open: 1, Close: 1, High: 1, Low: 1}}
}

func TestStore_RecentChronological(t *testing.T) {
	s := New(5)
	for i := int64(0); i < 3; i++ {
		s.Append("A", candle("A", i*60_000))
	}

	got := s.Recent("A", 2)
	if len(got) != 2 {
		t.Fatalf("expected 2, got %d", len(got))
	}
	if got[0].BucketStart != 60_000 || got[1].BucketStart != 120_000 {
		t.Errorf("wrong order: %d, %d", got[0].BucketStart, got[1].BucketStart)
	}

	if got := s.Recent("A", 10); len(got) != 3 {
		t.Errorf("short history should return all 3, got %d", len(got))
	}
	if got := s.Recent("missing", 3); len(got) != 0 {
		t.Errorf("unknown instrument returned %d candles", len(got))
	}
}

func TestStore_NeverExceedsRetention(t *testing.T) {
	s := New(DefaultRetention)
	evictions := 0
	s.OnEvict = func(string) { evictions++ }

	for i := int64(0); i < 45; i++ {
		s.Append("A", candle("A", i))
		if s.Len("A") > DefaultRetention {
			t.Fatalf("len %d exceeds retention", s.Len("A"))
		}
	}

	all := s.Recent("A", 100)
	if len(all) != DefaultRetention {
		t.Fatalf("expected %d candles, got %d", DefaultRetention, len(all))
	}
	// Oldest-first eviction leaves buckets 25..44.
	if all[0].BucketStart != 25 || all[len(all)-1].BucketStart != 44 {
		t.Errorf("unexpected window [%d..%d]", all[0].BucketStart, all[len(all)-1].BucketStart)
	}
	if evictions != 25 {
		t.Errorf("expected 25 evictions, got %d", evictions)
	}
}

func TestStore_InstrumentsIndependent(t *testing.T) {
	s := New(2)
	s.Append("B", candle("B", 1))
	s.Append("A", candle("A", 1))
	s.Append("A", candle("A", 2))
	s.Append("A", candle("A", 3))

	if s.Len("B") != 1 || s.Len("A") != 2 {
		t.Fatalf("unexpected lengths A=%d B=%d", s.Len("A"), s.Len("B"))
	}
	ids := s.Instruments()
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Errorf("expected [A B], got %v", ids)
	}
}

func TestStore_ConcurrentAppendRecent(t *testing.T) {
	s := New(10)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); i < 200; i++ {
				s.Append("A", candle("A", i))
				if n := len(s.Recent("A", 20)); n > 10 {
					t.Errorf("recent returned %d > retention", n)
					return
				}
			}
		}()
	}
	wg.Wait()
	if s.Len("A") != 10 {
		t.Errorf("expected full window, got %d", s.Len("A"))
	}
}
