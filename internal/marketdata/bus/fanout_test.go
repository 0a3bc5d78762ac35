package bus

import (
	"testing"
	"time"

	"ultrashort/internal/model"
)

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New[model.Signal](10)
	out1 := fo.Subscribe("sqlite")
	out2 := fo.Subscribe("notify")

	if n := fo.Publish(model.Signal{InstrumentID: "3045", Pattern: "Hammer"}); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}

	for name, out := range map[string]<-chan model.Signal{"out1": out1, "out2": out2} {
		select {
		case s := <-out:
			if s.InstrumentID != "3045" {
				t.Errorf("%s: expected 3045, got %s", name, s.InstrumentID)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: timed out waiting for signal", name)
		}
	}
}

func TestFanOut_SlowConsumerDrops(t *testing.T) {
	fo := New[int](1)
	fast := fo.Subscribe("fast")
	_ = fo.Subscribe("slow")

	var dropped []string
	fo.OnDrop = func(name string) { dropped = append(dropped, name) }

	if n := fo.Publish(1); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	<-fast
	if n := fo.Publish(2); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if len(dropped) != 1 || dropped[0] != "slow" {
		t.Errorf("expected drop for slow, got %v", dropped)
	}

	stats := fo.ChannelStats()
	if len(stats) != 2 || stats[1].Name != "slow" || stats[1].Len != 1 || stats[1].Cap != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestFanOut_CloseKeepsQueuedValues(t *testing.T) {
	fo := New[int](4)
	out := fo.Subscribe("a")
	fo.Publish(1)
	fo.Publish(2)
	fo.Close()

	var got []int
	for v := range out {
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("queued values lost on close: %v", got)
	}
	if n := fo.Publish(3); n != 0 {
		t.Errorf("publish after close delivered %d", n)
	}
	fo.Close() // idempotent
}
