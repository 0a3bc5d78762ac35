package main

import (
	"errors"
	"testing"
	"time"
)

type fixedLast struct {
	ts  int64
	err error
}

func (f fixedLast) LastBucket() (int64, error) { return f.ts, f.err }

func TestReplayStart(t *testing.T) {
	got, err := replayStart(fixedLast{ts: 10 * 60_000}, 42, 0)
	if err != nil || got != 42 {
		t.Errorf("without --last: got %d, %v", got, err)
	}

	got, err = replayStart(fixedLast{ts: 10 * 60_000}, 42, 3*time.Minute)
	if err != nil || got != 7*60_000 {
		t.Errorf("with --last=3m: got %d, %v", got, err)
	}

	if _, err := replayStart(fixedLast{err: errors.New("locked")}, 0, time.Minute); err == nil {
		t.Error("expected reader error")
	}
}
