package redis

import (
	"errors"
	"testing"
	"time"
)

var errFail = errors.New("redis down")

// fakeClock lets tests move past the cooldown without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock, *[]State) {
	clk := &fakeClock{t: time.Date(2024, 1, 5, 9, 15, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(maxFailures, 10*time.Second)
	cb.now = clk.now
	var seen []State
	cb.OnStateChange = func(_, to State) { seen = append(seen, to) }
	return cb, clk, &seen
}

func opFail() error { return errFail }
func opOK() error   { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _, _ := newTestBreaker(3)
	if cb.CurrentState() != StateClosed {
		t.Fatalf("new breaker: %v", cb.CurrentState())
	}
	for i := 0; i < 3; i++ {
		if err := cb.Execute(opFail); err != errFail {
			t.Fatalf("call %d: expected errFail, got %v", i, err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open, got %v", cb.CurrentState())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("write attempted while open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _, _ := newTestBreaker(3)
	for _, fn := range []func() error{opFail, opFail, opOK, opFail, opFail} {
		cb.Execute(fn)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("failures were not consecutive, got %v", cb.CurrentState())
	}
}

func TestBreaker_ProbeAfterCooldown(t *testing.T) {
	cb, clk, seen := newTestBreaker(1)
	cb.Execute(opFail)

	clk.advance(5 * time.Second)
	if err := cb.Execute(opOK); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("still cooling down, got %v", err)
	}

	clk.advance(6 * time.Second)
	if err := cb.Execute(opOK); err != nil {
		t.Fatalf("probe: %v", err)
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(*seen) != len(want) {
		t.Fatalf("transitions %v, want %v", *seen, want)
	}
	for i := range want {
		if (*seen)[i] != want[i] {
			t.Errorf("transition %d: got %v, want %v", i, (*seen)[i], want[i])
		}
	}
}

func TestBreaker_FailedProbeRestartsCooldown(t *testing.T) {
	cb, clk, _ := newTestBreaker(1)
	cb.Execute(opFail)

	clk.advance(11 * time.Second)
	cb.Execute(opFail)
	if cb.CurrentState() != StateOpen {
		t.Fatalf("failed probe should reopen, got %v", cb.CurrentState())
	}

	clk.advance(5 * time.Second)
	if err := cb.Execute(opOK); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("cooldown should restart at the failed probe, got %v", err)
	}
}

func TestBreaker_SingleProbeInFlight(t *testing.T) {
	cb, clk, _ := newTestBreaker(1)
	cb.Execute(opFail)
	clk.advance(11 * time.Second)

	var second error
	err := cb.Execute(func() error {
		second = cb.Execute(opOK)
		return nil
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !errors.Is(second, ErrCircuitOpen) {
		t.Errorf("second caller during probe should be rejected, got %v", second)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected closed after probe, got %v", cb.CurrentState())
	}
}
