// Package sink runs one worker goroutine per signal consumer so a slow or
// failing consumer cannot hold up the others or the dispatcher.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ultrashort/internal/marketdata/bus"
	"ultrashort/internal/model"
)

// DefaultTimeout bounds a single Write call.
const DefaultTimeout = 5 * time.Second

// WriterFunc adapts a function to model.SignalWriter.
type WriterFunc func(ctx context.Context, sig model.Signal) error

func (f WriterFunc) WriteSignal(ctx context.Context, sig model.Signal) error { return f(ctx, sig) }

// Sink is a named signal writer with its own timeout.
type Sink struct {
	Name    string
	Writer  model.SignalWriter
	Timeout time.Duration

	OnError func(name string, err error)
	OnWrite func(name string, elapsed time.Duration)
}

// New creates a Sink with the default timeout.
func New(name string, w model.SignalWriter) *Sink {
	return &Sink{Name: name, Writer: w, Timeout: DefaultTimeout}
}

// Run writes every signal from in until in is closed or ctx is cancelled.
// Signals already queued when ctx is cancelled are still written. Each write
// is bounded by Timeout only, so cancellation never aborts one mid-flight.
// Failures are logged and counted, never retried.
func (s *Sink) Run(ctx context.Context, in <-chan model.Signal) {
	for {
		select {
		case <-ctx.Done():
			s.drain(ctx, in)
			return
		case sig, ok := <-in:
			if !ok {
				return
			}
			s.write(ctx, sig)
		}
	}
}

// drain writes whatever is buffered in in without waiting for more.
func (s *Sink) drain(ctx context.Context, in <-chan model.Signal) {
	n := 0
	defer func() {
		if n > 0 {
			slog.Info("sink drained", "sink", s.Name, "signals", n)
		}
	}()
	for {
		select {
		case sig, ok := <-in:
			if !ok {
				return
			}
			s.write(ctx, sig)
			n++
		default:
			return
		}
	}
}

func (s *Sink) write(ctx context.Context, sig model.Signal) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	err := s.Writer.WriteSignal(wctx, sig)
	elapsed := time.Since(start)

	if s.OnWrite != nil {
		s.OnWrite(s.Name, elapsed)
	}
	if err != nil {
		slog.Error("sink write failed",
			"sink", s.Name,
			"signal_id", sig.ID,
			"instrument", sig.InstrumentID,
			"error", err,
		)
		if s.OnError != nil {
			s.OnError(s.Name, err)
		}
	}
}

// Group attaches sinks to a signal fan-out.
type Group struct {
	wg sync.WaitGroup
}

// Attach subscribes each sink to fo under its name and starts its worker.
// Call before fo starts publishing.
func Attach(ctx context.Context, fo *bus.FanOut[model.Signal], sinks ...*Sink) *Group {
	g := &Group{}
	for _, s := range sinks {
		ch := fo.Subscribe(s.Name)
		g.wg.Add(1)
		go func(s *Sink) {
			defer g.wg.Done()
			s.Run(ctx, ch)
		}(s)
		slog.Info("sink attached", "sink", s.Name, "timeout", s.Timeout)
	}
	return g
}

// Wait blocks until every worker has returned.
func (g *Group) Wait() { g.wg.Wait() }
