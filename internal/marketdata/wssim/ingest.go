// Package wssim reads ticks from a plain JSON WebSocket server (cmd/tickserver)
// instead of the broker feed. Messages are model.Tick encoded as JSON:
//
//	{"instrument_id":"3045","exchange":"NSE","price":612.55,"volume":10,"timestamp_ms":1704426300000}
//
// volume and timestamp_ms may be omitted; they default to 1 and the receive time.
package wssim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"ultrashort/internal/model"
)

// ErrEmptyInstrument is reported for ticks without an instrument_id.
var ErrEmptyInstrument = errors.New("wssim: tick has no instrument_id")

// Config holds configuration for the simulated WS ingest.
type Config struct {
	// URL of the tick server, e.g. "ws://localhost:9001/ws".
	URL string

	// ReconnectDelay is the initial backoff; defaults to 2s.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff; defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Ingest has the same Start contract as ws.Ingest.
type Ingest struct {
	cfg Config
	now func() time.Time

	OnConnect    func()
	OnReconnect  func()
	OnParseError func(err error)
	OnDrop       func()
}

// New validates the URL and returns an Ingest.
func New(cfg Config) (*Ingest, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("wssim: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wssim: unsupported scheme %q", u.Scheme)
	}
	return &Ingest{cfg: cfg, now: time.Now}, nil
}

// Start streams ticks into tickCh until ctx is cancelled, reconnecting with
// exponential backoff.
func (ing *Ingest) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	delay := ing.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return nil
		}
		connected, err := ing.runOnce(ctx, tickCh)
		if err == nil {
			return nil
		}
		if connected {
			delay = ing.cfg.ReconnectDelay
		}

		slog.Warn("tick server disconnected", "url", ing.cfg.URL, "error", err, "retry_in", delay)
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, ing.cfg.MaxReconnectDelay)
	}
}

// runOnce reads from a single connection. It returns a nil error only when
// ctx was cancelled.
func (ing *Ingest) runOnce(ctx context.Context, tickCh chan<- model.Tick) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	slog.Info("tick server connected", "url", ing.cfg.URL)
	if ing.OnConnect != nil {
		ing.OnConnect()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}

		tick, err := ParseTick(raw, ing.now())
		if err != nil {
			slog.Debug("tick skipped", "error", err)
			if ing.OnParseError != nil {
				ing.OnParseError(err)
			}
			continue
		}

		select {
		case tickCh <- tick:
		default:
			if ing.OnDrop != nil {
				ing.OnDrop()
			}
		}
	}
}

// ParseTick decodes one JSON message and fills defaults.
func ParseTick(raw []byte, now time.Time) (model.Tick, error) {
	var tick model.Tick
	if err := json.Unmarshal(raw, &tick); err != nil {
		return model.Tick{}, fmt.Errorf("wssim: decode: %w", err)
	}
	if tick.InstrumentID == "" {
		return model.Tick{}, ErrEmptyInstrument
	}
	if tick.Exchange == "" {
		tick.Exchange = "NSE"
	}
	if tick.Volume <= 0 {
		tick.Volume = 1
	}
	if tick.TimestampMs <= 0 {
		tick.TimestampMs = now.UnixMilli()
	}
	return tick, nil
}
