// Package ws feeds live Angel One SmartStream ticks into the pipeline.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ultrashort/internal/model"
	"ultrashort/pkg/smartapi"
)

// ErrNoToken is returned for frames without an instrument token.
var ErrNoToken = errors.New("ws: frame has no token")

// IngestConfig holds configuration for the live ingest.
type IngestConfig struct {
	Stream smartapi.StreamConfig
	// SubscribeMode is smartapi.ModeLTP or ModeQuote; quote frames carry the
	// last traded quantity used as tick volume.
	SubscribeMode int
	TokenList     []smartapi.TokenList
}

// Ingest connects to SmartStream and pushes normalized ticks into tickCh.
type Ingest struct {
	cfg      IngestConfig
	streamer *smartapi.Streamer
	now      func() time.Time

	// Optional hooks
	OnConnect    func()
	OnReconnect  func()
	OnParseError func(err error)
	OnDrop       func()
}

// New creates the streamer and records the subscription, which is sent on
// every (re)connect.
func New(cfg IngestConfig) (*Ingest, error) {
	s, err := smartapi.NewStreamer(cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("ws ingest: %w", err)
	}
	if cfg.SubscribeMode == 0 {
		cfg.SubscribeMode = smartapi.ModeQuote
	}
	if err := s.Subscribe(cfg.SubscribeMode, cfg.TokenList...); err != nil {
		return nil, fmt.Errorf("ws ingest: subscribe: %w", err)
	}
	return &Ingest{cfg: cfg, streamer: s, now: time.Now}, nil
}

// Start streams ticks into tickCh until ctx is cancelled. A full channel
// drops the tick rather than stalling the socket reader.
func (ing *Ingest) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	ing.streamer.OnConnect = func() {
		slog.Info("smartstream connected", "mode", ing.cfg.SubscribeMode, "groups", len(ing.cfg.TokenList))
		if ing.OnConnect != nil {
			ing.OnConnect()
		}
	}
	ing.streamer.OnDisconnect = func(err error) {
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}
	}
	ing.streamer.OnParseError = ing.parseError

	return ing.streamer.Run(ctx, func(f smartapi.Feed) {
		tick, err := FeedToTick(f, ing.now())
		if err != nil {
			ing.parseError(err)
			return
		}
		select {
		case tickCh <- tick:
		default:
			if ing.OnDrop != nil {
				ing.OnDrop()
			}
		}
	})
}

func (ing *Ingest) parseError(err error) {
	slog.Debug("smartstream frame skipped", "error", err)
	if ing.OnParseError != nil {
		ing.OnParseError(err)
	}
}

// FeedToTick converts a decoded frame to a Tick. Prices arrive in paise.
// The exchange timestamp is used when present, otherwise now. Volume is
// the last traded quantity, or 1 when the frame does not carry one.
func FeedToTick(f smartapi.Feed, now time.Time) (model.Tick, error) {
	if f.Token == "" {
		return model.Tick{}, ErrNoToken
	}
	ts := f.ExchangeTimestamp
	if ts <= 0 {
		ts = now.UnixMilli()
	}
	vol := 1.0
	if f.HasQuote() && f.LastTradedQty > 0 {
		vol = float64(f.LastTradedQty)
	}
	return model.Tick{
		InstrumentID: f.Token,
		Exchange:     smartapi.ExchangeName(f.ExchangeType),
		Price:        float64(f.LastTradedPrice) / 100,
		Volume:       vol,
		TimestampMs:  ts,
	}, nil
}
