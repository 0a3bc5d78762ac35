package main

import (
	"context"
	"log/slog"
	"time"

	"ultrashort/config"
	"ultrashort/internal/auth"
	"ultrashort/internal/marketdata/ws"
	"ultrashort/internal/marketdata/wssim"
	"ultrashort/internal/markethours"
	"ultrashort/internal/metrics"
	"ultrashort/internal/model"
	"ultrashort/pkg/smartapi"
)

// feedRunner owns the tick source. In staging it reads the tickserver; in
// production it logs in fresh before every session and streams SmartStream
// until the close.
type feedRunner struct {
	cfg      *config.Config
	broker   *smartapi.Client
	calendar *markethours.Calendar
	health   *metrics.HealthStatus
	prom     *metrics.Metrics
}

func (f *feedRunner) Run(ctx context.Context, tickCh chan<- model.Tick) {
	if f.cfg.StagingMode {
		f.runStaging(ctx, tickCh)
		return
	}
	f.runLive(ctx, tickCh)
}

func (f *feedRunner) runStaging(ctx context.Context, tickCh chan<- model.Tick) {
	ingest, err := wssim.New(wssim.Config{URL: f.cfg.SimWSURL})
	if err != nil {
		slog.Error("staging feed init failed", "error", err)
		return
	}
	ingest.OnConnect = func() { f.health.SetWSConnected(true) }
	ingest.OnReconnect = func() {
		f.health.SetWSConnected(false)
		f.prom.WSReconnects.Inc()
	}
	ingest.OnParseError = func(error) { f.prom.DroppedTicks.WithLabelValues("parse").Inc() }
	ingest.OnDrop = func() { f.prom.DroppedTicks.WithLabelValues("channel_full").Inc() }

	slog.Info("staging tick source", "url", f.cfg.SimWSURL)
	if err := ingest.Start(ctx, tickCh); err != nil {
		slog.Error("staging feed stopped", "error", err)
	}
	f.health.SetWSConnected(false)
}

func (f *feedRunner) runLive(ctx context.Context, tickCh chan<- model.Tick) {
	tokens, err := f.cfg.Tokens()
	if err != nil {
		slog.Error("live feed: bad token list", "error", err)
		return
	}
	creds := credentials(f.cfg)

	for ctx.Err() == nil {
		now := time.Now()
		if f.calendar.Phase(now) == markethours.Closed {
			wake := f.calendar.NextOpen(now).Add(-markethours.LoginLead)
			f.health.SetWSConnected(false)
			slog.Info("waiting for session", "status", f.calendar.Status(now),
				"wake_at", wake.In(markethours.IST).Format("Mon 15:04"))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(wake)):
			}
		}

		session, err := auth.LoginUntil(ctx, f.broker, creds, auth.DefaultRetryDelay)
		if err != nil {
			return
		}

		closeAt := markethours.CloseTime(time.Now())
		sessCtx, cancel := context.WithDeadline(ctx, closeAt)
		f.stream(sessCtx, session, tokens, tickCh)
		cancel()
		f.health.SetWSConnected(false)
		slog.Info("session ended", "closed_at", closeAt.In(markethours.IST).Format(time.TimeOnly))

		if err := f.broker.Logout(ctx); err != nil {
			slog.Debug("logout failed", "error", err)
		}
	}
}

func (f *feedRunner) stream(ctx context.Context, s smartapi.Session, tokens []smartapi.TokenList, tickCh chan<- model.Tick) {
	ingest, err := ws.New(ws.IngestConfig{
		Stream: smartapi.StreamConfig{
			AuthToken:  s.JWTToken,
			APIKey:     f.cfg.AngelAPIKey,
			ClientCode: f.cfg.AngelClientCode,
			FeedToken:  s.FeedToken,
		},
		SubscribeMode: smartapi.ModeQuote,
		TokenList:     tokens,
	})
	if err != nil {
		slog.Error("live feed init failed", "error", err)
		// hold until the session window ends so the loop does not spin
		<-ctx.Done()
		return
	}
	ingest.OnConnect = func() { f.health.SetWSConnected(true) }
	ingest.OnReconnect = func() {
		f.health.SetWSConnected(false)
		f.prom.WSReconnects.Inc()
	}
	ingest.OnParseError = func(error) { f.prom.DroppedTicks.WithLabelValues("parse").Inc() }
	ingest.OnDrop = func() { f.prom.DroppedTicks.WithLabelValues("channel_full").Inc() }

	if err := ingest.Start(ctx, tickCh); err != nil {
		slog.Warn("live feed stopped", "error", err)
	}
}

// loginOnce opens a REST session for the SmartAPI indicator provider when no
// live feed will do it.
func loginOnce(ctx context.Context, cfg *config.Config, broker *smartapi.Client) {
	if _, err := auth.LoginUntil(ctx, broker, credentials(cfg), auth.DefaultRetryDelay); err != nil {
		slog.Warn("smartapi login abandoned", "error", err)
	}
}

func credentials(cfg *config.Config) auth.Credentials {
	return auth.Credentials{
		ClientCode: cfg.AngelClientCode,
		Password:   cfg.AngelPassword,
		TOTPSecret: cfg.AngelTOTPSecret,
	}
}
