// Package api serves stored signals over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ultrashort/internal/metrics"
	"ultrashort/internal/model"
)

// Limits for ?limit=.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// SignalLister returns up to limit signals, newest first.
type SignalLister interface {
	Recent(ctx context.Context, limit int) ([]model.Signal, error)
}

// SignalSubscriber streams live signals until ctx ends.
type SignalSubscriber interface {
	Subscribe(ctx context.Context, fn func(model.Signal)) error
}

// Deps are the collaborators behind the routes. Health, Live and Market may
// be nil.
type Deps struct {
	Signals  SignalLister
	Health   *metrics.HealthStatus
	Live     SignalSubscriber
	Patterns []string
	Market   func() string
}

type server struct {
	Deps
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	s := &server{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Get("/patterns", s.handlePatterns)
		r.Get("/api/v1/signals", s.handleSignals)
		r.Get("/api/v1/health", s.handleHealth)
	})
	if d.Live != nil {
		r.Get("/api/v1/signals/stream", s.handleStream)
	}
	return r
}

// patternRecord is the record shape the dashboard reads from /patterns.
type patternRecord struct {
	StockName   string    `json:"stockName"`
	PatternName string    `json:"patternName"`
	Action      string    `json:"action"`
	StopLoss    float64   `json:"stopLoss"`
	Price       float64   `json:"price"`
	Target      float64   `json:"target"`
	OptionType  string    `json:"optionType"`
	Timestamp   time.Time `json:"timestamp"`
}

func toPatternRecord(sig model.Signal) patternRecord {
	return patternRecord{
		StockName:   sig.InstrumentID,
		PatternName: sig.Pattern,
		Action:      sig.Action,
		StopLoss:    sig.StopLoss,
		Price:       sig.EntryPrice,
		Target:      sig.Target,
		OptionType:  sig.OptionType,
		Timestamp:   sig.Time().UTC(),
	}
}

func (s *server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	sigs, ok := s.recent(w, r)
	if !ok {
		return
	}
	out := make([]patternRecord, len(sigs))
	for i, sig := range sigs {
		out[i] = toPatternRecord(sig)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleSignals(w http.ResponseWriter, r *http.Request) {
	sigs, ok := s.recent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(sigs),
		"signals": sigs,
	})
}

func (s *server) recent(w http.ResponseWriter, r *http.Request) ([]model.Signal, bool) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	sigs, err := s.Signals.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("api: list signals", "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusInternalServerError, "failed to fetch signals")
		return nil, false
	}
	return sigs, true
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy", "patterns": s.Patterns}
	code := http.StatusOK
	if s.Health != nil {
		rep := s.Health.Snapshot()
		body["status"] = rep.Status
		body["components"] = rep
		if rep.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
	}
	if s.Market != nil {
		body["market"] = s.Market()
	}
	writeJSON(w, code, body)
}

// handleStream relays live signals as server-sent events.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.Live.Subscribe(r.Context(), func(sig model.Signal) {
		fmt.Fprintf(w, "event: signal\ndata: %s\n\n", sig.JSON())
		flusher.Flush()
	})
	if err != nil {
		slog.Warn("api: signal stream ended", "error", err)
	}
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", v)
	}
	return min(n, MaxLimit), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
