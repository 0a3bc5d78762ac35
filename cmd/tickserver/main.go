// Command tickserver serves simulated ticks over WebSocket for running the
// signal engine in staging mode without broker credentials. Each message is
// a JSON model.Tick with prices in rupees.
//
// Environment:
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	TICK_TOKENS       comma-separated ID:EXCHANGE[:PRICE] (default "3045:NSE:600")
//	TICK_INTERVAL_MS  broadcast interval (default 100)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ultrashort/internal/logger"
)

const defaultPrice = 1000.0

func main() {
	_ = godotenv.Load()
	logger.Init("tickserver", logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	addr := envOr("TICK_SERVER_ADDR", ":9001")
	interval := time.Duration(envIntOr("TICK_INTERVAL_MS", 100)) * time.Millisecond

	instruments, err := parseInstruments(envOr("TICK_TOKENS", "3045:NSE:600"))
	if err != nil {
		slog.Error("invalid TICK_TOKENS", "error", err)
		os.Exit(1)
	}
	slog.Info("starting", "addr", addr, "instruments", len(instruments), "interval", interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := newHub()
	go generate(ctx, h, newWalker(instruments, time.Now().UnixNano()), interval)

	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"tickserver","clients":%d}`+"\n", h.clientCount())
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func generate(ctx context.Context, h *hub, w *walker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, msg := range encodeTicks(w.next(now)) {
				h.broadcast(msg)
			}
		}
	}
}

// parseInstruments reads ID:EXCHANGE[:PRICE] entries.
func parseInstruments(s string) ([]instrument, error) {
	var out []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seg := strings.Split(part, ":")
		if len(seg) < 2 || len(seg) > 3 || seg[0] == "" || seg[1] == "" {
			return nil, fmt.Errorf("invalid entry %q", part)
		}
		in := instrument{ID: seg[0], Exchange: strings.ToUpper(seg[1]), Price: defaultPrice}
		if len(seg) == 3 {
			p, err := strconv.ParseFloat(seg[2], 64)
			if err != nil || p <= 0 {
				return nil, fmt.Errorf("invalid price in %q", part)
			}
			in.Price = p
		}
		out = append(out, in)
	}
	if len(out) == 0 {
		return nil, errors.New("no instruments")
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
