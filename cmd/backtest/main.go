// Command backtest replays finalized candles stored by the signal engine
// through the pattern rules, to try gate thresholds without a live feed.
//
// Usage:
//
//	go run ./cmd/backtest --db=data/ultrashort.db --from=0 --rsi=35 --json
//	go run ./cmd/backtest --last=2h
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"ultrashort/internal/dispatch"
	"ultrashort/internal/history"
	"ultrashort/internal/indicator"
	"ultrashort/internal/logger"
	"ultrashort/internal/marketdata/agg"
	"ultrashort/internal/marketdata/replay"
	"ultrashort/internal/pattern"
	sqlitestore "ultrashort/internal/store/sqlite"
)

func main() {
	th := pattern.DefaultThresholds()

	dbPath := flag.String("db", "data/ultrashort.db", "SQLite database written by signalengine")
	outPath := flag.String("out", "", "optional SQLite file to store replayed signals")
	fromMs := flag.Int64("from", 0, "replay candles with bucket start after this Unix ms")
	last := flag.Duration("last", 0, "replay only this window before the newest stored candle (overrides --from)")
	speed := flag.Float64("speed", 0, "playback speed (0=max, 1=realtime)")
	intervalMs := flag.Int64("interval", agg.DefaultIntervalMs, "candle interval the data was built with (ms)")
	retention := flag.Int("retention", history.DefaultRetention, "candles kept per instrument")
	rsiPeriod := flag.Int("rsi-period", indicator.DefaultRSIPeriod, "RSI period")
	flag.Float64Var(&th.OversoldRSI, "rsi", th.OversoldRSI, "oversold RSI gate")
	flag.Float64Var(&th.VolumeSpikeFactor, "vol-factor", th.VolumeSpikeFactor, "volume spike factor")
	flag.Float64Var(&th.VWAPProximity, "vwap-prox", th.VWAPProximity, "max |close-vwap|/vwap")
	asJSON := flag.Bool("json", false, "print the summary as JSON")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger.Init("backtest", logger.ParseLevel(*level))

	reader, err := sqlitestore.NewReader(*dbPath)
	if err != nil {
		slog.Error("open candles", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer reader.Close()

	d := dispatch.New(dispatch.Config{},
		agg.New(*intervalMs),
		history.New(*retention),
		pattern.NewEngine(th),
		indicator.NewHistoryProvider(*rsiPeriod),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := replay.New(reader, d, *intervalMs)
	r.Speed = *speed
	from, err := replayStart(reader, *fromMs, *last)
	if err != nil {
		slog.Error("find replay start", "error", err)
		os.Exit(1)
	}
	start := time.Now()
	sum, err := r.Run(ctx, from)
	if err != nil {
		slog.Error("replay stopped", "error", err)
	}

	if *outPath != "" {
		if err := storeSignals(ctx, *outPath, sum); err != nil {
			slog.Error("store signals", "path", *outPath, "error", err)
			os.Exit(1)
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(sum)
		return
	}
	printSummary(sum, th, time.Since(start))
}

type lastBucketer interface {
	LastBucket() (int64, error)
}

// replayStart returns fromMs, or the newest stored bucket minus last when
// last is set. Candles strictly after the returned bucket are replayed.
func replayStart(db lastBucketer, fromMs int64, last time.Duration) (int64, error) {
	if last <= 0 {
		return fromMs, nil
	}
	newest, err := db.LastBucket()
	if err != nil {
		return 0, err
	}
	return newest - last.Milliseconds(), nil
}

func storeSignals(ctx context.Context, path string, sum replay.Summary) error {
	db, err := sqlitestore.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	store := sqlitestore.NewSignalStore(db)
	for _, sig := range sum.Signals {
		if err := store.WriteSignal(ctx, sig); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(sum replay.Summary, th pattern.Thresholds, elapsed time.Duration) {
	fmt.Println("backtest complete")
	fmt.Printf("  candles      %d (%d instruments)\n", sum.Candles, sum.Instruments)
	if sum.Candles > 0 {
		fmt.Printf("  range        %s .. %s\n",
			time.UnixMilli(sum.FromMs).Format(time.DateTime), time.UnixMilli(sum.ToMs).Format(time.DateTime))
	}
	fmt.Printf("  gates        rsi<%.1f vol>avg*%.2f vwap±%.3f\n", th.OversoldRSI, th.VolumeSpikeFactor, th.VWAPProximity)
	fmt.Printf("  signals      %d\n", len(sum.Signals))

	names := make([]string, 0, len(sum.ByPattern))
	for name := range sum.ByPattern {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("    %-22s %d\n", name, sum.ByPattern[name])
	}
	fmt.Printf("  elapsed      %s\n", elapsed.Round(time.Millisecond))
}
