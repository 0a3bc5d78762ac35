// Command signalengine turns live ticks into one-minute candles, runs the
// candlestick pattern rules on every finalized candle and fans the resulting
// BUY signals out to SQLite, Redis, Kafka and the notifiers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ultrashort/config"
	"ultrashort/internal/api"
	"ultrashort/internal/dispatch"
	"ultrashort/internal/history"
	"ultrashort/internal/indicator"
	"ultrashort/internal/logger"
	"ultrashort/internal/marketdata/agg"
	"ultrashort/internal/marketdata/bus"
	"ultrashort/internal/markethours"
	"ultrashort/internal/metrics"
	"ultrashort/internal/model"
	"ultrashort/internal/notification"
	"ultrashort/internal/pattern"
	"ultrashort/internal/sink"
	kafkastore "ultrashort/internal/store/kafka"
	redisstore "ultrashort/internal/store/redis"
	sqlitestore "ultrashort/internal/store/sqlite"
	"ultrashort/pkg/smartapi"
)

const (
	tickBufferSize   = 10000
	fanoutBufferSize = 1000
	shutdownTimeout  = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("signalengine", slog.LevelInfo)
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Init("signalengine", logger.ParseLevel(cfg.LogLevel))
	slog.Info("starting", "staging", cfg.StagingMode, "indicators", cfg.IndicatorSource,
		"interval_ms", cfg.CandleIntervalMs, "retention", cfg.HistoryRetention)

	if err := run(cfg); err != nil {
		slog.Error("signalengine failed", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	holidays, err := cfg.Holidays()
	if err != nil {
		return err
	}
	calendar := markethours.NewCalendar(holidays...)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, prometheus.DefaultGatherer)
	metricsSrv.Start()

	// ---- SQLite: finalized candles + signal history ----
	db, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	health.SetSQLiteOK(true)
	candleWriter := sqlitestore.NewWriter(db)
	defer candleWriter.Close()
	candleWriter.OnCommit = func(_ int, elapsed time.Duration) {
		prom.SQLiteCommitDur.Observe(elapsed.Seconds())
	}
	signalStore := sqlitestore.NewSignalStore(db)
	signalStore.OnDuplicate = func(sig model.Signal) {
		prom.DuplicateSignals.Inc()
		slog.Warn("duplicate signal ignored", "instrument", sig.InstrumentID, "candle_ts", sig.CandleTS)
	}

	// ---- Redis (optional) ----
	var publisher *redisstore.Publisher
	if cfg.RedisAddr != "" {
		health.SetRedisEnabled(true)
		publisher, err = redisstore.New(redisstore.Config{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			IntervalMs: cfg.CandleIntervalMs,
		})
		if err != nil {
			slog.Warn("redis unavailable, continuing without it", "addr", cfg.RedisAddr, "error", err)
			publisher = nil
		} else {
			defer publisher.Close()
			publisher.OnStateChange = func(_, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
			}
			publisher.OnDrop = func() { prom.FanoutDropsTotal.WithLabelValues("redis_buffer").Inc() }
		}
	}
	if publisher != nil {
		health.StartLivenessChecker(ctx, publisher.Client(), db, 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, db, 10*time.Second)
	}

	// ---- Kafka (optional) ----
	var producer *kafkastore.Producer
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		producer, err = kafkastore.NewProducer(kafkastore.Config{Brokers: brokers, Topic: cfg.KafkaTopic})
		if err != nil {
			slog.Warn("kafka unavailable, continuing without it", "error", err)
			producer = nil
		} else {
			defer producer.Close()
			producer.OnDeliveryError = func(error) { prom.SinkFailures.WithLabelValues("kafka").Inc() }
		}
	}

	// ---- Broker client + indicator provider ----
	broker := smartapi.New(smartapi.Config{APIKey: cfg.AngelAPIKey})
	provider := buildProvider(ctx, cfg, broker, prom)

	// ---- Core pipeline ----
	aggregator := agg.New(cfg.CandleIntervalMs)
	aggregator.OnDroppedTick = func(reason string) { prom.DroppedTicks.WithLabelValues(reason).Inc() }
	aggregator.OnTick = func(model.Tick) {
		prom.TicksTotal.Inc()
		health.SetLastTickTime(time.Now())
	}

	hist := history.New(cfg.HistoryRetention)
	hist.OnEvict = func(string) { prom.HistoryEvictions.Inc() }

	engine := pattern.NewEngine(cfg.Thresholds())

	dispatcher := dispatch.New(dispatch.Config{
		CycleInterval:    cfg.CycleInterval(),
		IndicatorTimeout: cfg.IndicatorTimeout(),
		TargetMultiplier: cfg.TargetMultiplier,
	}, aggregator, hist, engine, provider)
	dispatcher.Candles = bus.New[model.EnrichedCandle](fanoutBufferSize)
	dispatcher.Signals = bus.New[model.Signal](fanoutBufferSize)
	dispatcher.Candles.OnDrop = func(name string) { prom.FanoutDropsTotal.WithLabelValues("candles:" + name).Inc() }
	dispatcher.Signals.OnDrop = func(name string) { prom.FanoutDropsTotal.WithLabelValues("signals:" + name).Inc() }
	dispatcher.OnSignal = func(sig model.Signal) { prom.SignalsTotal.WithLabelValues(sig.Pattern).Inc() }
	dispatcher.OnIndicatorError = func(string, error) { prom.IndicatorErrors.Inc() }
	dispatcher.OnIndicators = func(d time.Duration) { prom.IndicatorFetchDur.Observe(d.Seconds()) }
	dispatcher.OnFinalized = func(_ model.Candle, lag time.Duration) { prom.CandleLag.Set(lag.Seconds()) }
	dispatcher.OnCycle = func(finalized, _ int, elapsed time.Duration) {
		prom.CandlesFinalized.Add(float64(finalized))
		prom.CycleDur.Observe(elapsed.Seconds())
		prom.OpenBuckets.Set(float64(aggregator.OpenBuckets()))
		health.SetLastCycleTime(time.Now())
	}

	// Consumers run on their own context. They stop when the fan-outs are
	// closed after the dispatcher exits, and the stores close after them.
	pipeCtx, stopPipe := context.WithCancel(context.Background())
	defer stopPipe()
	var consumers sync.WaitGroup

	// ---- Candle consumers ----
	candleCh := dispatcher.Candles.Subscribe("sqlite")
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		candleWriter.Run(pipeCtx, candleCh)
	}()
	if publisher != nil {
		redisCh := dispatcher.Candles.Subscribe("redis")
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			publisher.Run(pipeCtx, redisCh)
		}()
	}

	// ---- Signal sinks ----
	sinks := []*sink.Sink{
		sink.New("sqlite", signalStore),
		sink.New("notify", notification.SignalWriter{Notifier: buildNotifier(cfg, prom)}),
	}
	if publisher != nil {
		sinks = append(sinks, sink.New("redis", publisher))
	}
	if producer != nil {
		sinks = append(sinks, sink.New("kafka", producer))
	}
	for _, s := range sinks {
		s.OnError = func(name string, err error) {
			if errors.Is(err, notification.ErrThrottled) {
				return
			}
			prom.SinkFailures.WithLabelValues(name).Inc()
		}
		s.OnWrite = func(name string, elapsed time.Duration) {
			prom.SinkWriteDur.WithLabelValues(name).Observe(elapsed.Seconds())
		}
	}
	sinkGroup := sink.Attach(pipeCtx, dispatcher.Signals, sinks...)

	tickCh := make(chan model.Tick, tickBufferSize)
	go aggregator.Run(ctx, tickCh)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()
	go reportSaturation(ctx, prom, calendar, dispatcher, tickCh)

	// ---- Read API ----
	deps := api.Deps{
		Signals:  signalStore,
		Health:   health,
		Patterns: patternNames(engine),
		Market:   func() string { return calendar.Status(time.Now()) },
	}
	if publisher != nil {
		deps.Live = redisstore.NewReader(publisher.Client())
	}
	apiSrv := api.NewServer(cfg.APIAddr, deps)
	apiSrv.Start()

	// ---- Tick source ----
	feed := &feedRunner{cfg: cfg, broker: broker, calendar: calendar, health: health, prom: prom}
	go feed.Run(ctx, tickCh)

	slog.Info("pipeline ready", "sinks", len(sinks), "patterns", len(engine.Names()), "market", calendar.Status(time.Now()))

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiSrv.Stop(shutdownCtx); err != nil {
		slog.Warn("api shutdown", "error", err)
	}
	metricsSrv.Stop(shutdownCtx)

	<-dispatcherDone
	dispatcher.Candles.Close()
	dispatcher.Signals.Close()
	consumers.Wait()
	sinkGroup.Wait()
	return nil
}

// buildProvider returns the history provider, or the SmartAPI provider
// falling back to history when the remote fetch fails.
func buildProvider(ctx context.Context, cfg *config.Config, broker *smartapi.Client, prom *metrics.Metrics) indicator.Provider {
	local := indicator.NewHistoryProvider(cfg.RSIPeriod)
	if cfg.IndicatorSource != config.SourceSmartAPI {
		return local
	}
	remote := indicator.NewSmartAPIProvider(broker, cfg.RSIPeriod)
	remote.Lookback = cfg.IndicatorLookback()
	if cfg.StagingMode {
		// the live feed logs in at each open; staging has no feed login
		go loginOnce(ctx, cfg, broker)
	}
	return &indicator.Fallback{
		Primary:   remote,
		Secondary: local,
		OnFallback: func(err error) {
			prom.IndicatorFallbacks.Inc()
			slog.Debug("indicator fallback to history", "error", err)
		},
	}
}

func buildNotifier(cfg *config.Config, prom *metrics.Metrics) notification.Notifier {
	var remote notification.Multi
	if cfg.TelegramBotToken != "" {
		remote = append(remote, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		remote = append(remote, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if len(remote) == 0 {
		return notification.NewLogNotifier()
	}
	limited := notification.NewLimited(remote, cfg.NotifyRatePerSec, 5)
	limited.OnThrottled = func() { prom.NotificationsThrottled.Inc() }
	return notification.Multi{notification.NewLogNotifier(), limited}
}

func patternNames(e *pattern.Engine) []string {
	names := e.Names()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

// reportSaturation samples channel fill levels and the market phase.
func reportSaturation(ctx context.Context, prom *metrics.Metrics, cal *markethours.Calendar, d *dispatch.Dispatcher, tickCh chan model.Tick) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prom.ReportSaturation("candles", d.Candles.ChannelStats())
			prom.ReportSaturation("signals", d.Signals.ChannelStats())
			prom.ReportSaturation("ticks", []bus.ChannelStat{{Name: "ingest", Len: len(tickCh), Cap: cap(tickCh)}})
			prom.MarketState.Set(float64(cal.Phase(time.Now())))
		}
	}
}

