package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"ultrashort/internal/model"
)

const (
	// SignalStream is the capped stream every signal is appended to.
	SignalStream = "signals"
	// SignalChannel carries live signals for pub/sub consumers.
	SignalChannel = "pub:signal"

	defaultSignalMaxLen = 10000
	defaultCandleMaxLen = 1000
	defaultLatestTTL    = 30 * time.Minute
	defaultMaxBuffer    = 10000
	flushChunk          = 100
	writeTimeout        = 2 * time.Second
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int

	IntervalMs   int64 // candle interval used in key names (default 60000)
	SignalMaxLen int64
	CandleMaxLen int64

	MaxFailures  int           // consecutive failures before the breaker opens (default 5)
	Cooldown     time.Duration // how long the breaker stays open (default 10s)
	MaxBuffer    int           // writes held while the breaker is open (default 10000)
}

func (c *Config) applyDefaults() {
	if c.IntervalMs <= 0 {
		c.IntervalMs = 60_000
	}
	if c.SignalMaxLen <= 0 {
		c.SignalMaxLen = defaultSignalMaxLen
	}
	if c.CandleMaxLen <= 0 {
		c.CandleMaxLen = defaultCandleMaxLen
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = defaultMaxBuffer
	}
}

// IntervalLabel names an interval in whole seconds ("60s") when it divides
// evenly and in milliseconds ("1500ms") otherwise.
func IntervalLabel(intervalMs int64) string {
	if intervalMs%1000 == 0 {
		return strconv.FormatInt(intervalMs/1000, 10) + "s"
	}
	return strconv.FormatInt(intervalMs, 10) + "ms"
}

// CandleStreamKey returns "candle:{interval}:{exchange}:{instrument}".
func CandleStreamKey(intervalMs int64, c model.Candle) string {
	return "candle:" + IntervalLabel(intervalMs) + ":" + c.Exchange + ":" + c.InstrumentID
}

// write is one pipelined group: optional XADD, SET latest and PUBLISH.
type write struct {
	stream  string
	maxLen  int64
	latest  string
	channel string
	data    string
}

// Publisher writes signals and finalized candles to Redis through a circuit
// breaker. While the breaker is open, writes are held in a bounded buffer
// (oldest dropped first) and replayed when it closes again.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker
	cfg    Config

	mu     sync.Mutex
	buffer []write

	OnBuffer      func()              // a write was buffered
	OnDrop        func()              // the buffer was full and the oldest write was dropped
	OnFlush       func(count int)     // buffered writes were replayed
	OnStateChange func(from, to State) // breaker transition, called under the breaker lock
}

// New connects to Redis, pings it and returns a Publisher.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("redis connected", "addr", cfg.Addr)
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg Config) *Publisher {
	cfg.applyDefaults()
	p := &Publisher{
		client: client,
		cb:     NewCircuitBreaker(cfg.MaxFailures, cfg.Cooldown),
		cfg:    cfg,
		buffer: make([]write, 0, 64),
	}
	p.cb.OnStateChange = func(from, to State) {
		slog.Warn("redis circuit breaker", "from", from.String(), "to", to.String())
		if p.OnStateChange != nil {
			p.OnStateChange(from, to)
		}
		if to == StateClosed {
			go p.flush(context.Background())
		}
	}
	return p
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// WriteSignal appends sig to the signals stream and publishes it.
// When the breaker is open the write is buffered and nil is returned.
func (p *Publisher) WriteSignal(ctx context.Context, sig model.Signal) error {
	return p.send(ctx, write{
		stream:  SignalStream,
		maxLen:  p.cfg.SignalMaxLen,
		channel: SignalChannel,
		data:    string(sig.JSON()),
	})
}

// Run writes enriched candles from candleCh until the channel is closed or
// ctx is cancelled. On cancel, candles already queued are still written.
// Errors are logged; the candle is not retried.
func (p *Publisher) Run(ctx context.Context, candleCh <-chan model.EnrichedCandle) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case c, ok := <-candleCh:
					if !ok {
						return
					}
					p.writeCandle(ctx, c)
				default:
					return
				}
			}
		case c, ok := <-candleCh:
			if !ok {
				return
			}
			p.writeCandle(ctx, c)
		}
	}
}

func (p *Publisher) writeCandle(ctx context.Context, c model.EnrichedCandle) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := p.WriteCandle(wctx, c); err != nil {
		slog.Warn("redis candle write failed", "key", c.Key(), "error", err)
	}
}

// WriteCandle appends c to its candle stream, refreshes the latest key and
// publishes it.
func (p *Publisher) WriteCandle(ctx context.Context, c model.EnrichedCandle) error {
	stream := CandleStreamKey(p.cfg.IntervalMs, c.Candle)
	return p.send(ctx, write{
		stream:  stream,
		maxLen:  p.cfg.CandleMaxLen,
		latest:  "candle:" + IntervalLabel(p.cfg.IntervalMs) + ":latest:" + c.Exchange + ":" + c.InstrumentID,
		channel: "pub:" + stream,
		data:    string(c.JSON()),
	})
}

func (p *Publisher) send(ctx context.Context, w write) error {
	err := p.cb.Execute(func() error { return p.exec(ctx, []write{w}) })
	if errors.Is(err, ErrCircuitOpen) {
		p.bufferWrite(w)
		return nil
	}
	return err
}

func (p *Publisher) exec(ctx context.Context, ws []write) error {
	pipe := p.client.Pipeline()
	for _, w := range ws {
		if w.stream != "" {
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: w.stream,
				MaxLen: w.maxLen,
				Approx: true,
				Values: map[string]interface{}{"data": w.data},
			})
		}
		if w.latest != "" {
			pipe.Set(ctx, w.latest, w.data, defaultLatestTTL)
		}
		if w.channel != "" {
			pipe.Publish(ctx, w.channel, w.data)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (p *Publisher) bufferWrite(w write) {
	p.mu.Lock()
	dropped := false
	if len(p.buffer) >= p.cfg.MaxBuffer {
		p.buffer = p.buffer[1:]
		dropped = true
	}
	p.buffer = append(p.buffer, w)
	p.mu.Unlock()

	if dropped && p.OnDrop != nil {
		p.OnDrop()
	}
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// Buffered returns the number of writes waiting for the breaker to close.
func (p *Publisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// flush replays buffered writes in chunks. A failing chunk and everything
// after it go back to the front of the buffer.
func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	pending := p.buffer
	p.buffer = make([]write, 0, 64)
	p.mu.Unlock()

	flushed := 0
	for len(pending) > 0 {
		n := min(flushChunk, len(pending))
		if err := p.cb.Execute(func() error { return p.exec(ctx, pending[:n]) }); err != nil {
			p.mu.Lock()
			p.buffer = append(pending, p.buffer...)
			p.mu.Unlock()
			slog.Warn("redis buffer flush interrupted", "remaining", len(pending), "error", err)
			break
		}
		flushed += n
		pending = pending[n:]
	}

	if flushed > 0 {
		slog.Info("redis buffer flushed", "writes", flushed)
		if p.OnFlush != nil {
			p.OnFlush(flushed)
		}
	}
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
