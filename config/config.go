// Package config loads the signal engine configuration. Values come from
// built-in defaults, then an optional YAML file (CONFIG_FILE), then
// environment variables (a .env file in the working directory is loaded
// first when present). Later sources win.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ultrashort/internal/markethours"
	"ultrashort/internal/pattern"
	"ultrashort/pkg/smartapi"
)

// Indicator sources.
const (
	SourceHistory  = "history"
	SourceSmartAPI = "smartapi"
)

// MinRetention is the longest pattern window (Rising Three).
const MinRetention = 5

// Config holds all application configuration.
type Config struct {
	// Angel One credentials
	AngelAPIKey     string `yaml:"angel_api_key"`
	AngelClientCode string `yaml:"angel_client_code"`
	AngelPassword   string `yaml:"angel_password"`
	AngelTOTPSecret string `yaml:"angel_totp_secret"`

	// Feed. SubscribeTokens is "exchangeType:token,..." e.g. "1:3045,1:2885".
	SubscribeTokens string `yaml:"subscribe_tokens"`
	MarketHolidays  string `yaml:"market_holidays"` // extra closed dates, YYYY-MM-DD,...
	StagingMode     bool   `yaml:"staging_mode"`
	SimWSURL        string `yaml:"sim_ws_url"`

	// Pipeline
	CandleIntervalMs     int64   `yaml:"candle_interval_ms"`
	CycleIntervalMs      int64   `yaml:"cycle_interval_ms"`
	HistoryRetention     int     `yaml:"history_retention"`
	RSIPeriod            int     `yaml:"rsi_period"`
	IndicatorSource      string  `yaml:"indicator_source"`
	IndicatorTimeoutMs   int64   `yaml:"indicator_timeout_ms"`
	IndicatorLookbackMin int     `yaml:"indicator_lookback_min"`
	RSIOversold          float64 `yaml:"rsi_oversold"`
	VolumeSpikeFactor    float64 `yaml:"volume_spike_factor"`
	VWAPProximity        float64 `yaml:"vwap_proximity"`
	TargetMultiplier     float64 `yaml:"target_multiplier"`

	// Infrastructure. Empty RedisAddr / KafkaBrokers disable those sinks.
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	KafkaBrokers  string `yaml:"kafka_brokers"`
	KafkaTopic    string `yaml:"kafka_topic"`

	// Notification
	TelegramBotToken string  `yaml:"telegram_bot_token"`
	TelegramChatID   string  `yaml:"telegram_chat_id"`
	WebhookURL       string  `yaml:"webhook_url"`
	NotifyRatePerSec float64 `yaml:"notify_rate_per_sec"`

	// Serving
	APIAddr     string `yaml:"api_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		SubscribeTokens: "1:3045",
		SimWSURL:        "ws://localhost:9001/ws",

		CandleIntervalMs:     60_000,
		CycleIntervalMs:      1_000,
		HistoryRetention:     20,
		RSIPeriod:            14,
		IndicatorSource:      SourceHistory,
		IndicatorTimeoutMs:   3_000,
		IndicatorLookbackMin: 15,
		RSIOversold:          30,
		VolumeSpikeFactor:    1.5,
		VWAPProximity:        0.005,
		TargetMultiplier:     1.10,

		SQLitePath: "data/ultrashort.db",
		KafkaTopic: "ultrashort.signals",

		NotifyRatePerSec: 1,

		APIAddr:     ":8080",
		MetricsAddr: ":9090",
		LogLevel:    "info",
	}
}

// Load builds the configuration from defaults, .env, CONFIG_FILE and the
// environment, then validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("config: .env not loaded", "error", err)
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	envString("ANGEL_API_KEY", &c.AngelAPIKey)
	envString("ANGEL_CLIENT_CODE", &c.AngelClientCode)
	envString("ANGEL_PASSWORD", &c.AngelPassword)
	envString("ANGEL_TOTP_SECRET", &c.AngelTOTPSecret)

	envString("SUBSCRIBE_TOKENS", &c.SubscribeTokens)
	envString("MARKET_HOLIDAYS", &c.MarketHolidays)
	envBool("STAGING_MODE", &c.StagingMode)
	envString("SIM_WS_URL", &c.SimWSURL)

	envInt64("CANDLE_INTERVAL_MS", &c.CandleIntervalMs)
	envInt64("CYCLE_INTERVAL_MS", &c.CycleIntervalMs)
	envInt("HISTORY_RETENTION", &c.HistoryRetention)
	envInt("RSI_PERIOD", &c.RSIPeriod)
	envString("INDICATOR_SOURCE", &c.IndicatorSource)
	envInt64("INDICATOR_TIMEOUT_MS", &c.IndicatorTimeoutMs)
	envInt("INDICATOR_LOOKBACK_MIN", &c.IndicatorLookbackMin)
	envFloat("RSI_OVERSOLD", &c.RSIOversold)
	envFloat("VOLUME_SPIKE_FACTOR", &c.VolumeSpikeFactor)
	envFloat("VWAP_PROXIMITY", &c.VWAPProximity)
	envFloat("TARGET_MULTIPLIER", &c.TargetMultiplier)

	envString("SQLITE_PATH", &c.SQLitePath)
	envString("REDIS_ADDR", &c.RedisAddr)
	envString("REDIS_PASSWORD", &c.RedisPassword)
	envString("KAFKA_BROKERS", &c.KafkaBrokers)
	envString("KAFKA_TOPIC", &c.KafkaTopic)

	envString("TELEGRAM_BOT_TOKEN", &c.TelegramBotToken)
	envString("TELEGRAM_CHAT_ID", &c.TelegramChatID)
	envString("WEBHOOK_URL", &c.WebhookURL)
	envFloat("NOTIFY_RATE_PER_SEC", &c.NotifyRatePerSec)

	envString("API_ADDR", &c.APIAddr)
	envString("METRICS_ADDR", &c.MetricsAddr)
	envString("LOG_LEVEL", &c.LogLevel)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if !c.StagingMode || c.IndicatorSource == SourceSmartAPI {
		for key, v := range map[string]string{
			"ANGEL_API_KEY":     c.AngelAPIKey,
			"ANGEL_CLIENT_CODE": c.AngelClientCode,
			"ANGEL_PASSWORD":    c.AngelPassword,
			"ANGEL_TOTP_SECRET": c.AngelTOTPSecret,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("%s is required for the live feed and smartapi indicators", key))
			}
		}
	}
	if c.StagingMode && c.SimWSURL == "" {
		errs = append(errs, errors.New("SIM_WS_URL is required in staging mode"))
	}
	if c.CandleIntervalMs <= 0 {
		errs = append(errs, errors.New("CANDLE_INTERVAL_MS must be positive"))
	}
	if c.CycleIntervalMs <= 0 {
		errs = append(errs, errors.New("CYCLE_INTERVAL_MS must be positive"))
	}
	if c.HistoryRetention < MinRetention {
		errs = append(errs, fmt.Errorf("HISTORY_RETENTION must be at least %d", MinRetention))
	}
	if c.RSIPeriod < 1 {
		errs = append(errs, errors.New("RSI_PERIOD must be positive"))
	}
	if c.IndicatorSource != SourceHistory && c.IndicatorSource != SourceSmartAPI {
		errs = append(errs, fmt.Errorf("INDICATOR_SOURCE must be %q or %q, got %q", SourceHistory, SourceSmartAPI, c.IndicatorSource))
	}
	if c.IndicatorTimeoutMs <= 0 {
		errs = append(errs, errors.New("INDICATOR_TIMEOUT_MS must be positive"))
	}
	if c.VolumeSpikeFactor <= 0 || c.VWAPProximity <= 0 || c.RSIOversold <= 0 {
		errs = append(errs, errors.New("gate thresholds must be positive"))
	}
	if c.TargetMultiplier <= 1 {
		errs = append(errs, errors.New("TARGET_MULTIPLIER must be greater than 1"))
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}
	if _, err := c.Tokens(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Holidays(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Tokens parses SubscribeTokens into per-exchange token lists, in first-seen
// exchange order. A bare token means NSE cash.
func (c *Config) Tokens() ([]smartapi.TokenList, error) {
	var lists []smartapi.TokenList
	index := make(map[int]int)
	for _, part := range strings.Split(c.SubscribeTokens, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		exType, token := smartapi.NSECM, part
		if ex, tok, ok := strings.Cut(part, ":"); ok {
			n, err := strconv.Atoi(ex)
			if err != nil || n <= 0 || tok == "" {
				return nil, fmt.Errorf("SUBSCRIBE_TOKENS: invalid entry %q", part)
			}
			exType, token = n, tok
		}
		i, ok := index[exType]
		if !ok {
			i = len(lists)
			index[exType] = i
			lists = append(lists, smartapi.TokenList{ExchangeType: exType})
		}
		lists[i].Tokens = append(lists[i].Tokens, token)
	}
	if len(lists) == 0 {
		return nil, errors.New("SUBSCRIBE_TOKENS is empty")
	}
	return lists, nil
}

// Holidays parses MarketHolidays as IST calendar dates.
func (c *Config) Holidays() ([]time.Time, error) {
	var out []time.Time
	for _, part := range strings.Split(c.MarketHolidays, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		d, err := time.ParseInLocation(time.DateOnly, part, markethours.IST)
		if err != nil {
			return nil, fmt.Errorf("MARKET_HOLIDAYS: invalid date %q", part)
		}
		out = append(out, d)
	}
	return out, nil
}

// Thresholds returns the pattern gate thresholds.
func (c *Config) Thresholds() pattern.Thresholds {
	return pattern.Thresholds{
		OversoldRSI:       c.RSIOversold,
		VolumeSpikeFactor: c.VolumeSpikeFactor,
		VWAPProximity:     c.VWAPProximity,
	}
}

func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalMs) * time.Millisecond
}

func (c *Config) IndicatorTimeout() time.Duration {
	return time.Duration(c.IndicatorTimeoutMs) * time.Millisecond
}

func (c *Config) IndicatorLookback() time.Duration {
	return time.Duration(c.IndicatorLookbackMin) * time.Minute
}

// KafkaBrokerList splits KafkaBrokers; nil means Kafka is disabled.
func (c *Config) KafkaBrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("config: ignoring invalid bool", "key", key, "value", v)
			return
		}
		*dst = b
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("config: ignoring invalid int", "key", key, "value", v)
			return
		}
		*dst = n
	}
}

func envInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			slog.Warn("config: ignoring invalid int", "key", key, "value", v)
			return
		}
		*dst = n
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			slog.Warn("config: ignoring invalid float", "key", key, "value", v)
			return
		}
		*dst = f
	}
}
