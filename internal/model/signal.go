package model

import (
	"encoding/json"
	"time"
)

const (
	ActionBuy      = "BUY"
	OptionTypeCall = "CALL"
)

// Signal is a BUY proposal produced when a pattern fires on a finalized candle.
type Signal struct {
	ID           string  `json:"id"`
	InstrumentID string  `json:"instrument_id"`
	Exchange     string  `json:"exchange,omitempty"`
	Pattern      string  `json:"pattern"`
	Action       string  `json:"action"`
	OptionType   string  `json:"option_type"`
	StopLoss     float64 `json:"stop_loss"`
	EntryPrice   float64 `json:"entry_price"`
	Target       float64 `json:"target"`
	CandleTS     int64   `json:"candle_ts"` // bucket start of the candle that fired
	TimestampMs  int64   `json:"timestamp_ms"`
}

// Time returns the signal creation time.
func (s *Signal) Time() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// JSON returns the JSON-encoded signal (ignoring errors for hot-path usage).
func (s *Signal) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}
