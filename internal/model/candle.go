package model

import (
	"encoding/json"
	"time"
)

// Candle is the raw OHLCV summary of one instrument over one interval bucket.
type Candle struct {
	InstrumentID   string  `json:"instrument_id"`
	Exchange       string  `json:"exchange,omitempty"`
	BucketStart    int64   `json:"bucket_start"` // ms, interval-aligned
	Open           float64 `json:"open"`
	High           float64 `json:"high"`
	Low            float64 `json:"low"`
	Close          float64 `json:"close"`
	Volume         float64 `json:"volume"`
	VolumePriceSum float64 `json:"volume_price_sum"`
	Ticks          int     `json:"ticks"`
}

// Key returns "exchange:instrument", or the bare instrument id when the
// exchange is unknown.
func (c *Candle) Key() string {
	if c.Exchange == "" {
		return c.InstrumentID
	}
	return c.Exchange + ":" + c.InstrumentID
}

// Time returns the bucket start as a UTC time.
func (c *Candle) Time() time.Time {
	return time.UnixMilli(c.BucketStart).UTC()
}

// EnrichedCandle is a finalized candle with its derived shape fields.
// Values are rounded to two decimals and never mutated after creation.
type EnrichedCandle struct {
	Candle
	VWAP        float64 `json:"vwap"`
	Body        float64 `json:"body"`
	UpperShadow float64 `json:"upper_shadow"`
	LowerShadow float64 `json:"lower_shadow"`
	Mid         float64 `json:"mid"`
	IsBullish   bool    `json:"is_bullish"`
	IsBearish   bool    `json:"is_bearish"`
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *EnrichedCandle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
