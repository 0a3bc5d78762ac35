package model

// Tick is a single last-traded-price update for an instrument.
// Prices are rupees; the feed's paise values are converted at the boundary.
type Tick struct {
	InstrumentID string  `json:"instrument_id"`
	Exchange     string  `json:"exchange"`
	Price        float64 `json:"price"`
	Volume       float64 `json:"volume"` // last traded quantity, 1 when the feed omits it
	TimestampMs  int64   `json:"timestamp_ms"`
}
