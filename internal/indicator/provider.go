// Package indicator computes the momentum, volume and VWAP inputs the pattern
// gates need, either from retained candle history or from the broker.
package indicator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ultrashort/internal/model"
	"ultrashort/pkg/smartapi"
)

// DefaultAvgVolume is used when there is nothing to average.
const DefaultAvgVolume = 1.0

// ErrNoHistory is returned when a provider has no candles to work from.
var ErrNoHistory = errors.New("indicator: no history")

// Snapshot is the gate input for one instrument at one candle.
type Snapshot struct {
	RSI           float64 `json:"rsi"`
	CurrentVolume float64 `json:"current_volume"`
	AvgVolume     float64 `json:"avg_volume"`
	VWAP          float64 `json:"vwap"`
	Source        string  `json:"source"`
}

// Provider supplies indicator values for the newest candle of history.
// history is chronological and its last element is the candle just finalized.
type Provider interface {
	Indicators(ctx context.Context, history []model.EnrichedCandle) (Snapshot, error)
}

// HistoryProvider derives everything from retained candles.
//
// RSI runs over the closes (NeutralRSI until period+1 closes exist).
// AvgVolume is the mean volume of the candles before the newest one.
// VWAP is Σ(volume×price)/Σ(volume) across the window.
type HistoryProvider struct {
	Period int
}

// NewHistoryProvider creates a HistoryProvider with the given RSI period.
func NewHistoryProvider(period int) *HistoryProvider {
	if period < 1 {
		period = DefaultRSIPeriod
	}
	return &HistoryProvider{Period: period}
}

func (p *HistoryProvider) Indicators(_ context.Context, history []model.EnrichedCandle) (Snapshot, error) {
	if len(history) == 0 {
		return Snapshot{}, ErrNoHistory
	}
	last := history[len(history)-1]

	closes := make([]float64, len(history))
	var volSum, vpsSum float64
	prior := NewSMA(len(history))
	for i, c := range history {
		closes[i] = c.Close
		volSum += c.Volume
		vpsSum += c.VolumePriceSum
		if i < len(history)-1 {
			prior.Update(c.Volume)
		}
	}

	avgVol := prior.Mean()
	if avgVol <= 0 {
		avgVol = DefaultAvgVolume
	}
	vwap := last.Close
	if volSum > 0 {
		vwap = vpsSum / volSum
	}

	return Snapshot{
		RSI:           RSIOf(p.Period, closes),
		CurrentVolume: last.Volume,
		AvgVolume:     avgVol,
		VWAP:          vwap,
		Source:        "history",
	}, nil
}

// CandleFetcher is the slice of the broker client the SmartAPI provider uses.
type CandleFetcher interface {
	CandleData(ctx context.Context, p smartapi.CandleParams) ([]smartapi.HistoricalCandle, error)
}

// SmartAPIProvider fetches the last Lookback of one-minute candles from the
// broker and computes the gate inputs from them.
type SmartAPIProvider struct {
	Client   CandleFetcher
	Lookback time.Duration // default 15m
	Period   int
	Exchange string // used when the candle carries none; default "NSE"
	Now      func() time.Time
}

// NewSmartAPIProvider creates a provider with the default 15 minute lookback.
func NewSmartAPIProvider(client CandleFetcher, period int) *SmartAPIProvider {
	return &SmartAPIProvider{
		Client:   client,
		Lookback: 15 * time.Minute,
		Period:   period,
		Exchange: "NSE",
		Now:      time.Now,
	}
}

func (p *SmartAPIProvider) Indicators(ctx context.Context, history []model.EnrichedCandle) (Snapshot, error) {
	if len(history) == 0 {
		return Snapshot{}, ErrNoHistory
	}
	last := history[len(history)-1]

	exchange := last.Exchange
	if exchange == "" {
		exchange = p.Exchange
	}
	to := p.Now()
	rows, err := p.Client.CandleData(ctx, smartapi.CandleParams{
		Exchange:    exchange,
		SymbolToken: last.InstrumentID,
		Interval:    smartapi.IntervalOneMinute,
		From:        to.Add(-p.Lookback),
		To:          to,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("indicator: fetch %s: %w", last.InstrumentID, err)
	}
	if len(rows) == 0 {
		return Snapshot{}, fmt.Errorf("indicator: fetch %s: %w", last.InstrumentID, ErrNoHistory)
	}

	closes := make([]float64, len(rows))
	var volSum, weighted float64
	for i, r := range rows {
		closes[i] = r.Close
		volSum += r.Volume
		weighted += r.Close * r.Volume
	}

	vwap := last.Open
	if volSum > 0 {
		vwap = weighted / volSum
	}
	avgVol := volSum / float64(len(rows))
	if avgVol <= 0 {
		avgVol = DefaultAvgVolume
	}

	return Snapshot{
		RSI:           RSIOf(p.Period, closes),
		CurrentVolume: rows[len(rows)-1].Volume,
		AvgVolume:     avgVol,
		VWAP:          vwap,
		Source:        "smartapi",
	}, nil
}

// Fallback asks Primary first and degrades to Secondary when it fails.
type Fallback struct {
	Primary   Provider
	Secondary Provider

	// OnFallback is called with the primary's error (optional).
	OnFallback func(err error)
}

func (f *Fallback) Indicators(ctx context.Context, history []model.EnrichedCandle) (Snapshot, error) {
	snap, err := f.Primary.Indicators(ctx, history)
	if err == nil {
		return snap, nil
	}
	if f.OnFallback != nil {
		f.OnFallback(err)
	}
	if f.Secondary == nil {
		return Snapshot{}, err
	}
	snap, err2 := f.Secondary.Indicators(ctx, history)
	if err2 != nil {
		return Snapshot{}, errors.Join(err, err2)
	}
	return snap, nil
}
