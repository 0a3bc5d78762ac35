// Package pattern evaluates a fixed, ordered library of bullish candlestick
// patterns against recent history and momentum/volume/VWAP gates.
package pattern

import (
	"math"

	"ultrashort/internal/model"
)

// Name identifies one pattern in the library.
type Name string

const (
	TweezerBottom      Name = "Tweezer Bottom"
	BullishEngulfing   Name = "Bullish Engulfing"
	Hammer             Name = "Hammer"
	PiercingLine       Name = "Piercing Line"
	MorningStar        Name = "Morning Star"
	InvertedHammer     Name = "Inverted Hammer"
	ThreeWhiteSoldiers Name = "Three White Soldiers"
	BullishHarami      Name = "Bullish Harami"
	RisingThree        Name = "Rising Three"
)

// Thresholds parameterise the three gates shared by every pattern.
type Thresholds struct {
	OversoldRSI       float64 // rsi must be strictly below
	VolumeSpikeFactor float64 // volume must exceed avgVolume times this
	VWAPProximity     float64 // |price-vwap|/vwap must be strictly below
}

// DefaultThresholds returns rsi < 30, volume > 1.5x average, within 0.5% of VWAP.
func DefaultThresholds() Thresholds {
	return Thresholds{
		OversoldRSI:       30,
		VolumeSpikeFactor: 1.5,
		VWAPProximity:     0.005,
	}
}

// Context is everything an evaluator may look at.
type Context struct {
	Candles       []model.EnrichedCandle // chronological, newest last
	RSI           float64
	CurrentVolume float64
	AvgVolume     float64
	VWAP          float64
}

// Last returns the trailing n candles, or nil when fewer are available.
func (c Context) Last(n int) []model.EnrichedCandle {
	if n <= 0 || len(c.Candles) < n {
		return nil
	}
	return c.Candles[len(c.Candles)-n:]
}

// Kind tags a Result.
type Kind int

const (
	NoSignal Kind = iota
	Buy
)

// Result is either NoSignal or Buy with the pattern and its stop-loss.
type Result struct {
	Kind     Kind
	Pattern  Name
	StopLoss float64
}

// None is the NoSignal result.
var None = Result{Kind: NoSignal}

// BuyAt returns a Buy result for pattern p with the given stop-loss.
func BuyAt(p Name, stopLoss float64) Result {
	return Result{Kind: Buy, Pattern: p, StopLoss: stopLoss}
}

// Fired reports whether r is a Buy.
func (r Result) Fired() bool { return r.Kind == Buy }

// Oversold reports rsi < th.OversoldRSI.
func (th Thresholds) Oversold(rsi float64) bool {
	return rsi < th.OversoldRSI
}

// VolumeSpike reports vol > avgVol * th.VolumeSpikeFactor.
func (th Thresholds) VolumeSpike(vol, avgVol float64) bool {
	return vol > avgVol*th.VolumeSpikeFactor
}

// NearVWAP reports |price-vwap|/vwap < th.VWAPProximity. A non-positive or
// non-finite vwap never passes.
func (th Thresholds) NearVWAP(price, vwap float64) bool {
	if vwap <= 0 || math.IsNaN(vwap) || math.IsInf(vwap, 0) {
		return false
	}
	return math.Abs(price-vwap)/vwap < th.VWAPProximity
}

// gates applies all three gates, using the close of the last candle as price.
func (th Thresholds) gates(ctx Context, last model.EnrichedCandle) bool {
	return th.Oversold(ctx.RSI) &&
		th.VolumeSpike(ctx.CurrentVolume, ctx.AvgVolume) &&
		th.NearVWAP(last.Close, ctx.VWAP)
}
