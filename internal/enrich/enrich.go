// Package enrich derives the candle shape fields the pattern engine reads.
package enrich

import (
	"math"

	"github.com/shopspring/decimal"

	"ultrashort/internal/model"
)

// Places is the number of decimals every derived field is rounded to.
const Places = 2

// Enrich computes VWAP, body, shadows, mid and direction for a finalized
// candle. It is pure: the same candle always yields the same result.
//
// VWAP falls back to the close when the candle carries no volume.
func Enrich(c model.Candle) model.EnrichedCandle {
	open := decimal.NewFromFloat(c.Open)
	closePx := decimal.NewFromFloat(c.Close)
	high := decimal.NewFromFloat(c.High)
	low := decimal.NewFromFloat(c.Low)

	top, bottom := closePx, open
	if open.GreaterThan(closePx) {
		top, bottom = open, closePx
	}

	vwap := closePx
	if c.Volume > 0 && !math.IsInf(c.VolumePriceSum, 0) {
		vwap = decimal.NewFromFloat(c.VolumePriceSum).Div(decimal.NewFromFloat(c.Volume))
	}

	bullish := c.Close > c.Open
	return model.EnrichedCandle{
		Candle:      c,
		VWAP:        round(vwap),
		Body:        round(closePx.Sub(open).Abs()),
		UpperShadow: round(high.Sub(top)),
		LowerShadow: round(bottom.Sub(low)),
		Mid:         round(open.Add(closePx).Div(decimal.NewFromInt(2))),
		IsBullish:   bullish,
		IsBearish:   !bullish,
	}
}

// Reenrich recomputes the derived fields from the embedded raw candle.
// Enriching an already enriched candle yields identical fields.
func Reenrich(e model.EnrichedCandle) model.EnrichedCandle {
	return Enrich(e.Candle)
}

// Round2 rounds v half away from zero to Places decimals.
func Round2(v float64) float64 {
	return round(decimal.NewFromFloat(v))
}

func round(d decimal.Decimal) float64 {
	f, _ := d.Round(Places).Float64()
	return f
}
