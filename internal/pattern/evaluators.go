package pattern

import "ultrashort/internal/model"

// Evaluator is one pure pattern predicate.
type Evaluator interface {
	Name() Name
	// Required is the number of trailing candles the shape needs.
	Required() int
	Evaluate(ctx Context, th Thresholds) Result
}

// shapeFunc checks the geometric condition on exactly Required() candles and
// returns the candle whose low becomes the stop-loss.
type shapeFunc func(c []model.EnrichedCandle) (stop model.EnrichedCandle, ok bool)

type evaluator struct {
	name     Name
	required int
	shape    shapeFunc
}

func (e evaluator) Name() Name    { return e.name }
func (e evaluator) Required() int { return e.required }

func (e evaluator) Evaluate(ctx Context, th Thresholds) Result {
	window := ctx.Last(e.required)
	if window == nil {
		return None
	}
	stop, ok := e.shape(window)
	if !ok || !th.gates(ctx, window[len(window)-1]) {
		return None
	}
	return BuyAt(e.name, stop.Low)
}

// Library returns the nine evaluators in their fixed priority order.
func Library() []Evaluator {
	return []Evaluator{
		evaluator{TweezerBottom, 2, tweezerBottom},
		evaluator{BullishEngulfing, 2, bullishEngulfing},
		evaluator{Hammer, 1, hammer},
		evaluator{PiercingLine, 2, piercingLine},
		evaluator{MorningStar, 3, morningStar},
		evaluator{InvertedHammer, 1, invertedHammer},
		evaluator{ThreeWhiteSoldiers, 3, threeWhiteSoldiers},
		evaluator{BullishHarami, 2, bullishHarami},
		evaluator{RisingThree, 5, risingThree},
	}
}

// Equal lows, bearish then bullish.
func tweezerBottom(c []model.EnrichedCandle) (model.EnrichedCandle, bool) {
	first, second := c[0], c[1]
	return second, first.Low == second.Low && first.IsBearish && second.IsBullish
}

func bullishEngulfing(c []model.EnrichedCandle) (model.EnrichedCandle, bool) {
	first, second := c[0], c[1]
	return second, second.IsBullish && second.Body > first.Body
}

// Small upper wick, long lower wick.
func hammer(c []model.EnrichedCandle) (model.EnrichedCandle, bool) {
	k := c[0]
	return k, k.UpperShadow < k.Body && k.LowerShadow > 2*k.Body && k.IsBullish
}

func piercingLine(c []model.EnrichedCandle) (model.EnrichedCandle, bool) {
	first, second := c[0], c[1]
	return second, first.IsBearish && second.IsBullish &&
		second.Open < first.Low && second.Close > first.Mid
}

// The star gaps below the first close with a body under 30% of the first.
func morningStar(c []model.EnrichedCandle) (model.EnrichedCandle, bool) {
	first, star, third := c[0], c[1], c[2]
	return star, first.IsBearish &&
		star.Open < first.Close &&
		star.Body < first.Body*0.3 &&
		third.IsBullish && third.Close > first.Mid
}

func invertedHammer(c []model.EnrichedCandle) (model.EnrichedCandle, bool) {
	k := c[0]
	return k, k.UpperShadow > 2*k.Body && k.LowerShadow < k.Body && k.IsBullish
}

func threeWhiteSoldiers(c []model.EnrichedCandle) (model.EnrichedCandle, bool) {
	for _, k := range c {
		if !k.IsBullish || k.Close <= k.Open {
			return model.EnrichedCandle{}, false
		}
	}
	return c[2], true
}

func bullishHarami(c []model.EnrichedCandle) (model.EnrichedCandle, bool) {
	first, second := c[0], c[1]
	return second, first.IsBearish && second.IsBullish &&
		second.Open < first.Close && second.Close > second.Open
}

// One bearish candle followed by four bullish ones.
func risingThree(c []model.EnrichedCandle) (model.EnrichedCandle, bool) {
	if !c[0].IsBearish {
		return model.EnrichedCandle{}, false
	}
	for _, k := range c[1:] {
		if !k.IsBullish {
			return model.EnrichedCandle{}, false
		}
	}
	return c[4], true
}
