package indicator

// DefaultRSIPeriod is the conventional 14-period lookback.
const DefaultRSIPeriod = 14

// NeutralRSI is reported when too few closes are available.
const NeutralRSI = 50.0

// RSI calculates the Relative Strength Index using Wilder's smoothing method.
// Update is O(1) per value.
type RSI struct {
	period    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	current   float64
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSI {
	if period < 1 {
		period = DefaultRSIPeriod
	}
	return &RSI{period: period}
}

func (r *RSI) Update(price float64) {
	r.count++
	if r.count == 1 {
		r.prevClose = price
		return
	}

	gain, loss := split(price - r.prevClose)
	r.prevClose = price

	if r.count <= r.period+1 {
		// Seed with the simple average of the first period deltas.
		r.avgGain += gain
		r.avgLoss += loss
		if r.count == r.period+1 {
			r.avgGain /= float64(r.period)
			r.avgLoss /= float64(r.period)
			r.current = rsiFrom(r.avgGain, r.avgLoss)
		}
		return
	}

	p := float64(r.period)
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	r.current = rsiFrom(r.avgGain, r.avgLoss)
}

func (r *RSI) Value() float64 { return r.current }
func (r *RSI) Ready() bool    { return r.count > r.period }

// ValueOr returns the RSI, or def while not Ready.
func (r *RSI) ValueOr(def float64) float64 {
	if !r.Ready() {
		return def
	}
	return r.current
}

// RSIOf runs a fresh RSI over closes and returns NeutralRSI when there are
// not enough of them.
func RSIOf(period int, closes []float64) float64 {
	r := NewRSI(period)
	for _, c := range closes {
		r.Update(c)
	}
	return r.ValueOr(NeutralRSI)
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}
