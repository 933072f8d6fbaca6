// Package indicator computes the EMA pair that rides along with the tick
// stream.
package indicator

import "github.com/shopspring/decimal"

// EMA is a streaming exponential moving average. The first period samples
// seed an SMA; after that each Update applies
// ema = price*k + ema*(1-k) with k = 2/(period+1).
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates an EMA with the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

// Update feeds the next price in chronological order.
func (e *EMA) Update(price float64) {
	e.count++

	if e.count <= e.period {
		e.sum += price
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return
	}

	e.current = (price * e.multiplier) + (e.current * (1 - e.multiplier))
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.period > 0 && e.count >= e.period }

// Compute folds prices (oldest first) through an EMA of the given period and
// returns the result rounded to 2 decimals. ok=false when there are fewer
// than period prices or period < 1.
func Compute(prices []float64, period int) (value float64, ok bool) {
	if period < 1 {
		return 0, false
	}
	e := NewEMA(period)
	for _, p := range prices {
		e.Update(p)
	}
	if !e.Ready() {
		return 0, false
	}
	return Round2(e.Value()), true
}

// Round2 rounds half away from zero to 2 decimal places.
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
