// Package indicator computes exponential moving averages over bar
// snapshots and keeps them current per (asset, timeframe, period).
package indicator

import "math"

// Alpha is the bar smoothing factor for period.
func Alpha(period int) float64 {
	return 2.0 / float64(period+1)
}

// DailyAlpha spreads alpha over tfDays daily steps so that compounding it
// tfDays times equals one bar step.
func DailyAlpha(alpha float64, tfDays int) float64 {
	if tfDays <= 1 {
		return alpha
	}
	return 1 - math.Pow(1-alpha, 1/float64(tfDays))
}

// EMA calculates an exponential moving average seeded by its first value.
// O(1) per update, no window storage needed.
type EMA struct {
	period  int
	alpha   float64
	current float64
	count   int
}

// NewEMA creates a new EMA with the given period.
func NewEMA(period int) *EMA {
	return &EMA{period: period, alpha: Alpha(period)}
}

func (e *EMA) Period() int { return e.period }

// Update feeds the next value and returns the new average.
func (e *EMA) Update(x float64) float64 {
	e.current = e.Peek(x)
	e.count++
	return e.current
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count > 0 }

// Peek computes what Value() would be after x without mutating state.
func (e *EMA) Peek(x float64) float64 {
	if e.count == 0 {
		return x
	}
	return e.alpha*x + (1-e.alpha)*e.current
}

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current = 0
	e.count = 0
}

// State is the persisted form of an EMA.
type State struct {
	Period  int     `json:"period"`
	Current float64 `json:"current"`
	Count   int     `json:"count"`
}

// Snapshot serializes the EMA state.
func (e *EMA) Snapshot() State {
	return State{Period: e.period, Current: e.current, Count: e.count}
}

// Restore continues the recursion from a stored state.
func (e *EMA) Restore(s State) {
	e.period = s.Period
	e.alpha = Alpha(s.Period)
	e.current = s.Current
	e.count = s.Count
}
