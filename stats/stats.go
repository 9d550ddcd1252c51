// Package stats has helpers to accumulate and plot training statistics.
package stats

import (
	"math"
)

// Calc exponentional moving average
type EMA float64

func (e EMA) Add(val, n float64) float64 {
	if e == 0 {
		return val
	}
	k := 2.0 / (n + 1.0)
	return val*k + float64(e)*(1-k)
}

// Running mean and stddev as per http://www.johndcook.com/blog/standard_deviation/
type Average struct {
	Count, Mean float64
	Var, StdDev float64
	oldM, oldV  float64
}

func (s *Average) Add(x float64) {
	s.Count++
	if s.Count == 1 {
		s.oldM, s.Mean = x, x
		s.oldV = 0
	} else {
		s.Mean = s.oldM + (x-s.oldM)/s.Count
		s.Var = s.oldV + (x-s.oldM)*(x-s.Mean)
		s.oldM, s.oldV = s.Mean, s.Var
		s.StdDev = math.Sqrt(s.Var / (s.Count - 1))
	}
}

// Series is a list of per epoch values with an exponential moving average used to
// detect when the value has stopped improving.
type Series struct {
	Values   []float64
	Smoothed []float64
	Span     float64
	ema      EMA
	best     float64
	bestAt   int
}

// NewSeries with the given averaging span in epochs.
func NewSeries(span float64) *Series {
	return &Series{Span: span, best: math.MaxFloat64}
}

// Add a value, returns true if the smoothed value is a new minimum.
func (s *Series) Add(v float64) bool {
	s.ema = EMA(s.ema.Add(v, s.Span))
	s.Values = append(s.Values, v)
	s.Smoothed = append(s.Smoothed, float64(s.ema))
	if float64(s.ema) < s.best {
		s.best = float64(s.ema)
		s.bestAt = len(s.Values) - 1
		return true
	}
	return false
}

// SinceBest is the number of values added since the minimum.
func (s *Series) SinceBest() int {
	if len(s.Values) == 0 {
		return 0
	}
	return len(s.Values) - 1 - s.bestAt
}

// Last value or zero if empty
func (s *Series) Last() float64 {
	if len(s.Values) == 0 {
		return 0
	}
	return s.Values[len(s.Values)-1]
}
