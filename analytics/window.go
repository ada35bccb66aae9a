package analytics

import "math"

// midWindow is a fixed-capacity rolling window of mid prices for one
// instrument. Not safe for concurrent use; the engine owns one per symbol.
type midWindow struct {
	samples []float64
	max     int
}

func newMidWindow(max int) *midWindow {
	return &midWindow{samples: make([]float64, 0, max), max: max}
}

func (w *midWindow) Add(mid float64) {
	if len(w.samples) == w.max {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:len(w.samples)-1]
	}
	w.samples = append(w.samples, mid)
}

func (w *midWindow) Len() int {
	return len(w.samples)
}

func (w *midWindow) Reset() {
	w.samples = w.samples[:0]
}

// RealizedVariance returns the sum of squared log returns over the window
// and the number of returns it was computed from.
func (w *midWindow) RealizedVariance() (float64, int) {
	if len(w.samples) < 2 {
		return 0, 0
	}
	var sum float64
	returns := 0
	for i := 1; i < len(w.samples); i++ {
		prev, cur := w.samples[i-1], w.samples[i]
		if prev <= 0 || cur <= 0 {
			continue
		}
		r := math.Log(cur / prev)
		sum += r * r
		returns++
	}
	return sum, returns
}
