package metrics

import "math"

// Running keeps the last N appended values in a circular buffer.
type Running struct {
	window []float64
	next   int
	full   bool
}

// NewRunning returns a Running accumulator over the last n values.
func NewRunning(n int) *Running {
	if n < 1 {
		n = 1
	}
	return &Running{window: make([]float64, n)}
}

// Len returns the number of values currently held.
func (r *Running) Len() int {
	if r.full {
		return len(r.window)
	}
	return r.next
}

// Append adds v, evicting the oldest value once the window is full.
func (r *Running) Append(v float64) {
	r.window[r.next] = v
	r.next++
	if r.next == len(r.window) {
		r.next = 0
		r.full = true
	}
}

// Last returns the most recently appended value, NaN when empty.
func (r *Running) Last() float64 {
	if r.Len() == 0 {
		return math.NaN()
	}
	i := r.next - 1
	if i < 0 {
		i = len(r.window) - 1
	}
	return r.window[i]
}

// Mean returns the mean of the held values, NaN when empty.
func (r *Running) Mean() float64 {
	n := r.Len()
	if n == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range r.window[:n] {
		sum += v
	}
	return sum / float64(n)
}

// Reset empties the window.
func (r *Running) Reset() {
	r.next = 0
	r.full = false
}

// Accumulator tracks a running sum and count of scalar signals such as
// early-stop or checkpoint metrics.
type Accumulator struct {
	sum   float64
	count int
}

// Accumulate adds v.
func (a *Accumulator) Accumulate(v float64) {
	a.sum += v
	a.count++
}

// Count returns the number of accumulated values.
func (a *Accumulator) Count() int { return a.count }

// Mean returns the mean, NaN before anything was accumulated.
func (a *Accumulator) Mean() float64 {
	if a.count == 0 {
		return math.NaN()
	}
	return a.sum / float64(a.count)
}
