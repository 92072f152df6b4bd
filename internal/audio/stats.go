package audio

// Window is a fixed-capacity rolling window of float64 observations with an
// incrementally maintained sum. Old values fall off as new ones arrive, so
// the mean tracks recent conditions instead of the whole run.
//
// Window is not safe for concurrent use; callers synchronize externally.
type Window struct {
	values []float64
	next   int
	filled bool
	sum    float64
}

// NewWindow creates a rolling window holding at most capacity observations.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{values: make([]float64, capacity)}
}

// Push adds an observation, evicting the oldest when the window is full.
func (w *Window) Push(v float64) {
	if w.filled {
		w.sum -= w.values[w.next]
	}
	w.values[w.next] = v
	w.sum += v
	w.next++
	if w.next == len(w.values) {
		w.next = 0
		w.filled = true
	}
}

// Mean returns the average of the observations currently in the window,
// or 0 when empty.
func (w *Window) Mean() float64 {
	n := w.Len()
	if n == 0 {
		return 0.0
	}
	return w.sum / float64(n)
}

// Len returns the number of observations currently held.
func (w *Window) Len() int {
	if w.filled {
		return len(w.values)
	}
	return w.next
}

// Clear discards all observations. Capacity is retained.
func (w *Window) Clear() {
	for i := range w.values {
		w.values[i] = 0
	}
	w.next = 0
	w.filled = false
	w.sum = 0
}
