package flutter

// DeviationSample is one percentage deviation from the target speed.
type DeviationSample struct {
	T     float64 `json:"t"`     // seconds since the engine epoch
	Value float64 `json:"value"` // 100*(measured-target)/target
}

// DeviationWindow retains the samples of the last Seconds, oldest first.
type DeviationWindow struct {
	Seconds float64

	samples ring[DeviationSample]
}

// NewDeviationWindow returns an empty window spanning seconds.
func NewDeviationWindow(seconds float64) *DeviationWindow {
	return &DeviationWindow{Seconds: seconds}
}

// Add appends s and evicts everything older than s.T - Seconds.
func (w *DeviationWindow) Add(s DeviationSample) {
	w.samples.Push(s)
	w.evict(s.T - w.Seconds)
}

func (w *DeviationWindow) evict(cutoff float64) {
	for w.samples.Len() > 0 && w.samples.Front().T < cutoff {
		w.samples.PopFront()
	}
}

// Len is the number of retained samples.
func (w *DeviationWindow) Len() int {
	return w.samples.Len()
}

// Mean is the mean of the retained values, zero when empty. It is taken
// over the current contents on every call, shifted by the oldest value, so
// nothing carries over from evicted samples.
func (w *DeviationWindow) Mean() float64 {
	n := w.samples.Len()
	if n == 0 {
		return 0
	}
	ref := w.samples.Front().Value
	var d float64
	w.samples.Each(func(s DeviationSample) {
		d += s.Value - ref
	})
	return ref + d/float64(n)
}

// Values copies the retained values, oldest first.
func (w *DeviationWindow) Values() []float64 {
	out := make([]float64, 0, w.samples.Len())
	w.samples.Each(func(s DeviationSample) {
		out = append(out, s.Value)
	})
	return out
}

// Samples copies the retained samples, oldest first.
func (w *DeviationWindow) Samples() []DeviationSample {
	return w.samples.Slice()
}

// Clear drops every sample.
func (w *DeviationWindow) Clear() {
	w.samples.Clear()
}
