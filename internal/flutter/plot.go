package flutter

// PlotPoint is one point of a rendered series.
type PlotPoint struct {
	T     float64 `json:"t"`
	Value float64 `json:"value"`
}

// PlotBuffer is a series capped both by point count and by age relative to
// its newest point. Both caps are applied on every insert.
type PlotBuffer struct {
	MaxPoints int
	Seconds   float64

	points ring[PlotPoint]
}

// NewPlotBuffer returns an empty buffer.
func NewPlotBuffer(maxPoints int, seconds float64) *PlotBuffer {
	return &PlotBuffer{MaxPoints: maxPoints, Seconds: seconds}
}

// Add appends p and applies both eviction rules.
func (b *PlotBuffer) Add(p PlotPoint) {
	b.points.Push(p)
	for b.MaxPoints > 0 && b.points.Len() > b.MaxPoints {
		b.points.PopFront()
	}
	cutoff := p.T - b.Seconds
	for b.points.Len() > 0 && b.points.Front().T < cutoff {
		b.points.PopFront()
	}
}

// Len is the number of retained points.
func (b *PlotBuffer) Len() int {
	return b.points.Len()
}

// Points copies the series, oldest first.
func (b *PlotBuffer) Points() []PlotPoint {
	return b.points.Slice()
}

// Clear drops every point.
func (b *PlotBuffer) Clear() {
	b.points.Clear()
}
