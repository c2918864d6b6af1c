// Package flutter derives wow & flutter figures from motor telemetry: an
// arrival-rate estimate, a rate-adaptive weighting filter, a time-bounded
// deviation window with its bulk statistics, and bounded plot series.
package flutter

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/turntable.report/internal/codec"
)

// Options are the engine tunables.
type Options struct {
	WindowSeconds float64
	PlotSeconds   float64
	PlotMaxPoints int
	MinSamples    int
	StopEpsilon   float64
	RateSmoothing float64
	// CoefficientTolerance is the relative rate change that triggers a filter
	// redesign. Zero redesigns on every rate update.
	CoefficientTolerance float64
}

// DefaultOptions returns the stock tunables.
func DefaultOptions() Options {
	return Options{
		WindowSeconds: 20,
		PlotSeconds:   20,
		PlotMaxPoints: 1200,
		MinSamples:    DefaultMinSamples,
		StopEpsilon:   1e-6,
		RateSmoothing: 0.1,
	}
}

// MetricsStatus says whether Metrics carries numbers.
type MetricsStatus string

const (
	StatusStopped      MetricsStatus = "stopped"
	StatusInsufficient MetricsStatus = "insufficient_samples"
	StatusReady        MetricsStatus = "ready"
)

// Metrics is the result of one bulk computation. Stats is nil unless Status
// is StatusReady.
type Metrics struct {
	Status      MetricsStatus  `json:"status"`
	Target      float64        `json:"target"`
	SampleCount int            `json:"sample_count"`
	SampleRate  float64        `json:"sample_rate_hz"`
	Stats       *WindowedStats `json:"stats,omitempty"`
}

// Snapshot is an immutable copy of the state a renderer needs.
type Snapshot struct {
	Target        float64      `json:"target"`
	SampleRate    float64      `json:"sample_rate_hz"`
	HasRate       bool         `json:"has_rate"`
	Frames        uint64       `json:"frames"`
	LastFrame     *codec.Frame `json:"last_frame,omitempty"`
	WindowSamples int          `json:"window_samples"`
	Speed         []PlotPoint  `json:"speed"`
	Deviation     []PlotPoint  `json:"deviation"`
	Metrics       Metrics      `json:"metrics"`
}

// Engine groups all ingestion-owned state behind one mutex. Ingest,
// SetTarget and Reset are the only mutators; Snapshot and ComputeMetrics
// read copies.
type Engine struct {
	mu   sync.Mutex
	opts Options

	rate      *RateEstimator
	chain     Chain
	window    *DeviationWindow
	speed     *PlotBuffer
	deviation *PlotBuffer

	target   float64
	epoch    time.Time
	hasEpoch bool
	last     codec.Frame
	hasLast  bool
	frames   uint64

	// generation changes whenever the window is cleared so a bulk pass that
	// raced a clear does not publish stale figures.
	generation uint64
	metrics    Metrics
}

// NewEngine returns an engine in the stopped state.
func NewEngine(opts Options) *Engine {
	if opts.MinSamples <= 0 {
		opts.MinSamples = DefaultMinSamples
	}
	return &Engine{
		opts:      opts,
		rate:      NewRateEstimator(opts.RateSmoothing),
		window:    NewDeviationWindow(opts.WindowSeconds),
		speed:     NewPlotBuffer(opts.PlotMaxPoints, opts.PlotSeconds),
		deviation: NewPlotBuffer(opts.PlotMaxPoints, opts.PlotSeconds),
		metrics:   Metrics{Status: StatusStopped},
	}
}

// Options returns the tunables the engine was built with.
func (e *Engine) Options() Options {
	return e.opts
}

// Ingest decodes a telemetry payload received at the given time and folds
// it into the engine. Malformed payloads report false and change nothing.
func (e *Engine) Ingest(payload []byte, at time.Time) bool {
	f, ok := codec.DecodeTelemetry(payload, at)
	if !ok {
		return false
	}
	return e.IngestFrame(f)
}

// IngestFrame folds an already decoded frame into the engine. Frames with a
// non-finite speed or error are rejected like short payloads: false, and
// no state change.
func (e *Engine) IngestFrame(f codec.Frame) bool {
	if !finite(f.Speed) || !finite(f.Error) {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasEpoch {
		e.epoch = f.ArrivalTime
		e.hasEpoch = true
	}
	t := f.ArrivalTime.Sub(e.epoch).Seconds()

	if e.rate.Observe(f.ArrivalTime) {
		fs, _ := e.rate.Rate()
		if e.needsRedesign(fs) {
			e.chain.Configure(fs)
		}
	}

	e.speed.Add(PlotPoint{T: t, Value: f.Speed})

	if e.running() {
		dev := 100 * (f.Speed - e.target) / e.target
		e.window.Add(DeviationSample{T: t, Value: dev})
		y := e.chain.Process(dev - e.window.Mean())
		e.deviation.Add(PlotPoint{T: t, Value: y})
	}

	e.last = f
	e.hasLast = true
	e.frames++
	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (e *Engine) needsRedesign(fs float64) bool {
	if !e.chain.Configured() || e.opts.CoefficientTolerance <= 0 {
		return true
	}
	prev := e.chain.SampleRate()
	return math.Abs(fs-prev)/prev > e.opts.CoefficientTolerance
}

func (e *Engine) running() bool {
	return math.Abs(e.target) > e.opts.StopEpsilon
}

// SetTarget sets the commanded speed in display units. A target within the
// stop epsilon of zero stops collection and invalidates the metrics. Any
// change of target, including between two running speeds, restarts the
// window and resets the metrics to insufficient_samples.
func (e *Engine) SetTarget(target float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if target == e.target {
		return
	}
	e.target = target
	e.clearWindowLocked()
}

// Target returns the commanded speed in display units.
func (e *Engine) Target() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target
}

// Reset clears the window, plot series, rate estimate and filter chain. The
// target is kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rate.Reset()
	e.chain.Reset()
	e.speed.Clear()
	e.deviation.Clear()
	e.hasEpoch = false
	e.hasLast = false
	e.frames = 0
	e.clearWindowLocked()
}

func (e *Engine) clearWindowLocked() {
	e.window.Clear()
	e.generation++
	if e.running() {
		e.metrics = Metrics{Status: StatusInsufficient, Target: e.target}
	} else {
		e.metrics = Metrics{Status: StatusStopped, Target: e.target}
	}
}

// ComputeMetrics runs the bulk statistics over a copy of the window and the
// current filter coefficients, stores the result as the published metrics
// and returns it.
func (e *Engine) ComputeMetrics() Metrics {
	e.mu.Lock()
	if !e.running() {
		e.metrics = Metrics{Status: StatusStopped, Target: e.target}
		m := e.metrics
		e.mu.Unlock()
		return m
	}
	gen := e.generation
	target := e.target
	values := e.window.Values()
	chain := e.chain.Clone()
	fs, _ := e.rate.Rate()
	minSamples := e.opts.MinSamples
	e.mu.Unlock()

	m := Metrics{
		Status:      StatusInsufficient,
		Target:      target,
		SampleCount: len(values),
		SampleRate:  fs,
	}
	if stats, ok := Aggregate(values, &chain, minSamples); ok {
		m.Status = StatusReady
		m.Stats = &stats
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation == gen {
		e.metrics = m
	}
	return e.metrics.clone()
}

// Metrics returns the last published metrics.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.clone()
}

func (m Metrics) clone() Metrics {
	if m.Stats != nil {
		st := *m.Stats
		m.Stats = &st
	}
	return m
}

// Snapshot copies the externally visible state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	fs, ok := e.rate.Rate()
	s := Snapshot{
		Target:        e.target,
		SampleRate:    fs,
		HasRate:       ok,
		Frames:        e.frames,
		WindowSamples: e.window.Len(),
		Speed:         e.speed.Points(),
		Deviation:     e.deviation.Points(),
		Metrics:       e.metrics.clone(),
	}
	if e.hasLast {
		f := e.last
		s.LastFrame = &f
	}
	return s
}
