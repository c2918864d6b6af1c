package monitoring

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/banshee-data/turntable.report/internal/flutter"
)

// Collector exports the published engine state as Prometheus metrics. It is
// fed by the scheduler's consumers, never by the ingest path directly, so
// scrapes see the same coalesced values as the UI.
type Collector struct {
	speed       prometheus.Gauge
	target      prometheus.Gauge
	sampleRate  prometheus.Gauge
	windowSize  prometheus.Gauge
	flutter     *prometheus.GaugeVec // weighting, statistic
	ready       prometheus.Gauge
	framesTotal prometheus.Counter
	dropped     prometheus.Counter

	lastFrames uint64
}

// NewCollector registers the metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		speed: f.NewGauge(prometheus.GaugeOpts{
			Name: "turntable_speed",
			Help: "Last measured speed in display units",
		}),
		target: f.NewGauge(prometheus.GaugeOpts{
			Name: "turntable_target_speed",
			Help: "Commanded speed in display units",
		}),
		sampleRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "turntable_sample_rate_hz",
			Help: "Smoothed telemetry arrival rate",
		}),
		windowSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "turntable_window_samples",
			Help: "Deviation samples in the statistics window",
		}),
		flutter: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "turntable_wow_flutter_percent",
			Help: "Wow & flutter over the statistics window",
		}, []string{"weighting", "statistic"}),
		ready: f.NewGauge(prometheus.GaugeOpts{
			Name: "turntable_wow_flutter_ready",
			Help: "1 when the wow & flutter gauges hold current figures",
		}),
		framesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "turntable_frames_total",
			Help: "Telemetry frames ingested",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "turntable_frames_dropped_total",
			Help: "Telemetry payloads dropped as malformed",
		}),
	}
}

// PublishSnapshot updates the live gauges.
func (c *Collector) PublishSnapshot(s flutter.Snapshot) {
	c.target.Set(s.Target)
	c.sampleRate.Set(s.SampleRate)
	c.windowSize.Set(float64(s.WindowSamples))
	if s.LastFrame != nil {
		c.speed.Set(s.LastFrame.Speed)
	}
	// Frames resets to zero on an engine reset.
	if s.Frames < c.lastFrames {
		c.lastFrames = 0
	}
	c.framesTotal.Add(float64(s.Frames - c.lastFrames))
	c.lastFrames = s.Frames
}

// PublishMetrics updates the wow & flutter gauges. Absent figures are
// exported as NaN so stale numbers never linger.
func (c *Collector) PublishMetrics(m flutter.Metrics) {
	st := m.Stats
	if st == nil {
		c.ready.Set(0)
		c.setFigures(flutter.WindowedStats{}, true)
		return
	}
	c.ready.Set(1)
	c.setFigures(*st, false)
}

func (c *Collector) setFigures(st flutter.WindowedStats, absent bool) {
	values := map[[2]string]float64{
		{"unweighted", "rms"}:       st.UnweightedRMS,
		{"unweighted", "two_sigma"}: st.UnweightedTwoSigma,
		{"weighted", "rms"}:         st.WeightedRMS,
		{"weighted", "two_sigma"}:   st.WeightedTwoSigma,
	}
	for k, v := range values {
		if absent {
			v = math.NaN()
		}
		c.flutter.WithLabelValues(k[0], k[1]).Set(v)
	}
}

// FrameDropped counts a malformed payload.
func (c *Collector) FrameDropped() {
	c.dropped.Inc()
}
