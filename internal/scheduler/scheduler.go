// Package scheduler decouples irregular telemetry ingestion from two periodic
// consumers. The producer marks state dirty; a fast UI tick publishes a
// snapshot and a slower metric tick recomputes the statistics, each only when
// something changed since it last ran.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/turntable.report/internal/flutter"
	"github.com/banshee-data/turntable.report/internal/monitoring"
	"github.com/banshee-data/turntable.report/internal/timeutil"
)

// Source is the state the consumers read.
type Source interface {
	Snapshot() flutter.Snapshot
	ComputeMetrics() flutter.Metrics
}

// Publisher receives the consumers' output.
type Publisher interface {
	PublishSnapshot(flutter.Snapshot)
	PublishMetrics(flutter.Metrics)
}

// Fanout publishes to every member in order.
type Fanout []Publisher

func (f Fanout) PublishSnapshot(s flutter.Snapshot) {
	for _, p := range f {
		p.PublishSnapshot(s)
	}
}

func (f Fanout) PublishMetrics(m flutter.Metrics) {
	for _, p := range f {
		p.PublishMetrics(m)
	}
}

// Scheduler owns the two dirty flags.
type Scheduler struct {
	source    Source
	publisher Publisher
	clock     timeutil.Clock

	uiPeriod     time.Duration
	metricPeriod time.Duration

	uiDirty     atomic.Bool
	metricDirty atomic.Bool

	uiRuns     atomic.Uint64
	metricRuns atomic.Uint64
}

// Config sets the tick periods.
type Config struct {
	UIPeriod     time.Duration
	MetricPeriod time.Duration
	Clock        timeutil.Clock
}

// New returns a scheduler. Zero periods fall back to 50ms and 250ms.
func New(source Source, publisher Publisher, cfg Config) *Scheduler {
	if cfg.UIPeriod <= 0 {
		cfg.UIPeriod = 50 * time.Millisecond
	}
	if cfg.MetricPeriod <= 0 {
		cfg.MetricPeriod = 250 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Scheduler{
		source:       source,
		publisher:    publisher,
		clock:        cfg.Clock,
		uiPeriod:     cfg.UIPeriod,
		metricPeriod: cfg.MetricPeriod,
	}
}

// Notify is called by the producer after it changes visible state.
func (s *Scheduler) Notify() {
	s.uiDirty.Store(true)
	s.metricDirty.Store(true)
}

// UITick publishes a snapshot if anything changed since the last UI tick and
// reports whether it did any work.
func (s *Scheduler) UITick() bool {
	if !s.uiDirty.CompareAndSwap(true, false) {
		return false
	}
	s.publisher.PublishSnapshot(s.source.Snapshot())
	s.uiRuns.Add(1)
	return true
}

// MetricTick recomputes the statistics if new data arrived since the last
// metric tick, then marks the UI dirty so the figures reach the next UI tick.
func (s *Scheduler) MetricTick() bool {
	if !s.metricDirty.CompareAndSwap(true, false) {
		return false
	}
	s.publisher.PublishMetrics(s.source.ComputeMetrics())
	s.metricRuns.Add(1)
	s.uiDirty.Store(true)
	return true
}

// Runs returns how many UI and metric ticks did work.
func (s *Scheduler) Runs() (ui, metric uint64) {
	return s.uiRuns.Load(), s.metricRuns.Load()
}

// Run drives both consumers until ctx is done. Each tick runs to completion
// before cancellation is observed.
func (s *Scheduler) Run(ctx context.Context) error {
	ui := s.clock.NewTicker(s.uiPeriod)
	defer ui.Stop()
	metric := s.clock.NewTicker(s.metricPeriod)
	defer metric.Stop()

	monitoring.Logf("scheduler started: ui every %v, metrics every %v", s.uiPeriod, s.metricPeriod)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("scheduler stopped")
			return ctx.Err()
		case <-ui.C():
			s.UITick()
		case <-metric.C():
			s.MetricTick()
		}
	}
}
