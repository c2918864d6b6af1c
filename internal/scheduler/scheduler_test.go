package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/turntable.report/internal/codec"
	"github.com/banshee-data/turntable.report/internal/flutter"
	"github.com/banshee-data/turntable.report/internal/timeutil"
)

type countingSource struct {
	snapshots atomic.Int32
	computes  atomic.Int32
}

func (c *countingSource) Snapshot() flutter.Snapshot {
	c.snapshots.Add(1)
	return flutter.Snapshot{Frames: uint64(c.snapshots.Load())}
}

func (c *countingSource) ComputeMetrics() flutter.Metrics {
	c.computes.Add(1)
	return flutter.Metrics{Status: flutter.StatusInsufficient}
}

type chanPublisher struct {
	snapshots chan flutter.Snapshot
	metrics   chan flutter.Metrics
}

func newChanPublisher() *chanPublisher {
	return &chanPublisher{
		snapshots: make(chan flutter.Snapshot, 16),
		metrics:   make(chan flutter.Metrics, 16),
	}
}

func (p *chanPublisher) PublishSnapshot(s flutter.Snapshot) { p.snapshots <- s }
func (p *chanPublisher) PublishMetrics(m flutter.Metrics)   { p.metrics <- m }

func TestUITick_NoopWithoutIngest(t *testing.T) {
	src := &countingSource{}
	s := New(src, newChanPublisher(), Config{})

	for i := 0; i < 10; i++ {
		if s.UITick() {
			t.Fatal("UITick did work with no new data")
		}
		if s.MetricTick() {
			t.Fatal("MetricTick did work with no new data")
		}
	}
	if src.snapshots.Load() != 0 || src.computes.Load() != 0 {
		t.Errorf("source was read %d/%d times", src.snapshots.Load(), src.computes.Load())
	}
}

func TestUITick_CoalescesBurst(t *testing.T) {
	src := &countingSource{}
	pub := newChanPublisher()
	s := New(src, pub, Config{})

	for i := 0; i < 100; i++ {
		s.Notify()
	}
	require.True(t, s.UITick())
	assert.False(t, s.UITick())
	assert.Equal(t, int32(1), src.snapshots.Load())
	assert.Len(t, pub.snapshots, 1)
}

func TestMetricTick_MarksUIDirty(t *testing.T) {
	src := &countingSource{}
	pub := newChanPublisher()
	s := New(src, pub, Config{})

	s.Notify()
	require.True(t, s.UITick())
	require.True(t, s.MetricTick())
	assert.False(t, s.MetricTick())

	// The recomputed figures must reach the next UI tick.
	assert.True(t, s.UITick())
	assert.False(t, s.UITick())

	ui, metric := s.Runs()
	assert.Equal(t, uint64(2), ui)
	assert.Equal(t, uint64(1), metric)
}

func TestFlagsAreIndependent(t *testing.T) {
	src := &countingSource{}
	s := New(src, newChanPublisher(), Config{})

	s.Notify()
	require.True(t, s.MetricTick())
	// Metric consumer running does not consume the UI flag.
	assert.True(t, s.UITick())
}

func TestFanout(t *testing.T) {
	a, b := newChanPublisher(), newChanPublisher()
	f := Fanout{a, b}
	f.PublishSnapshot(flutter.Snapshot{Frames: 3})
	f.PublishMetrics(flutter.Metrics{Status: flutter.StatusStopped})

	for _, p := range []*chanPublisher{a, b} {
		assert.Equal(t, uint64(3), (<-p.snapshots).Frames)
		assert.Equal(t, flutter.StatusStopped, (<-p.metrics).Status)
	}
}

func waitForTickers(t *testing.T, clock *timeutil.MockClock, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clock.Tickers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler created %d tickers, want %d", clock.Tickers(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publication")
	}
	var zero T
	return zero
}

func TestRun_DrivesBothConsumers(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src := &countingSource{}
	pub := newChanPublisher()
	s := New(src, pub, Config{
		UIPeriod:     50 * time.Millisecond,
		MetricPeriod: 250 * time.Millisecond,
		Clock:        clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var runErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = s.Run(ctx)
	}()
	waitForTickers(t, clock, 2)

	s.Notify()
	clock.Advance(50 * time.Millisecond)
	receive(t, pub.snapshots)

	clock.Advance(200 * time.Millisecond)
	m := receive(t, pub.metrics)
	assert.Equal(t, flutter.StatusInsufficient, m.Status)

	cancel()
	wg.Wait()
	assert.True(t, errors.Is(runErr, context.Canceled))
}

func TestEngineIntegration_OneSnapshotPerBurst(t *testing.T) {
	engine := flutter.NewEngine(flutter.DefaultOptions())
	engine.SetTarget(45)
	pub := newChanPublisher()
	s := New(engine, pub, Config{})

	at := time.Unix(100, 0)
	for i := 0; i < 60; i++ {
		engine.Ingest(codec.EncodeTelemetry(45, 0, 500), at)
		s.Notify()
		at = at.Add(10 * time.Millisecond)
	}

	require.True(t, s.UITick())
	snap := <-pub.snapshots
	assert.Equal(t, uint64(60), snap.Frames)
	assert.Equal(t, flutter.StatusInsufficient, snap.Metrics.Status)

	require.True(t, s.MetricTick())
	assert.Equal(t, flutter.StatusReady, (<-pub.metrics).Status)
	require.True(t, s.UITick())
	assert.Equal(t, flutter.StatusReady, (<-pub.snapshots).Metrics.Status)
}
