package db

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/turntable.report/internal/flutter"
	"github.com/banshee-data/turntable.report/internal/monitoring"
	"github.com/banshee-data/turntable.report/internal/timeutil"
)

// HistoryRecord is one stored wow & flutter measurement.
type HistoryRecord struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	RecordedAt  time.Time `json:"recorded_at"`
	TargetSpeed float64   `json:"target_speed"`
	SampleRate  float64   `json:"sample_rate_hz"`
	SampleCount int       `json:"sample_count"`
	flutter.WindowedStats
}

// RecordMetrics stores a ready measurement. Metrics without figures are
// rejected.
func (db *DB) RecordMetrics(sessionID string, at time.Time, m flutter.Metrics) error {
	if m.Status != flutter.StatusReady || m.Stats == nil {
		return fmt.Errorf("metrics not ready: %s", m.Status)
	}
	_, err := db.Exec(`
		INSERT INTO flutter_history (
			session_id, recorded_at, target_speed, sample_rate_hz, sample_count,
			unweighted_rms, unweighted_two_sigma, weighted_rms, weighted_two_sigma
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, at.UnixNano(), m.Target, m.SampleRate, m.SampleCount,
		m.Stats.UnweightedRMS, m.Stats.UnweightedTwoSigma, m.Stats.WeightedRMS, m.Stats.WeightedTwoSigma,
	)
	if err != nil {
		return fmt.Errorf("failed to record metrics: %w", err)
	}
	return nil
}

// RecentMetrics returns up to limit records, newest first.
func (db *DB) RecentMetrics(limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT history_id, session_id, recorded_at, target_speed, sample_rate_hz, sample_count,
			unweighted_rms, unweighted_two_sigma, weighted_rms, weighted_two_sigma
		FROM flutter_history
		ORDER BY recorded_at DESC, history_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	records := []HistoryRecord{}
	for rows.Next() {
		var r HistoryRecord
		var at int64
		if err := rows.Scan(
			&r.ID, &r.SessionID, &at, &r.TargetSpeed, &r.SampleRate, &r.SampleCount,
			&r.UnweightedRMS, &r.UnweightedTwoSigma, &r.WeightedRMS, &r.WeightedTwoSigma,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		r.RecordedAt = time.Unix(0, at).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return records, nil
}

// HistoryStore is where a Recorder writes.
type HistoryStore interface {
	RecordMetrics(sessionID string, at time.Time, m flutter.Metrics) error
}

// Recorder is a scheduler publisher that stores ready metrics, at most one
// row per interval. Each Recorder writes under its own session ID.
type Recorder struct {
	store     HistoryStore
	interval  time.Duration
	clock     timeutil.Clock
	sessionID string

	mu   sync.Mutex
	last time.Time
}

// NewRecorder returns a recorder. A nil clock uses the real clock.
func NewRecorder(store HistoryStore, interval time.Duration, clock timeutil.Clock) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{
		store:     store,
		interval:  interval,
		clock:     clock,
		sessionID: uuid.NewString(),
	}
}

// SessionID identifies the rows this recorder writes.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

func (r *Recorder) PublishSnapshot(flutter.Snapshot) {}

func (r *Recorder) PublishMetrics(m flutter.Metrics) {
	if m.Status != flutter.StatusReady || m.Stats == nil {
		return
	}
	now := r.clock.Now()

	r.mu.Lock()
	if !r.last.IsZero() && now.Sub(r.last) < r.interval {
		r.mu.Unlock()
		return
	}
	r.last = now
	r.mu.Unlock()

	if err := r.store.RecordMetrics(r.sessionID, now, m); err != nil {
		monitoring.Logf("history: %v", err)
	}
}
