package db

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/turntable.report/internal/codec"
	"github.com/banshee-data/turntable.report/internal/flutter"
	"github.com/banshee-data/turntable.report/internal/timeutil"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "turntable.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func readyMetrics(target, rms float64) flutter.Metrics {
	return flutter.Metrics{
		Status:      flutter.StatusReady,
		Target:      target,
		SampleCount: 500,
		SampleRate:  100,
		Stats: &flutter.WindowedStats{
			UnweightedRMS:      rms,
			UnweightedTwoSigma: 2 * rms,
			WeightedRMS:        rms / 2,
			WeightedTwoSigma:   rms,
		},
	}
}

func TestNewDB_Migrates(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	latest, err := LatestMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)

	for _, table := range []string{"presets", "flutter_history"} {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, "table %s", table)
	}
}

func TestMigrateDownThenUp(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.MigrateUp(), "second up is a no-op")
	_, err = db.ListPresets()
	assert.NoError(t, err)
}

func TestPresets_CRUD(t *testing.T) {
	db := newTestDB(t)

	saved, err := db.SavePreset(Preset{
		Name:        " 33 ",
		TargetSpeed: 100.0 / 3,
		VelocityPID: &codec.VelocityPID{P: 0.8, I: 0.05, D: 0.001},
	})
	require.NoError(t, err)
	assert.Equal(t, "33", saved.Name)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, "rpm", saved.SpeedUnit)
	require.NotNil(t, saved.VelocityPID)
	assert.Equal(t, 0.8, saved.VelocityPID.P)
	assert.Nil(t, saved.CurrentPI)

	// Saving the same name updates in place and keeps the identity.
	updated, err := db.SavePreset(Preset{
		Name:        "33",
		TargetSpeed: 33.5,
		CurrentPI:   &codec.CurrentPI{P: 0.3, I: 0.01},
	})
	require.NoError(t, err)
	assert.Equal(t, saved.ID, updated.ID)
	assert.True(t, updated.CreatedAt.Equal(saved.CreatedAt))
	assert.Equal(t, 33.5, updated.TargetSpeed)
	assert.Nil(t, updated.VelocityPID)
	require.NotNil(t, updated.CurrentPI)

	_, err = db.SavePreset(Preset{Name: "45", TargetSpeed: 45})
	require.NoError(t, err)

	list, err := db.ListPresets()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "33", list[0].Name)
	assert.Equal(t, "45", list[1].Name)

	require.NoError(t, db.DeletePreset("33"))
	_, err = db.Preset("33")
	assert.ErrorIs(t, err, ErrPresetNotFound)
	assert.ErrorIs(t, db.DeletePreset("33"), ErrPresetNotFound)
}

func TestSavePreset_RequiresName(t *testing.T) {
	db := newTestDB(t)
	_, err := db.SavePreset(Preset{Name: "  "})
	assert.Error(t, err)
}

func TestListPresets_EmptyIsNotNil(t *testing.T) {
	db := newTestDB(t)
	list, err := db.ListPresets()
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestHistory_RecordAndRecent(t *testing.T) {
	db := newTestDB(t)
	base := time.Unix(1700000000, 0)

	for i := 0; i < 5; i++ {
		require.NoError(t, db.RecordMetrics("s1", base.Add(time.Duration(i)*time.Second), readyMetrics(45, float64(i))))
	}
	err := db.RecordMetrics("s1", base, flutter.Metrics{Status: flutter.StatusInsufficient})
	assert.Error(t, err)

	recent, err := db.RecentMetrics(3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, 4.0, recent[0].UnweightedRMS)
	assert.Equal(t, 2.0, recent[2].UnweightedRMS)
	assert.True(t, recent[0].RecordedAt.Equal(base.Add(4*time.Second)))
	assert.Equal(t, 45.0, recent[0].TargetSpeed)
	assert.Equal(t, 500, recent[0].SampleCount)
	assert.Equal(t, "s1", recent[0].SessionID)
}

type fakeHistory struct {
	records []flutter.Metrics
	times   []time.Time
	err     error
}

func (f *fakeHistory) RecordMetrics(_ string, at time.Time, m flutter.Metrics) error {
	f.records = append(f.records, m)
	f.times = append(f.times, at)
	return f.err
}

func TestRecorder_ThrottlesAndSkipsNotReady(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	store := &fakeHistory{}
	r := NewRecorder(store, time.Second, clock)
	assert.NotEmpty(t, r.SessionID())

	r.PublishMetrics(flutter.Metrics{Status: flutter.StatusInsufficient})
	r.PublishMetrics(flutter.Metrics{Status: flutter.StatusStopped})
	assert.Empty(t, store.records)

	r.PublishMetrics(readyMetrics(45, 0.1))
	clock.Advance(250 * time.Millisecond)
	r.PublishMetrics(readyMetrics(45, 0.2))
	clock.Advance(750 * time.Millisecond)
	r.PublishMetrics(readyMetrics(45, 0.3))

	require.Len(t, store.records, 2)
	assert.Equal(t, 0.1, store.records[0].Stats.UnweightedRMS)
	assert.Equal(t, 0.3, store.records[1].Stats.UnweightedRMS)
	assert.True(t, store.times[1].Equal(time.Unix(101, 0)))
}

func TestRecorder_StoreErrorIsLogged(t *testing.T) {
	store := &fakeHistory{err: errors.New("disk full")}
	r := NewRecorder(store, time.Second, timeutil.NewMockClock(time.Unix(0, 0)))
	r.PublishMetrics(readyMetrics(33, 0.1))
	assert.Len(t, store.records, 1)
}

func TestRecorder_WritesToDB(t *testing.T) {
	db := newTestDB(t)
	r := NewRecorder(db, time.Second, nil)
	r.PublishMetrics(readyMetrics(45, 0.05))

	recent, err := db.RecentMetrics(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, r.SessionID(), recent[0].SessionID)
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")
	var out bytes.Buffer

	require.NoError(t, RunMigrateCommand([]string{"up"}, path, &out))
	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"status"}, path, &out))
	assert.Contains(t, out.String(), "Current version: 1")

	assert.Error(t, RunMigrateCommand(nil, path, &out))
	assert.Error(t, RunMigrateCommand([]string{"sideways"}, path, &out))
	assert.Error(t, RunMigrateCommand([]string{"force", "x"}, path, &out))
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "tailsql") && strings.Contains(body, "backup"), "debug index lists db routes")
}

func TestBackupRoute(t *testing.T) {
	db := newTestDB(t)
	_, err := db.SavePreset(Preset{Name: "33", TargetSpeed: 100.0 / 3})
	require.NoError(t, err)

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup?label=pre+upgrade", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "turntable-backup-pre_upgrade-")

	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("SQLite format 3")))
}

func TestBackup(t *testing.T) {
	db := newTestDB(t)
	_, err := db.SavePreset(Preset{Name: "45", TargetSpeed: 45})
	require.NoError(t, err)

	dir := t.TempDir()
	path, err := db.Backup(dir, "nightly", time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "turntable-backup-nightly-1700000000.db"), path)

	copyDB, err := OpenDB(path)
	require.NoError(t, err)
	defer copyDB.Close()
	p, err := copyDB.Preset("45")
	require.NoError(t, err)
	assert.Equal(t, 45.0, p.TargetSpeed)

	_, err = db.Backup(dir, "nightly", time.Unix(1700000000, 0))
	assert.Error(t, err, "VACUUM INTO refuses to overwrite an existing file")
}
