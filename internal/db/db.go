package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/turntable.report/internal/monitoring"
	"github.com/banshee-data/turntable.report/internal/security"
)

// DB wraps the SQLite handle holding presets and measurement history.
type DB struct {
	*sql.DB
	path string
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY
	// between the history recorder and API writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the database and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Backup writes a consistent copy of the database into dir and returns its
// path. label, if set, is sanitized into the file name.
func (db *DB) Backup(dir, label string, at time.Time) (string, error) {
	path, err := security.BackupPath(dir, label, at)
	if err != nil {
		return "", err
	}
	if _, err := db.Exec("VACUUM INTO ?", path); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return path, nil
}

// AttachAdminRoutes adds tailsql and a gzipped backup download to the
// tsweb debug pages.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{RoutePrefix: "/debug/tailsql/"})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{Label: "Turntable DB"})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	// ?label= tags the download, e.g. label=before-retune.
	debug.HandleFunc("backup", "Create and download a backup of the database now", db.serveBackup)
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	path, err := db.Backup(os.TempDir(), r.URL.Query().Get("label"), time.Now())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			monitoring.Logf("Failed to remove backup file: %v", err)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(path)))
	w.Header().Set("Content-Type", "application/gzip")
	zw := gzip.NewWriter(w)
	defer zw.Close()
	if _, err := io.Copy(zw, f); err != nil {
		monitoring.Logf("Failed to stream backup: %v", err)
	}
}
