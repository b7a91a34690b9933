// Package db stores pipeline output in SQLite: one row per run, plus the
// tag readings, tag peaks and blacklist hits recorded during it.
package db

import (
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/alphascan/internal/monitoring"
	"github.com/banshee-data/alphascan/internal/output"
	"github.com/banshee-data/alphascan/internal/rfid"
)

// ErrNoRun is returned by Write before the first NextRun.
var ErrNoRun = errors.New("db: no run started")

type DB struct {
	*sql.DB
	path string

	mu  sync.Mutex
	run string
}

// OpenDB opens (creating if needed) the database at path, applies pragmas and
// runs pending migrations.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(migrationsFS); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// NextRun records a new run and makes it current. The label counts runs in
// the database the same way output.Manager numbers run directories.
func (db *DB) NextRun(runID string) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return "", err
	}
	label := fmt.Sprintf("Run%d", n)
	if _, err := db.Exec(`INSERT INTO runs (run_id, label, started_unix) VALUES (?, ?, ?)`,
		runID, label, time.Now().Unix()); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	db.run = runID
	return label, nil
}

// CurrentRun returns the ID of the run rows are being written to.
func (db *DB) CurrentRun() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.run
}

// Write stores a batch in one transaction, routing each record to its table.
// fileName is ignored; the record type decides the table.
func (db *DB) Write(fileName string, records []output.Record) error {
	run := db.CurrentRun()
	if run == "" {
		return ErrNoRun
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, rec := range records {
		switch r := rec.(type) {
		case rfid.TagReading:
			_, err = tx.Exec(`INSERT INTO tag_readings (run_id, tag_id, antenna_id, rssi, last_seen_ms) VALUES (?, ?, ?, ?, ?)`,
				run, r.TagID, r.AntennaID, r.RSSI, r.LastSeen.UnixMilli())
		case rfid.TagPeak:
			_, err = tx.Exec(`INSERT INTO tag_peaks (run_id, tag_id, side, peak_a_ms, peak_a, antenna_a, peak_b_ms, peak_b, antenna_b) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				run, r.TagID, r.Side.String(),
				r.PeakA.Time.UnixMilli(), r.PeakA.Strength, r.PeakA.AntennaID,
				r.PeakB.Time.UnixMilli(), r.PeakB.Strength, r.PeakB.AntennaID)
		case rfid.BlacklistHit:
			_, err = tx.Exec(`INSERT INTO blacklist_hits (run_id, tag_id, antenna_id, rssi, last_seen_ms, detected_ms) VALUES (?, ?, ?, ?, ?, ?)`,
				run, r.Reading.TagID, r.Reading.AntennaID, r.Reading.RSSI, r.Reading.LastSeen.UnixMilli(), r.DetectedAt.UnixMilli())
		default:
			monitoring.Logf("[DB] skipping unsupported record %T for %s", rec, fileName)
			continue
		}
		if err != nil {
			return fmt.Errorf("insert %T: %w", rec, err)
		}
	}
	return tx.Commit()
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "AlphaScan DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("alphascan-backup-%d.db", time.Now().UnixNano()))
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("Failed to remove backup file: %v", err)
			}
		}()
		f, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, f); err != nil {
			monitoring.Logf("backup copy failed: %v", err)
		}
	}))
}
