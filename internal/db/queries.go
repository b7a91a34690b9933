package db

import (
	"database/sql"
	"time"

	"github.com/banshee-data/alphascan/internal/rfid"
)

// Run is one row of the runs table.
type Run struct {
	ID        string    `json:"run_id"`
	Label     string    `json:"label"`
	StartedAt time.Time `json:"started_at"`
	Readings  int       `json:"readings"`
	Peaks     int       `json:"peaks"`
	Hits      int       `json:"blacklist_hits"`
}

// Runs lists runs, newest first, with per-run row counts.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`
		SELECT r.run_id, r.label, r.started_unix,
			(SELECT COUNT(*) FROM tag_readings t WHERE t.run_id = r.run_id),
			(SELECT COUNT(*) FROM tag_peaks p WHERE p.run_id = r.run_id),
			(SELECT COUNT(*) FROM blacklist_hits b WHERE b.run_id = r.run_id)
		FROM runs r
		ORDER BY r.started_unix DESC, r.rowid DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		if err := rows.Scan(&r.ID, &r.Label, &started, &r.Readings, &r.Peaks, &r.Hits); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TagPeaks returns the peaks of a run in detection order. limit <= 0 means
// no limit.
func (db *DB) TagPeaks(runID string, limit int) ([]rfid.TagPeak, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT tag_id, side, peak_a_ms, peak_a, antenna_a, peak_b_ms, peak_b, antenna_b
		FROM tag_peaks WHERE run_id = ? ORDER BY rowid LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peaks []rfid.TagPeak
	for rows.Next() {
		var p rfid.TagPeak
		var side string
		var aMs, bMs int64
		if err := rows.Scan(&p.TagID, &side, &aMs, &p.PeakA.Strength, &p.PeakA.AntennaID,
			&bMs, &p.PeakB.Strength, &p.PeakB.AntennaID); err != nil {
			return nil, err
		}
		p.Side = parseSide(side)
		p.PeakA.Time = time.UnixMilli(aMs).UTC()
		p.PeakB.Time = time.UnixMilli(bMs).UTC()
		peaks = append(peaks, p)
	}
	return peaks, rows.Err()
}

// TagReadings returns one tag's readings in a run ordered by time.
func (db *DB) TagReadings(runID, tagID string) ([]rfid.TagReading, error) {
	rows, err := db.Query(`
		SELECT tag_id, antenna_id, rssi, last_seen_ms
		FROM tag_readings WHERE run_id = ? AND tag_id = ?
		ORDER BY last_seen_ms, rowid
	`, runID, tagID)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

// BlacklistHits returns the hits recorded during a run.
func (db *DB) BlacklistHits(runID string) ([]rfid.BlacklistHit, error) {
	rows, err := db.Query(`
		SELECT tag_id, antenna_id, rssi, last_seen_ms, detected_ms
		FROM blacklist_hits WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []rfid.BlacklistHit
	for rows.Next() {
		var h rfid.BlacklistHit
		var lastMs, detMs int64
		if err := rows.Scan(&h.Reading.TagID, &h.Reading.AntennaID, &h.Reading.RSSI, &lastMs, &detMs); err != nil {
			return nil, err
		}
		h.Reading.LastSeen = time.UnixMilli(lastMs).UTC()
		h.DetectedAt = time.UnixMilli(detMs).UTC()
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func scanReadings(rows *sql.Rows) ([]rfid.TagReading, error) {
	defer rows.Close()
	var out []rfid.TagReading
	for rows.Next() {
		var r rfid.TagReading
		var ms int64
		if err := rows.Scan(&r.TagID, &r.AntennaID, &r.RSSI, &ms); err != nil {
			return nil, err
		}
		r.LastSeen = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseSide(s string) rfid.VehicleSide {
	switch s {
	case rfid.SideLeft.String():
		return rfid.SideLeft
	case rfid.SideRight.String():
		return rfid.SideRight
	}
	return rfid.SideUnknown
}
