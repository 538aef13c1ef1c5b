// Package db is the sqlite persistence layer: the dwelled-position log,
// calibration history, and the action audit trail.
package db

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/starfix/internal/alg"
)

// DB wraps the sqlite handle.
type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the database at path and applies pending
// migrations.
func NewDB(path string) (*DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db := &DB{handle}
	if err := db.MigrateUp(); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

// DwelledPosition is one completed dwell.
type DwelledPosition struct {
	ID         int64              `json:"id"`
	Start      time.Time          `json:"start"`
	End        time.Time          `json:"end"`
	Position   alg.CelestialCoord `json:"position"`
	SolveCount int                `json:"solve_count"`
	Session    string             `json:"session"`
}

// RecordDwelledPosition appends a dwell to the log.
func (db *DB) RecordDwelledPosition(d DwelledPosition) error {
	_, err := db.Exec(`
		INSERT INTO dwelled_positions
			(start_time, end_time, ra, dec, solve_count, session)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.Start.UnixMicro(), d.End.UnixMicro(),
		d.Position.RA, d.Position.Dec, d.SolveCount, d.Session)
	return err
}

// DwelledPositions returns the most recent dwells, newest first.
func (db *DB) DwelledPositions(limit int) ([]DwelledPosition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, start_time, end_time, ra, dec, solve_count, session
		FROM dwelled_positions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DwelledPosition
	for rows.Next() {
		var d DwelledPosition
		var start, end int64
		if err := rows.Scan(&d.ID, &start, &end,
			&d.Position.RA, &d.Position.Dec, &d.SolveCount, &d.Session); err != nil {
			return nil, err
		}
		d.Start = time.UnixMicro(start)
		d.End = time.UnixMicro(end)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CalibrationRecord is one completed or failed calibration run.
type CalibrationRecord struct {
	ID            int64     `json:"id"`
	Time          time.Time `json:"time"`
	CameraModel   string    `json:"camera_model"`
	TargetExpMS   float64   `json:"target_exposure_ms"`
	Offset        int       `json:"offset"`
	FOVHorizontal float64   `json:"fov_horizontal"`
	FOVVertical   float64   `json:"fov_vertical"`
	Distortion    float64   `json:"distortion"`
	MatchMaxError float64   `json:"match_max_error"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// RecordCalibration appends a calibration outcome.
func (db *DB) RecordCalibration(c CalibrationRecord) error {
	_, err := db.Exec(`
		INSERT INTO calibrations
			(time, camera_model, target_exposure_ms, camera_offset,
			 fov_horizontal, fov_vertical, distortion, match_max_error,
			 failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Time.UnixMicro(), c.CameraModel, c.TargetExpMS, c.Offset,
		c.FOVHorizontal, c.FOVVertical, c.Distortion, c.MatchMaxError,
		c.FailureReason)
	return err
}

// RecordAction appends an initiated action to the audit trail.
func (db *DB) RecordAction(id, action, detail string, when time.Time) error {
	_, err := db.Exec(`
		INSERT INTO action_audit (action_id, action, detail, time)
		VALUES (?, ?, ?, ?)`,
		id, action, detail, when.UnixMicro())
	return err
}
