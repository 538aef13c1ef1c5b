package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/starfix/internal/alg"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "starfix.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsApply(t *testing.T) {
	db := testDB(t)
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if dirty {
		t.Error("schema dirty after migration")
	}
	if version == 0 {
		t.Error("no migrations applied")
	}
	// Running MigrateUp again is a no-op.
	if err := db.MigrateUp(); err != nil {
		t.Errorf("second MigrateUp: %v", err)
	}
}

func TestDwelledPositions(t *testing.T) {
	db := testDB(t)
	start := time.Date(2026, 8, 6, 2, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := db.RecordDwelledPosition(DwelledPosition{
			Start:      start.Add(time.Duration(i) * time.Minute),
			End:        start.Add(time.Duration(i)*time.Minute + 30*time.Second),
			Position:   alg.CelestialCoord{RA: 180 + float64(i), Dec: 30},
			SolveCount: 10 + i,
			Session:    "test-session",
		})
		if err != nil {
			t.Fatalf("RecordDwelledPosition: %v", err)
		}
	}
	got, err := db.DwelledPositions(10)
	if err != nil {
		t.Fatalf("DwelledPositions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d dwells, want 3", len(got))
	}
	// Newest first.
	if got[0].Position.RA != 182 {
		t.Errorf("first dwell RA = %v, want 182", got[0].Position.RA)
	}
	if !got[0].Start.Equal(start.Add(2 * time.Minute)) {
		t.Errorf("start time round trip: %v", got[0].Start)
	}
	if got[0].SolveCount != 12 {
		t.Errorf("solve count = %d, want 12", got[0].SolveCount)
	}

	limited, err := db.DwelledPositions(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limit ignored: got %d", len(limited))
	}
}

func TestCalibrationAndAuditRecords(t *testing.T) {
	db := testDB(t)
	err := db.RecordCalibration(CalibrationRecord{
		Time:          time.Now(),
		CameraModel:   "simulated",
		TargetExpMS:   250,
		Offset:        3,
		FOVHorizontal: 11.2,
		FOVVertical:   8.4,
		MatchMaxError: 0.004,
	})
	if err != nil {
		t.Errorf("RecordCalibration: %v", err)
	}
	err = db.RecordCalibration(CalibrationRecord{
		Time:          time.Now(),
		CameraModel:   "simulated",
		FailureReason: "too_few_stars",
	})
	if err != nil {
		t.Errorf("RecordCalibration failure: %v", err)
	}
	if err := db.RecordAction("id-1", "capture_boresight", "{}", time.Now()); err != nil {
		t.Errorf("RecordAction: %v", err)
	}
}
