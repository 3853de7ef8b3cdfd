package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_Drivers(t *testing.T) {
	for _, driver := range []string{DriverCGO, DriverPure} {
		t.Run(driver, func(t *testing.T) {
			db, err := Open(driver, filepath.Join(t.TempDir(), "test.db"))
			if err != nil {
				t.Fatalf("Open(%s): %v", driver, err)
			}
			defer db.Close()

			if _, err := db.Exec(`CREATE TABLE t (v TEXT)`); err != nil {
				t.Fatalf("create table: %v", err)
			}
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("postgres", "x"); err == nil {
		t.Fatal("Open with unknown driver should fail")
	}
}

func TestOpen_MemorySingleConnection(t *testing.T) {
	db, err := Open(DriverPure, Memory)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE t (v TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO t VALUES ('x')`); err != nil {
		t.Fatalf("table should be visible on the pinned connection: %v", err)
	}
}

func TestTimeRoundTrip_Sortable(t *testing.T) {
	a := time.Date(2026, 1, 2, 3, 4, 5, 100_000_000, time.UTC)
	b := a.Add(20 * time.Millisecond)

	fa, fb := FormatTime(a), FormatTime(b)
	if !(fa < fb) {
		t.Errorf("FormatTime not sortable: %q >= %q", fa, fb)
	}

	got, err := ParseTime(fa)
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !got.Equal(a) {
		t.Errorf("ParseTime = %v, want %v", got, a)
	}

	if _, err := ParseTime("2026-01-02T03:04:05Z"); err != nil {
		t.Errorf("ParseTime(RFC3339): %v", err)
	}
}

func TestNullHelpers(t *testing.T) {
	if NullString("").Valid {
		t.Error("NullString(\"\") should be NULL")
	}
	if NullInt(nil).Valid {
		t.Error("NullInt(nil) should be NULL")
	}
	n := 7
	if p := IntPtr(NullInt(&n)); p == nil || *p != 7 {
		t.Errorf("IntPtr round trip = %v", p)
	}
	if FloatPtr(sql.NullFloat64{}) != nil {
		t.Error("FloatPtr(NULL) should be nil")
	}

	ns, err := MarshalMap(map[string]any{"source": "cli"})
	if err != nil {
		t.Fatal(err)
	}
	m, err := UnmarshalMap(ns)
	if err != nil {
		t.Fatal(err)
	}
	if m["source"] != "cli" {
		t.Errorf("UnmarshalMap = %v", m)
	}
	empty, _ := UnmarshalMap(sql.NullString{})
	if empty == nil || len(empty) != 0 {
		t.Errorf("UnmarshalMap(NULL) = %v, want empty map", empty)
	}
}
