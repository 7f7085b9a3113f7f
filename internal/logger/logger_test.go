package logger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/okulov/pumprig/internal/rig"
)

func readRows(t *testing.T, dir string) [][]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one log file, got %d", len(entries))
	}
	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	return rows
}

func TestLogger_RecordsSamplesAndSummary(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 1})

	l.Sample(rig.PressureSample{StepIndex: -1, Value: 1.23, Stamp: time.Now()})
	l.Sample(rig.PressureSample{StepIndex: 4, Value: 2.5, Stamp: time.Now()})
	l.Summary(4.0, 0)
	l.Close()

	rows := readRows(t, dir)
	if len(rows) != 4 { // header + 3 rows
		t.Fatalf("rows = %d, want 4", len(rows))
	}
	if rows[1][1] != "live" || rows[1][3] != "1.23" {
		t.Errorf("live row = %v", rows[1])
	}
	if rows[2][1] != "ramp" || rows[2][2] != "4" || rows[2][3] != "2.50" {
		t.Errorf("ramp row = %v", rows[2])
	}
	if rows[3][1] != "summary" || rows[3][4] != "4.00" || rows[3][5] != "0.00" {
		t.Errorf("summary row = %v", rows[3])
	}
}

func TestLogger_LiveSamplesRateLimited(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 60_000})

	for i := 0; i < 5; i++ {
		l.Sample(rig.PressureSample{StepIndex: -1, Value: 1.0, Stamp: time.Now()})
	}
	// ramp samples bypass the limit
	l.Sample(rig.PressureSample{StepIndex: 0, Value: 2.0, Stamp: time.Now()})
	l.Close()

	rows := readRows(t, dir)
	if len(rows) != 3 { // header + first live + ramp
		t.Errorf("rows = %d, want 3: %v", len(rows), rows)
	}
}

func TestLogger_DisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Path: dir})

	l.Sample(rig.PressureSample{StepIndex: 0, Value: 2.0, Stamp: time.Now()})
	l.Summary(1, 2)
	l.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no log files, got %d", len(entries))
	}
}
