package views

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vital-recorder/models"
	"vital-recorder/utils"
)

func testCSVConfig() utils.CSVSinkConfig {
	return utils.CSVSinkConfig{
		Enabled:         true,
		FlushIntervalMs: 10,
		BufferSizeKB:    4,
		WriteHeader:     true,
		PerSource:       true,
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func TestCSVSinkWritesSessionFiles(t *testing.T) {
	sess := utils.SessionConfig{
		OutDir: t.TempDir(),
		Prefix: "test",
	}
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	sink, err := NewCSVSink(sess, testCSVConfig(), start)
	if err != nil {
		t.Fatalf("new csv sink: %v", err)
	}

	radar := &models.TimedSample{
		RawSample: models.RawSample{
			Source: models.SourceRadar,
			Radar:  &models.RadarFrame{FrameIndex: 7, IQ: []complex128{1, 1}},
		},
		ReferenceNs: 100,
	}
	belt := &models.TimedSample{
		RawSample: models.RawSample{
			Source: models.SourceBelt,
			Belt:   &models.BeltReading{SampleIndex: 3, Force: 2.5},
		},
		ReferenceNs: 90,
	}

	sink.Write(&models.AlignedRecord{ReferenceNs: 100, Radar: radar,
		Belt: []*models.TimedSample{belt}})
	sink.Write(&models.AlignedRecord{ReferenceNs: 200, Tick: true,
		Flags: models.BeltGap, FlagNames: "belt_gap"})

	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	dir := sink.SessionDir()
	if filepath.Base(dir) != "test_20260824_100000" {
		t.Fatalf("session dir name: got %s", filepath.Base(dir))
	}

	aligned := readCSV(t, filepath.Join(dir, "aligned.csv"))
	if len(aligned) != 3 { // header + 2 records
		t.Fatalf("aligned.csv rows: got %d, want 3", len(aligned))
	}
	if aligned[0][0] != "reference_ns" {
		t.Fatalf("aligned header: got %q", aligned[0][0])
	}
	if aligned[2][8] != "belt_gap" {
		t.Fatalf("tick row flags: got %q", aligned[2][8])
	}

	radarRows := readCSV(t, filepath.Join(dir, "radar.csv"))
	if len(radarRows) != 2 {
		t.Fatalf("radar.csv rows: got %d, want 2", len(radarRows))
	}
	beltRows := readCSV(t, filepath.Join(dir, "belt.csv"))
	if len(beltRows) != 2 {
		t.Fatalf("belt.csv rows: got %d, want 2", len(beltRows))
	}
}

func TestCSVSinkRefusesExistingSessionDir(t *testing.T) {
	base := t.TempDir()
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	sess := utils.SessionConfig{OutDir: base, Prefix: "dup"}

	if err := os.MkdirAll(filepath.Join(base, "dup_20260824_100000"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCSVSink(sess, testCSVConfig(), start); err == nil {
		t.Fatal("sink created over an existing session dir")
	}

	sess.OverwriteOut = true
	sink, err := NewCSVSink(sess, testCSVConfig(), start)
	if err != nil {
		t.Fatalf("overwrite_out=true still refused: %v", err)
	}
	sink.Close()
}
