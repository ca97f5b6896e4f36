package models

import (
	"strings"
	"testing"
)

var _ CSVRowWriter = (*AlignedRecord)(nil)

func TestGapFlagString(t *testing.T) {
	cases := []struct {
		flags GapFlag
		want  string
	}{
		{0, ""},
		{RadarGap, "radar_gap"},
		{BeltGap | BeltReconnect, "belt_gap|belt_reconnect"},
		{RadarDrop | BeltDrop, "radar_drop|belt_drop"},
		{RadarGap | BeltGap | RadarReconnect, "radar_gap|belt_gap|radar_reconnect"},
	}
	for _, c := range cases {
		if got := c.flags.String(); got != c.want {
			t.Errorf("flags %b: got %q, want %q", c.flags, got, c.want)
		}
	}
}

func TestGapFlagHelpers(t *testing.T) {
	if GapFor(SourceRadar) != RadarGap || GapFor(SourceBelt) != BeltGap {
		t.Fatal("GapFor mapping wrong")
	}
	if ReconnectFor(SourceRadar) != RadarReconnect || ReconnectFor(SourceBelt) != BeltReconnect {
		t.Fatal("ReconnectFor mapping wrong")
	}
	if DropFor(SourceRadar) != RadarDrop || DropFor(SourceBelt) != BeltDrop {
		t.Fatal("DropFor mapping wrong")
	}
	if !(RadarGap | BeltDrop).Has(RadarGap) {
		t.Fatal("Has missed a set bit")
	}
	if (RadarGap).Has(BeltGap) {
		t.Fatal("Has reported an unset bit")
	}
}

func TestAlignedRecordCSVRow(t *testing.T) {
	rec := &AlignedRecord{
		ReferenceNs: 1_500_000_000,
		Radar: &TimedSample{
			RawSample: RawSample{
				Source: SourceRadar,
				Radar:  &RadarFrame{FrameIndex: 42, IQ: []complex128{3 + 4i}},
			},
			ReferenceNs: 1_500_000_000,
		},
		Belt: []*TimedSample{
			{RawSample: RawSample{Source: SourceBelt, Belt: &BeltReading{Force: 2.0}}},
			{RawSample: RawSample{Source: SourceBelt, Belt: &BeltReading{Force: 3.0}}},
		},
		Flags: BeltReconnect,
	}

	row := rec.CSVRow()
	header := AlignedRecord{}.CSVHeader()
	if len(row) != len(header) {
		t.Fatalf("row width %d, header width %d", len(row), len(header))
	}
	if row[0] != "1500000000" {
		t.Errorf("reference_ns: got %q", row[0])
	}
	if row[1] != "0" {
		t.Errorf("tick: got %q", row[1])
	}
	if row[2] != "42" {
		t.Errorf("radar_frame_index: got %q", row[2])
	}
	if row[4] != "5.0000" { // |3+4i|
		t.Errorf("radar_mean_mag: got %q", row[4])
	}
	if row[5] != "2" {
		t.Errorf("belt_n: got %q", row[5])
	}
	if row[7] != "2.5000" {
		t.Errorf("belt_mean_force: got %q", row[7])
	}
	if row[8] != "belt_reconnect" {
		t.Errorf("flags: got %q", row[8])
	}
}

func TestTickRecordCSVRowHasEmptyPayloadColumns(t *testing.T) {
	rec := &AlignedRecord{ReferenceNs: 7, Tick: true, Flags: BeltGap}
	if rec.HasPayload() {
		t.Fatal("tick record reports a payload")
	}
	row := rec.CSVRow()
	if row[1] != "1" {
		t.Errorf("tick column: got %q", row[1])
	}
	for _, i := range []int{2, 3, 4, 5, 6, 7} {
		if row[i] != "" {
			t.Errorf("column %d not empty: %q", i, row[i])
		}
	}
	if !strings.Contains(row[8], "belt_gap") {
		t.Errorf("flags column: got %q", row[8])
	}
}

func TestRadarFrameMagnitudes(t *testing.T) {
	f := &RadarFrame{IQ: []complex128{1, 3 + 4i, -2}}
	mags := f.Magnitudes()
	want := []float64{1, 5, 2}
	for i := range want {
		if mags[i] != want[i] {
			t.Errorf("bin %d: got %v, want %v", i, mags[i], want[i])
		}
	}
	if mm := f.MeanMagnitude(); mm != 8.0/3.0 {
		t.Errorf("mean magnitude: got %v", mm)
	}
}
