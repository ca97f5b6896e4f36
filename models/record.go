package models

import "strings"

// GapFlag annotates an AlignedRecord with missing/delayed/lost data from a
// source. Flags are a bit set; a record may carry several at once.
type GapFlag uint8

const (
	RadarGap GapFlag = 1 << iota // radar silent past the heartbeat interval
	BeltGap
	RadarReconnect // first record after a radar clock discontinuity
	BeltReconnect
	RadarDrop // radar queue evicted samples since the previous record
	BeltDrop
)

var flagNames = []struct {
	bit  GapFlag
	name string
}{
	{RadarGap, "radar_gap"},
	{BeltGap, "belt_gap"},
	{RadarReconnect, "radar_reconnect"},
	{BeltReconnect, "belt_reconnect"},
	{RadarDrop, "radar_drop"},
	{BeltDrop, "belt_drop"},
}

// Has reports whether every bit in mask is set.
func (g GapFlag) Has(mask GapFlag) bool { return g&mask == mask }

func (g GapFlag) String() string {
	if g == 0 {
		return ""
	}
	var parts []string
	for _, f := range flagNames {
		if g&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// GapFor returns the heartbeat-gap flag for a source.
func GapFor(s SourceID) GapFlag {
	if s == SourceRadar {
		return RadarGap
	}
	return BeltGap
}

// ReconnectFor returns the reconnect flag for a source.
func ReconnectFor(s SourceID) GapFlag {
	if s == SourceRadar {
		return RadarReconnect
	}
	return BeltReconnect
}

// DropFor returns the queue-overflow flag for a source.
func DropFor(s SourceID) GapFlag {
	if s == SourceRadar {
		return RadarDrop
	}
	return BeltDrop
}

// AlignedRecord is one merged output unit. Event records carry the radar
// frame and/or the belt samples that fell inside the alignment bucket; tick
// records (Tick=true) carry neither and exist only to mark silence from a
// source. Created and written once by the merger, then handed to sinks.
type AlignedRecord struct {
	ReferenceNs int64          `json:"reference_ns"`
	Radar       *TimedSample   `json:"radar,omitempty"`
	Belt        []*TimedSample `json:"belt,omitempty"`
	Flags       GapFlag        `json:"flags"`
	FlagNames   string         `json:"flag_names,omitempty"`
	Tick        bool           `json:"tick,omitempty"`
}

// HasPayload reports whether the record carries any sample.
func (r *AlignedRecord) HasPayload() bool {
	return r.Radar != nil || len(r.Belt) > 0
}

// BeltMeanForce averages the belt samples attached to this record.
func (r *AlignedRecord) BeltMeanForce() float64 {
	if len(r.Belt) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.Belt {
		if s.RawSample.Belt != nil {
			sum += s.RawSample.Belt.Force
		}
	}
	return sum / float64(len(r.Belt))
}

// ─── CSV schema ─────────────────────────────────────────────────────────

// CSVHeader returns the aligned CSV header: reference time, radar summary,
// belt summary, epochs and flags.
func (AlignedRecord) CSVHeader() []string {
	return []string{
		"reference_ns", "tick",
		"radar_frame_index", "radar_epoch", "radar_mean_mag",
		"belt_n", "belt_epoch", "belt_mean_force",
		"flags",
	}
}

// CSVRow returns one aligned row, empty strings for absent sides.
func (r *AlignedRecord) CSVRow() []string {
	row := []string{itoa64(r.ReferenceNs), btoa(r.Tick)}

	if r.Radar != nil && r.Radar.RawSample.Radar != nil {
		f := r.Radar.RawSample.Radar
		row = append(row, utoa64(f.FrameIndex), itoa(r.Radar.Epoch),
			ftoa(f.MeanMagnitude(), 4))
	} else {
		row = append(row, "", "", "")
	}

	if n := len(r.Belt); n > 0 {
		row = append(row, itoa(n), itoa(r.Belt[0].Epoch),
			ftoa(r.BeltMeanForce(), 4))
	} else {
		row = append(row, "", "", "")
	}

	return append(row, r.Flags.String())
}

// RadarCSVHeader is the per-source radar.csv layout.
func RadarCSVHeader() []string {
	return []string{"reference_ns", "device_tick", "arrival_ns", "epoch",
		"reconnected", "frame_index", "bins", "mean_mag"}
}

// RadarCSVRow renders one radar TimedSample.
func RadarCSVRow(s *TimedSample) []string {
	f := s.RawSample.Radar
	return []string{
		itoa64(s.ReferenceNs), ftoa(s.DeviceTick, 3), itoa64(s.ArrivalNs),
		itoa(s.Epoch), btoa(s.Reconnected),
		utoa64(f.FrameIndex), itoa(len(f.IQ)), ftoa(f.MeanMagnitude(), 4),
	}
}

// BeltCSVHeader is the per-source belt.csv layout.
func BeltCSVHeader() []string {
	return []string{"reference_ns", "device_tick", "arrival_ns", "epoch",
		"reconnected", "sample_index", "force_n"}
}

// BeltCSVRow renders one belt TimedSample.
func BeltCSVRow(s *TimedSample) []string {
	b := s.RawSample.Belt
	return []string{
		itoa64(s.ReferenceNs), ftoa(s.DeviceTick, 3), itoa64(s.ArrivalNs),
		itoa(s.Epoch), btoa(s.Reconnected),
		utoa64(b.SampleIndex), ftoa(b.Force, 4),
	}
}
