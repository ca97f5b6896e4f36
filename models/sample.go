package models

import (
	"encoding/json"
	"math/cmplx"
)

// SourceID identifies one of the two fixed acquisition sources.
type SourceID int

const (
	SourceRadar SourceID = iota
	SourceBelt
)

var sourceNames = [...]string{"radar", "belt"}

func (s SourceID) String() string {
	if int(s) < len(sourceNames) {
		return sourceNames[s]
	}
	return "unknown"
}

// RadarFrame is one FMCW I/Q sweep: complex amplitude per range bin.
type RadarFrame struct {
	FrameIndex uint64
	IQ         []complex128
}

// Magnitudes returns |IQ| per range bin, the representation used for JSON
// payloads and CSV summaries (complex values do not serialise directly).
func (f *RadarFrame) Magnitudes() []float64 {
	out := make([]float64, len(f.IQ))
	for i, v := range f.IQ {
		out[i] = cmplx.Abs(v)
	}
	return out
}

// MeanMagnitude returns the average |IQ| across the sweep.
func (f *RadarFrame) MeanMagnitude() float64 {
	if len(f.IQ) == 0 {
		return 0
	}
	var sum float64
	for _, v := range f.IQ {
		sum += cmplx.Abs(v)
	}
	return sum / float64(len(f.IQ))
}

// MarshalJSON emits the frame index and per-bin magnitudes.
func (f *RadarFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		FrameIndex uint64    `json:"frame_index"`
		Magnitude  []float64 `json:"magnitude"`
	}{f.FrameIndex, f.Magnitudes()})
}

// BeltReading is one respiration-belt force sample.
type BeltReading struct {
	SampleIndex uint64  `json:"sample_index"`
	Force       float64 `json:"force_n"`
}

// RawSample is one device-native measurement: exactly one of Radar/Belt is
// set, matching Source. DeviceTick is the source's own tick count, monotonic
// within a session but reset on reconnect. ArrivalNs is the reference-clock
// reading at capture. Immutable once created by a source reader.
type RawSample struct {
	Source     SourceID     `json:"source"`
	DeviceTick float64      `json:"device_tick"`
	ArrivalNs  int64        `json:"arrival_ns"`
	Radar      *RadarFrame  `json:"radar,omitempty"`
	Belt       *BeltReading `json:"belt,omitempty"`
}

// TimedSample is a RawSample projected onto the shared reference clock.
// Epoch counts detected clock discontinuities for this source; Reconnected
// marks the first sample of a new epoch. Immutable.
type TimedSample struct {
	RawSample
	ReferenceNs int64 `json:"reference_ns"`
	Epoch       int   `json:"epoch"`
	Reconnected bool  `json:"reconnected,omitempty"`
}
