package utils

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ReferenceClock is the single shared monotonic time base every sample is
// mapped onto. Zero is the moment the clock was created (session start);
// readings are nanoseconds since then, taken from Go's monotonic clock so
// wall-clock steps (NTP, manual adjustment) cannot move them backwards.
type ReferenceClock struct {
	start time.Time
}

// NewReferenceClock anchors a new reference clock at the current instant.
func NewReferenceClock() *ReferenceClock {
	return &ReferenceClock{start: time.Now()}
}

// Now returns nanoseconds elapsed since the clock's anchor.
func (c *ReferenceClock) Now() int64 {
	return time.Since(c.start).Nanoseconds()
}

// WallStart returns the wall-clock instant corresponding to reference zero,
// used to label session output directories.
func (c *ReferenceClock) WallStart() time.Time {
	return c.start
}

// ManualClock is a ReferenceClock stand-in for deterministic tests.
// It shares no state with ReferenceClock; both satisfy NowFunc.
type ManualClock struct {
	ns atomic.Int64
}

// Advance moves the manual clock forward by d.
func (m *ManualClock) Advance(d time.Duration) {
	m.ns.Add(d.Nanoseconds())
}

// Now returns the current manual reading in nanoseconds.
func (m *ManualClock) Now() int64 {
	return m.ns.Load()
}

// NowFunc abstracts the reference clock reading so pipeline stages can be
// driven by a ManualClock in tests.
type NowFunc func() int64

// SessionName returns a unique session directory name:
//
//	<prefix>_YYYYMMDD_HHMMSS
func SessionName(prefix string, start time.Time) string {
	return fmt.Sprintf("%s_%s", prefix, start.Format("20060102_150405"))
}

// FormatReference renders a reference-clock reading as seconds with
// millisecond precision, for logs and status payloads.
func FormatReference(ns int64) string {
	return fmt.Sprintf("%.3fs", float64(ns)/1e9)
}
