package timesync

import (
	"math"
	"testing"
	"time"
)

const interval = 20 * time.Millisecond

func newTestMapper() *Mapper {
	return New(Config{
		NominalInterval: interval,
		SmoothingWeight: 0.1,
		JumpTolerance:   10,
	})
}

func TestFirstSampleSeedsFromArrival(t *testing.T) {
	m := newTestMapper()
	mp := m.Observe(0, 5_000_000)
	if mp.ReferenceNs != 5_000_000 {
		t.Fatalf("first mapping: got %d, want arrival 5000000", mp.ReferenceNs)
	}
	if mp.Epoch != 0 || mp.Reconnected {
		t.Fatalf("first mapping: epoch=%d reconnected=%v", mp.Epoch, mp.Reconnected)
	}
}

func TestDriftConvergesOnSteadyStream(t *testing.T) {
	m := newTestMapper()
	step := interval.Nanoseconds()
	for i := 0; i < 200; i++ {
		m.Observe(float64(i), int64(i)*step)
	}
	if d := m.Drift(); math.Abs(d-1.0) > 1e-6 {
		t.Fatalf("drift after steady stream: got %v, want ~1.0", d)
	}
}

func TestDriftTracksSkewedDeviceClock(t *testing.T) {
	// Device clock runs 0.5% slow: each tick actually spans 1.005
	// intervals of reference time.
	m := newTestMapper()
	actual := float64(interval.Nanoseconds()) * 1.005
	for i := 0; i < 300; i++ {
		m.Observe(float64(i), int64(float64(i)*actual))
	}
	if d := m.Drift(); math.Abs(d-1.005) > 1e-3 {
		t.Fatalf("drift: got %v, want ~1.005", d)
	}
}

func TestBackwardTickStartsNewEpoch(t *testing.T) {
	m := newTestMapper()
	step := interval.Nanoseconds()
	for i := 0; i < 50; i++ {
		m.Observe(float64(i), int64(i)*step)
	}

	// Device restarted: counter back at zero, arrivals keep climbing.
	mp := m.Observe(0, 51*step)
	if !mp.Reconnected {
		t.Fatal("backward tick not flagged as reconnect")
	}
	if mp.Epoch != 1 {
		t.Fatalf("epoch after reconnect: got %d, want 1", mp.Epoch)
	}

	// The new epoch maps from arrival again.
	mp = m.Observe(1, 52*step)
	if mp.Reconnected || mp.Epoch != 1 {
		t.Fatalf("post-reconnect mapping: epoch=%d reconnected=%v", mp.Epoch, mp.Reconnected)
	}
	if mp.ReferenceNs < 51*step {
		t.Fatalf("post-reconnect reference went backwards: %d", mp.ReferenceNs)
	}
}

func TestForwardJumpStartsNewEpoch(t *testing.T) {
	m := newTestMapper()
	step := interval.Nanoseconds()
	m.Observe(0, 0)
	m.Observe(1, step)

	// 11 intervals ahead exceeds the x10 tolerance.
	mp := m.Observe(12, 13*step)
	if !mp.Reconnected || mp.Epoch != 1 {
		t.Fatalf("forward jump: epoch=%d reconnected=%v", mp.Epoch, mp.Reconnected)
	}
}

func TestSmallGapIsNotAReconnect(t *testing.T) {
	m := newTestMapper()
	step := interval.Nanoseconds()
	m.Observe(0, 0)
	m.Observe(1, step)

	// 5 intervals of missing samples stays within tolerance.
	mp := m.Observe(6, 6*step)
	if mp.Reconnected || mp.Epoch != 0 {
		t.Fatalf("small gap treated as reconnect: epoch=%d", mp.Epoch)
	}
}

func TestDuplicateTickIsNotAReconnect(t *testing.T) {
	m := newTestMapper()
	step := interval.Nanoseconds()
	m.Observe(0, 0)
	m.Observe(1, step)
	before := m.Observe(2, 2*step)

	// The same tick delivered again (a duplicated frame read) maps to the
	// same reference time in the same epoch.
	dup := m.Observe(2, 2*step+step/10)
	if dup.Reconnected || dup.Epoch != 0 {
		t.Fatalf("duplicate tick treated as reconnect: epoch=%d reconnected=%v",
			dup.Epoch, dup.Reconnected)
	}
	if dup.ReferenceNs != before.ReferenceNs {
		t.Fatalf("duplicate tick remapped: got %d, want %d",
			dup.ReferenceNs, before.ReferenceNs)
	}

	// The stream resumes in the same epoch, still monotonic.
	next := m.Observe(3, 3*step)
	if next.Reconnected || next.Epoch != 0 {
		t.Fatalf("mapping after duplicate: epoch=%d reconnected=%v",
			next.Epoch, next.Reconnected)
	}
	if next.ReferenceNs < dup.ReferenceNs {
		t.Fatalf("reference went backwards after duplicate: %d < %d",
			next.ReferenceNs, dup.ReferenceNs)
	}
}

func TestMappedTimeIsMonotonic(t *testing.T) {
	m := newTestMapper()
	step := interval.Nanoseconds()

	// Arrival jitter of up to a quarter interval in both directions.
	jitter := []int64{0, step / 4, -step / 5, step / 8, -step / 4, 0, step / 6}
	var last int64 = -1
	for i := 0; i < 200; i++ {
		arrival := int64(i)*step + jitter[i%len(jitter)]
		mp := m.Observe(float64(i), arrival)
		if mp.ReferenceNs < last {
			t.Fatalf("sample %d: reference %d < previous %d", i, mp.ReferenceNs, last)
		}
		last = mp.ReferenceNs
	}
}
