package controller

import (
	"context"
	"testing"
	"time"

	"vital-recorder/models"
	"vital-recorder/services/queue"
	"vital-recorder/utils"
)

func testPipelineConfig() utils.PipelineConfig {
	return utils.PipelineConfig{
		QueueCapacity:        64,
		AlignmentToleranceMs: 25,
		LookaheadMs:          50,
		HeartbeatMs:          100,
		FlushTimeoutS:        1.0,
	}
}

func radarAt(refMs int64) *models.TimedSample {
	return &models.TimedSample{
		RawSample: models.RawSample{
			Source:     models.SourceRadar,
			DeviceTick: float64(refMs),
			Radar:      &models.RadarFrame{FrameIndex: uint64(refMs)},
		},
		ReferenceNs: refMs * int64(time.Millisecond),
	}
}

func beltAt(refMs int64) *models.TimedSample {
	return &models.TimedSample{
		RawSample: models.RawSample{
			Source:     models.SourceBelt,
			DeviceTick: float64(refMs),
			Belt:       &models.BeltReading{SampleIndex: uint64(refMs), Force: 2.0},
		},
		ReferenceNs: refMs * int64(time.Millisecond),
	}
}

// collect reads records until want are gathered or the deadline passes.
func collect(t *testing.T, out <-chan *models.AlignedRecord, want int) []*models.AlignedRecord {
	t.Helper()
	var recs []*models.AlignedRecord
	deadline := time.After(3 * time.Second)
	for len(recs) < want {
		select {
		case rec, ok := <-out:
			if !ok {
				return recs
			}
			recs = append(recs, rec)
		case <-deadline:
			t.Fatalf("collected %d records, want %d", len(recs), want)
		}
	}
	return recs
}

func TestMergerPairsBeltSamplesWithRadarFrames(t *testing.T) {
	radarQ := queue.NewBounded[*models.TimedSample](64)
	beltQ := queue.NewBounded[*models.TimedSample](64)
	clock := &utils.ManualClock{}

	// 50 Hz belt against 20 Hz radar with a 25 ms bucket: every belt
	// sample belongs to exactly one radar frame, 2 or 3 per frame.
	for ms := int64(30); ms <= 250; ms += 20 {
		beltQ.Push(beltAt(ms))
	}
	for ms := int64(50); ms <= 250; ms += 50 {
		radarQ.Push(radarAt(ms))
	}

	m := NewMergeController(testPipelineConfig(), radarQ, beltQ, clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	clock.Advance(500 * time.Millisecond)

	recs := collect(t, m.Out, 5)

	var lastRef int64 = -1
	beltTotal := 0
	for i, rec := range recs {
		if rec.Radar == nil {
			t.Fatalf("record %d has no radar frame", i)
		}
		if n := len(rec.Belt); n < 2 || n > 3 {
			t.Fatalf("record %d: %d belt samples, want 2-3", i, n)
		}
		if rec.Flags != 0 {
			t.Fatalf("record %d carries flags %q on a clean stream", i, rec.FlagNames)
		}
		if rec.ReferenceNs < lastRef {
			t.Fatalf("record %d: reference time went backwards", i)
		}
		for _, b := range rec.Belt {
			d := b.ReferenceNs - rec.Radar.ReferenceNs
			if d < -25*int64(time.Millisecond) || d > 25*int64(time.Millisecond) {
				t.Fatalf("record %d: belt sample %dns outside bucket", i, d)
			}
		}
		lastRef = rec.ReferenceNs
		beltTotal += len(rec.Belt)
	}
	if beltTotal != 12 {
		t.Fatalf("belt samples across records: got %d, want 12", beltTotal)
	}
}

func TestMergerEmitsHeartbeatTicksDuringBeltOutage(t *testing.T) {
	radarQ := queue.NewBounded[*models.TimedSample](64)
	beltQ := queue.NewBounded[*models.TimedSample](64)
	clock := &utils.ManualClock{}

	m := NewMergeController(testPipelineConfig(), radarQ, beltQ, clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	// Radar keeps producing while the belt stays silent across several
	// heartbeat intervals.
	var recs []*models.AlignedRecord
	for i := 0; i < 5; i++ {
		radarQ.Push(radarAt(clock.Now() / int64(time.Millisecond)))
		clock.Advance(100 * time.Millisecond)
		time.Sleep(20 * time.Millisecond) // let the merge loop observe the step
	}
	clock.Advance(100 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)

drainLoop:
	for {
		select {
		case rec := <-m.Out:
			recs = append(recs, rec)
		default:
			break drainLoop
		}
	}

	beltGapTicks := 0
	for _, rec := range recs {
		if rec.Tick && rec.Flags.Has(models.BeltGap) {
			beltGapTicks++
			if rec.HasPayload() {
				t.Fatal("tick record carries a payload")
			}
		}
	}
	if beltGapTicks < 2 {
		t.Fatalf("belt-gap ticks during outage: got %d, want >= 2", beltGapTicks)
	}

	// Belt resumes with a new epoch; the first real belt record reports it.
	resumed := beltAt(clock.Now() / int64(time.Millisecond))
	resumed.Reconnected = true
	resumed.Epoch = 1
	beltQ.Push(resumed)
	clock.Advance(60 * time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case rec := <-m.Out:
			if rec.Flags.Has(models.BeltReconnect) {
				return
			}
		case <-deadline:
			t.Fatal("no record flagged belt_reconnect after resume")
		}
	}
}

func TestMergerSurfacesQueueDrops(t *testing.T) {
	radarQ := queue.NewBounded[*models.TimedSample](4)
	beltQ := queue.NewBounded[*models.TimedSample](64)
	clock := &utils.ManualClock{}

	// Burst of 10 into a 4-slot queue: 6 evicted, newest 4 survive.
	for ms := int64(0); ms < 100; ms += 10 {
		radarQ.Push(radarAt(ms))
	}
	if radarQ.Dropped() != 6 {
		t.Fatalf("queue dropped: got %d, want 6", radarQ.Dropped())
	}

	m := NewMergeController(testPipelineConfig(), radarQ, beltQ, clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	clock.Advance(time.Second)

	recs := collect(t, m.Out, 4)
	if !recs[0].Flags.Has(models.RadarDrop) {
		t.Fatalf("first record after eviction lacks radar_drop (flags=%q)", recs[0].FlagNames)
	}
	for i, rec := range recs[1:] {
		if rec.Flags.Has(models.RadarDrop) {
			t.Fatalf("record %d repeats radar_drop", i+1)
		}
	}
	if got := recs[0].Radar.RawSample.Radar.FrameIndex; got != 60 {
		t.Fatalf("first surviving frame: got %d, want 60", got)
	}
}

func TestMergerDrainsOnCancel(t *testing.T) {
	radarQ := queue.NewBounded[*models.TimedSample](64)
	beltQ := queue.NewBounded[*models.TimedSample](64)
	clock := &utils.ManualClock{}

	m := NewMergeController(testPipelineConfig(), radarQ, beltQ, clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	// Nothing is ripe at a frozen clock; cancellation must still flush it.
	radarQ.Push(radarAt(10))
	beltQ.Push(beltAt(12))
	beltQ.Push(beltAt(100))
	cancel()

	var recs []*models.AlignedRecord
	for rec := range m.Out {
		recs = append(recs, rec)
	}
	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("merger did not finish draining")
	}

	var radarSeen, beltSeen int
	for _, rec := range recs {
		if rec.Radar != nil {
			radarSeen++
		}
		beltSeen += len(rec.Belt)
	}
	if radarSeen != 1 || beltSeen != 2 {
		t.Fatalf("drained payloads: radar=%d belt=%d, want 1 and 2", radarSeen, beltSeen)
	}
	if _, _, lost := m.Stats(); lost != 0 {
		t.Fatalf("flush shortfall on a consumed drain: %d", lost)
	}
}

func TestMergerMarksDownSourceOnRecords(t *testing.T) {
	radarQ := queue.NewBounded[*models.TimedSample](64)
	beltQ := queue.NewBounded[*models.TimedSample](64)
	clock := &utils.ManualClock{}

	m := NewMergeController(testPipelineConfig(), radarQ, beltQ, clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	m.SetDown(models.SourceBelt, true)
	radarQ.Push(radarAt(10))
	clock.Advance(200 * time.Millisecond)

	recs := collect(t, m.Out, 1)
	if !recs[0].Flags.Has(models.BeltGap) {
		t.Fatalf("record while belt is down lacks belt_gap (flags=%q)", recs[0].FlagNames)
	}
}
