package controller

import (
	"context"
	"sync/atomic"
	"time"

	"vital-recorder/models"
	"vital-recorder/services/queue"
	"vital-recorder/utils"
)

// mergeIdle bounds the sleep between drain cycles when neither queue pulses
// its ready channel; short enough that lookahead ripening and heartbeat
// ticks land well inside their intervals.
const mergeIdle = 10 * time.Millisecond

// MergeController consumes both source queues and produces the single
// globally ordered AlignedRecord stream.
//
// Per source it keeps a small lookahead buffer (a reference-time window)
// so a radar frame is only emitted once every belt sample that could fall
// inside its alignment bucket has been seen. Output ordering is solely by
// reference time, ties radar-first; within a source, queue FIFO order is
// never disturbed. Gaps, queue drops, reconnects and device loss all
// surface as flags on the emitted records, never as silent holes.
type MergeController struct {
	cfg    utils.PipelineConfig
	queues [2]*queue.Bounded[*models.TimedSample]
	now    utils.NowFunc

	// Out delivers each record exactly once; closed after draining.
	Out chan *models.AlignedRecord

	down      [2]atomic.Bool
	lastDrop  [2]uint64
	pending   [2]models.GapFlag // drop flags awaiting the source's next record
	look      [2][]*models.TimedSample
	lastSeen  [2]int64 // reference time a sample from the source last arrived
	lastTick  [2]int64 // reference time of the source's last synthetic tick
	lastEmit  int64    // monotonic output guard
	deadline  time.Time
	emitted   atomic.Uint64
	ticks     atomic.Uint64
	shortfall atomic.Uint64 // records lost to the flush deadline
	done      chan struct{}
}

// NewMergeController wires the merger to the two queues.
func NewMergeController(cfg utils.PipelineConfig,
	radarQ, beltQ *queue.Bounded[*models.TimedSample],
	now utils.NowFunc) *MergeController {

	return &MergeController{
		cfg:    cfg,
		queues: [2]*queue.Bounded[*models.TimedSample]{radarQ, beltQ},
		now:    now,
		Out:    make(chan *models.AlignedRecord, 256),
		done:   make(chan struct{}),
	}
}

// Start launches the merge goroutine. Cancelling ctx begins the drain: any
// sample already enqueued is still emitted, bounded by the flush timeout,
// then Out is closed.
func (m *MergeController) Start(ctx context.Context) {
	start := m.now()
	m.lastSeen = [2]int64{start, start}
	m.lastTick = [2]int64{start, start}
	go m.run(ctx)
	utils.L().Info("merger started (tolerance=%v, lookahead=%v, heartbeat=%v)",
		m.cfg.AlignmentTolerance(), m.cfg.Lookahead(), m.cfg.Heartbeat())
}

// Done is closed once the drain has finished and Out is closed.
func (m *MergeController) Done() <-chan struct{} { return m.done }

// SetDown marks a source as lost to the session controller; every record
// carries the source's gap flag until it is marked up again.
func (m *MergeController) SetDown(src models.SourceID, down bool) {
	m.down[src].Store(down)
}

// Stats returns emitted record, synthetic tick and flush-shortfall counts.
func (m *MergeController) Stats() (emitted, ticks, lost uint64) {
	return m.emitted.Load(), m.ticks.Load(), m.shortfall.Load()
}

func (m *MergeController) run(ctx context.Context) {
	defer close(m.done)
	idle := time.NewTicker(mergeIdle)
	defer idle.Stop()
	for {
		// Park until a queue pulses or the idle bound expires; a push
		// wakes the loop immediately, the ticker only serves ripening
		// checks and heartbeat scanning.
		select {
		case <-ctx.Done():
			m.drain()
			close(m.Out)
			utils.L().Info("merger stopped (emitted=%d, ticks=%d, flush_lost=%d)",
				m.emitted.Load(), m.ticks.Load(), m.shortfall.Load())
			return
		case <-m.queues[0].Ready():
		case <-m.queues[1].Ready():
		case <-idle.C:
		}

		m.fill()
		m.noteDrops()
		for m.emitReady(false) {
		}
		m.heartbeat()
	}
}

// fill moves everything currently queued into the lookahead buffers.
func (m *MergeController) fill() {
	for src := range m.queues {
		for {
			s, ok := m.queues[src].TryPop()
			if !ok {
				break
			}
			m.look[src] = append(m.look[src], s)
			m.lastSeen[src] = m.now()
		}
	}
}

// noteDrops converts queue eviction counter deltas into pending flags so
// the next record from that source reports the loss.
func (m *MergeController) noteDrops() {
	for src := range m.queues {
		if d := m.queues[src].Dropped(); d > m.lastDrop[src] {
			utils.L().Warn("%s queue dropped %d sample(s)",
				models.SourceID(src), d-m.lastDrop[src])
			m.pending[src] |= models.DropFor(models.SourceID(src))
			m.lastDrop[src] = d
		}
	}
}

// emitReady emits at most one record and reports whether it did. With
// drain set, ripeness checks are skipped and everything buffered goes out.
func (m *MergeController) emitReady(drain bool) bool {
	const radar, belt = int(models.SourceRadar), int(models.SourceBelt)
	tol := m.cfg.AlignmentTolerance().Nanoseconds()
	ahead := m.cfg.Lookahead().Nanoseconds()
	now := m.now()

	rh := m.head(radar)
	bh := m.head(belt)

	switch {
	case rh == nil && bh == nil:
		return false

	case rh == nil:
		// Belt only: ripe once the lookahead window has passed (a radar
		// frame arriving later than that can no longer claim the sample).
		if !drain && now < bh.ReferenceNs+ahead {
			return false
		}
		m.emitBelt(bh)
		return true

	case bh != nil && bh.ReferenceNs < rh.ReferenceNs-tol:
		// Belt sample too old to belong to the radar head's bucket. Any
		// future sample on either source is newer, so it is safe now.
		m.emitBelt(bh)
		return true

	default:
		// Radar head is next. It is ripe when the belt side can no longer
		// produce a sample inside [rh-tol, rh+tol]: either a belt sample
		// beyond the bucket is already buffered, or the window has aged
		// past the lookahead.
		ripe := drain || now >= rh.ReferenceNs+ahead
		if !ripe {
			if last := m.tail(belt); last != nil && last.ReferenceNs > rh.ReferenceNs+tol {
				ripe = true
			}
		}
		if !ripe {
			return false
		}
		m.emitRadar(rh, tol)
		return true
	}
}

// emitBelt sends a one-sided belt record carrying the head sample.
func (m *MergeController) emitBelt(s *models.TimedSample) {
	m.look[models.SourceBelt] = m.look[models.SourceBelt][1:]
	rec := &models.AlignedRecord{
		ReferenceNs: s.ReferenceNs,
		Belt:        []*models.TimedSample{s},
	}
	if s.Reconnected {
		rec.Flags |= models.BeltReconnect
	}
	m.finish(rec, models.SourceBelt)
}

// emitRadar sends the radar head plus every buffered belt sample inside
// its alignment bucket.
func (m *MergeController) emitRadar(r *models.TimedSample, tol int64) {
	m.look[models.SourceRadar] = m.look[models.SourceRadar][1:]
	rec := &models.AlignedRecord{ReferenceNs: r.ReferenceNs, Radar: r}
	if r.Reconnected {
		rec.Flags |= models.RadarReconnect
	}

	bl := m.look[models.SourceBelt]
	n := 0
	for n < len(bl) && bl[n].ReferenceNs <= r.ReferenceNs+tol {
		s := bl[n]
		rec.Belt = append(rec.Belt, s)
		if s.Reconnected {
			rec.Flags |= models.BeltReconnect
		}
		n++
	}
	m.look[models.SourceBelt] = bl[n:]

	if len(rec.Belt) > 0 {
		m.finish(rec, models.SourceRadar, models.SourceBelt)
	} else {
		m.finish(rec, models.SourceRadar)
	}
}

// finish folds in pending drop flags and device-down flags, enforces the
// monotonic output guard and hands the record to the sink channel.
func (m *MergeController) finish(rec *models.AlignedRecord, srcs ...models.SourceID) {
	for _, s := range srcs {
		rec.Flags |= m.pending[s]
		m.pending[s] = 0
	}
	rec.Flags |= m.downFlags()

	if rec.ReferenceNs < m.lastEmit {
		// Ties and cross-source overlap inside the tolerance window may
		// interleave by a few ms; clamp so the output contract holds.
		rec.ReferenceNs = m.lastEmit
	}
	m.lastEmit = rec.ReferenceNs
	rec.FlagNames = rec.Flags.String()
	m.send(rec)
}

// heartbeat emits a synthetic tick flagged with the silent source's gap
// flag when a source has produced nothing for a full heartbeat interval,
// repeating once per interval until data resumes.
func (m *MergeController) heartbeat() {
	hb := m.cfg.Heartbeat().Nanoseconds()
	now := m.now()
	for src := range m.queues {
		if len(m.look[src]) > 0 {
			continue
		}
		if now-m.lastSeen[src] < hb || now-m.lastTick[src] < hb {
			continue
		}
		m.lastTick[src] = now

		ref := now
		if ref < m.lastEmit {
			ref = m.lastEmit
		}
		rec := &models.AlignedRecord{
			ReferenceNs: ref,
			Tick:        true,
			Flags:       models.GapFor(models.SourceID(src)) | m.downFlags(),
		}
		rec.FlagNames = rec.Flags.String()
		m.lastEmit = ref
		m.ticks.Add(1)
		m.send(rec)
	}
}

func (m *MergeController) downFlags() models.GapFlag {
	var f models.GapFlag
	if m.down[models.SourceRadar].Load() {
		f |= models.RadarGap
	}
	if m.down[models.SourceBelt].Load() {
		f |= models.BeltGap
	}
	return f
}

// send delivers to the output channel, honouring the drain deadline so a
// stuck sink cannot hold shutdown hostage.
func (m *MergeController) send(rec *models.AlignedRecord) {
	if m.deadline.IsZero() {
		m.Out <- rec
		m.emitted.Add(1)
		return
	}
	remaining := time.Until(m.deadline)
	if remaining <= 0 {
		m.shortfall.Add(1)
		return
	}
	select {
	case m.Out <- rec:
		m.emitted.Add(1)
	case <-time.After(remaining):
		m.shortfall.Add(1)
	}
}

// drain flushes everything buffered or still enqueued, re-filling until
// both queues stay empty or the flush deadline passes. Anything left is
// counted and reported, never hidden.
func (m *MergeController) drain() {
	m.deadline = time.Now().Add(m.cfg.FlushTimeout())
	for {
		m.fill()
		m.noteDrops()
		for m.emitReady(true) {
			if time.Now().After(m.deadline) {
				break
			}
		}
		if time.Now().After(m.deadline) ||
			m.queues[0].Len()+m.queues[1].Len() == 0 {
			break
		}
	}
	if left := len(m.look[0]) + len(m.look[1]) + m.queues[0].Len() + m.queues[1].Len(); left > 0 {
		m.shortfall.Add(uint64(left))
	}
	if lost := m.shortfall.Load(); lost > 0 {
		utils.L().Error("flush deadline passed: %d sample(s) undelivered", lost)
	}
}

func (m *MergeController) head(src int) *models.TimedSample {
	if len(m.look[src]) == 0 {
		return nil
	}
	return m.look[src][0]
}

func (m *MergeController) tail(src int) *models.TimedSample {
	if n := len(m.look[src]); n > 0 {
		return m.look[src][n-1]
	}
	return nil
}
