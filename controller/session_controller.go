package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vital-recorder/models"
	"vital-recorder/services/ingest"
	"vital-recorder/services/queue"
	"vital-recorder/services/timesync"
	"vital-recorder/utils"
)

// SessionState is the process-wide lifecycle state.
type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionRunning
	SessionDraining
	SessionStopped
)

var sessionStateNames = [...]string{"idle", "running", "draining", "stopped"}

func (s SessionState) String() string {
	if int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return "unknown"
}

// ErrSessionStartup is reported when neither device becomes usable at
// session start; it is the only fatal acquisition condition.
var ErrSessionStartup = errors.New("no source available at session start")

// StatusListener receives session/source transitions for operator
// visibility (log file, websocket hub). Must not block.
type StatusListener interface {
	SessionChanged(s SessionState)
	SourceChanged(ev ingest.StatusEvent)
}

// SessionController owns startup/shutdown ordering and the lifetime of the
// two source readers plus the merger. All per-source faults are isolated:
// one device disappearing degrades the output (gap flags) but never stops
// the surviving source or the merger.
type SessionController struct {
	cfg   *utils.RecorderConfig
	clock *utils.ReferenceClock

	radarDev ingest.Device
	beltDev  ingest.Device

	radarQ *queue.Bounded[*models.TimedSample]
	beltQ  *queue.Bounded[*models.TimedSample]

	radarReader *ingest.SourceReader
	beltReader  *ingest.SourceReader
	merger      *MergeController

	statusCh  chan ingest.StatusEvent
	listeners []StatusListener

	state        atomic.Int32
	readerCancel context.CancelFunc
	mergerCancel context.CancelFunc
	wg           sync.WaitGroup
	errCh        chan error

	everStreamed [2]atomic.Bool
	sourceDown   [2]atomic.Bool
	stopOnce     sync.Once
}

// NewSessionController assembles the acquisition pipeline around the two
// device collaborators. Nothing runs until Start.
func NewSessionController(cfg *utils.RecorderConfig, radarDev, beltDev ingest.Device) *SessionController {
	clock := utils.NewReferenceClock()
	radarQ := queue.NewBounded[*models.TimedSample](cfg.Pipeline.QueueCapacity)
	beltQ := queue.NewBounded[*models.TimedSample](cfg.Pipeline.QueueCapacity)

	sc := &SessionController{
		cfg:      cfg,
		clock:    clock,
		radarDev: radarDev,
		beltDev:  beltDev,
		radarQ:   radarQ,
		beltQ:    beltQ,
		statusCh: make(chan ingest.StatusEvent, 64),
		errCh:    make(chan error, 1),
	}

	p := cfg.Pipeline
	sc.radarReader = ingest.NewSourceReader(ingest.ReaderConfig{
		Source:          models.SourceRadar,
		SampleInterval:  cfg.Radar.FrameInterval(),
		StallTimeout:    p.StallTimeout(),
		BackoffCap:      p.BackoffCap(),
		ConnectAttempts: p.ConnectAttempts,
	}, radarDev, sc.newMapper(cfg.Radar.FrameInterval()), radarQ, clock.Now, sc.statusCh)

	sc.beltReader = ingest.NewSourceReader(ingest.ReaderConfig{
		Source:          models.SourceBelt,
		SampleInterval:  cfg.Belt.SampleInterval(),
		StallTimeout:    p.StallTimeout(),
		BackoffCap:      p.BackoffCap(),
		ConnectAttempts: p.ConnectAttempts,
	}, beltDev, sc.newMapper(cfg.Belt.SampleInterval()), beltQ, clock.Now, sc.statusCh)

	sc.merger = NewMergeController(p, radarQ, beltQ, clock.Now)
	return sc
}

func (sc *SessionController) newMapper(interval time.Duration) *timesync.Mapper {
	return timesync.New(timesync.Config{
		NominalInterval: interval,
		SmoothingWeight: sc.cfg.Pipeline.ClockSmoothingWeight,
		JumpTolerance:   sc.cfg.Pipeline.ClockJumpTolerance,
	})
}

// AddListener registers a status listener. Call before Start.
func (sc *SessionController) AddListener(l StatusListener) {
	sc.listeners = append(sc.listeners, l)
}

// Records exposes the merged output stream (closed after draining).
func (sc *SessionController) Records() <-chan *models.AlignedRecord {
	return sc.merger.Out
}

// Clock exposes the session reference clock (sinks label output with it).
func (sc *SessionController) Clock() *utils.ReferenceClock { return sc.clock }

// Err delivers at most one fatal startup error.
func (sc *SessionController) Err() <-chan error { return sc.errCh }

// Status returns the lifecycle state.
func (sc *SessionController) Status() SessionState {
	return SessionState(sc.state.Load())
}

// Start transitions Idle -> Running: spawns both source readers, the
// merger and the status event loop. Cancelling ctx stops acquisition, but
// Stop must still be called so the merger drains and resources release.
func (sc *SessionController) Start(ctx context.Context) error {
	if !sc.state.CompareAndSwap(int32(SessionIdle), int32(SessionRunning)) {
		return fmt.Errorf("session start: not idle (state=%s)", sc.Status())
	}
	sc.notifySession(SessionRunning)

	readerCtx, readerCancel := context.WithCancel(ctx)
	sc.readerCancel = readerCancel

	// The merger lives on its own context so it outlives reader
	// cancellation: its drain must see every sample the readers push
	// while winding down.
	mergerCtx, mergerCancel := context.WithCancel(context.Background())
	sc.mergerCancel = mergerCancel

	sc.wg.Add(1)
	go sc.eventLoop(readerCtx)

	sc.radarReader.Start(readerCtx)
	sc.beltReader.Start(readerCtx)
	sc.merger.Start(mergerCtx)

	utils.L().Info("session running (queue=%d, flush_timeout=%v)",
		sc.cfg.Pipeline.QueueCapacity, sc.cfg.Pipeline.FlushTimeout())
	return nil
}

// Stop transitions Running -> Draining -> Stopped: cancels both readers,
// lets the merger flush already-enqueued samples within the flush timeout,
// then releases everything. Safe to call more than once.
func (sc *SessionController) Stop() {
	sc.stopOnce.Do(func() {
		if !sc.state.CompareAndSwap(int32(SessionRunning), int32(SessionDraining)) {
			sc.state.Store(int32(SessionStopped))
			return
		}
		sc.notifySession(SessionDraining)
		utils.L().Info("session draining")

		// Readers first: they exit within one read-timeout and may push
		// in-flight samples on the way out. Only once both are done does
		// the merger drain, so nothing pushed during wind-down can slip
		// past the flush.
		sc.readerCancel()
		<-sc.radarReader.Done()
		<-sc.beltReader.Done()

		sc.mergerCancel()
		<-sc.merger.Done()
		sc.wg.Wait()

		sc.state.Store(int32(SessionStopped))
		sc.notifySession(SessionStopped)
		utils.L().Info("session stopped")
	})
}

// eventLoop consumes reader status events, marks sources up/down for the
// merger and detects the both-sources-dead startup failure.
func (sc *SessionController) eventLoop(ctx context.Context) {
	defer sc.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sc.statusCh:
			sc.handleEvent(ev)
		}
	}
}

func (sc *SessionController) handleEvent(ev ingest.StatusEvent) {
	src := int(ev.Source)

	switch {
	case errors.Is(ev.Err, ingest.ErrDeviceUnavailable):
		sc.sourceDown[src].Store(true)
		sc.merger.SetDown(ev.Source, true)
		utils.L().Error("%s unavailable; session continues degraded", ev.Source)

		// Neither source ever streamed and both are down: fatal startup.
		if !sc.everStreamed[0].Load() && !sc.everStreamed[1].Load() &&
			sc.sourceDown[0].Load() && sc.sourceDown[1].Load() {
			select {
			case sc.errCh <- ErrSessionStartup:
			default:
			}
		}

	case ev.State == ingest.StateStreaming:
		sc.everStreamed[src].Store(true)
		if sc.sourceDown[src].Swap(false) {
			sc.merger.SetDown(ev.Source, false)
			utils.L().Info("%s recovered", ev.Source)
		}

	case errors.Is(ev.Err, ingest.ErrDeviceStall):
		utils.L().Warn("%s stalled; reconnect in progress", ev.Source)
	}

	for _, l := range sc.listeners {
		l.SourceChanged(ev)
	}
}

func (sc *SessionController) notifySession(s SessionState) {
	for _, l := range sc.listeners {
		l.SessionChanged(s)
	}
}

// ReaderStats returns per-source produced/timeout/reconnect counters plus
// queue drop counts, for the stats ticker and the status hub.
func (sc *SessionController) ReaderStats() map[string]map[string]uint64 {
	rp, rt, rr := sc.radarReader.Stats()
	bp, bt, br := sc.beltReader.Stats()
	return map[string]map[string]uint64{
		"radar": {"produced": rp, "timeouts": rt, "reconnects": rr, "dropped": sc.radarQ.Dropped()},
		"belt":  {"produced": bp, "timeouts": bt, "reconnects": br, "dropped": sc.beltQ.Dropped()},
	}
}

// MergerStats returns emitted/tick/flush-shortfall counts.
func (sc *SessionController) MergerStats() (emitted, ticks, lost uint64) {
	return sc.merger.Stats()
}
