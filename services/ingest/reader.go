package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"vital-recorder/models"
	"vital-recorder/services/queue"
	"vital-recorder/services/timesync"
	"vital-recorder/utils"
)

// ReaderState is the source reader's acquisition state.
type ReaderState int32

const (
	StateDisconnected ReaderState = iota
	StateConnecting
	StateStreaming
	StateStalled
)

var readerStateNames = [...]string{"disconnected", "connecting", "streaming", "stalled"}

func (s ReaderState) String() string {
	if int(s) < len(readerStateNames) {
		return readerStateNames[s]
	}
	return "unknown"
}

// StatusEvent reports a reader state transition or fault upward to the
// session controller. Err is set for DeviceUnavailable/stall conditions.
type StatusEvent struct {
	Source models.SourceID
	State  ReaderState
	Err    error
	AtNs   int64
}

// ReaderConfig sets one reader's timing and retry policy.
type ReaderConfig struct {
	Source models.SourceID
	// SampleInterval is the expected inter-sample interval; the read
	// timeout is 3x this, per the stall-detection contract.
	SampleInterval time.Duration
	// StallTimeout is how long Stalled may persist before a forced
	// reconnect (default 2s).
	StallTimeout time.Duration
	// BackoffBase is the first retry delay; doubled per attempt up to
	// BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// ConnectAttempts before DeviceUnavailable is surfaced upward; the
	// reader then keeps retrying at the cap so the source can still
	// recover mid-session.
	ConnectAttempts int
}

func (c *ReaderConfig) applyDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 50 * time.Millisecond
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 2 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
}

// SourceReader owns one acquisition loop: it pulls raw measurements from
// its device, stamps them against the reference clock, projects them
// through its clock mapper and pushes the result into its bounded queue.
// The loop never blocks on the queue; a full queue drops the oldest entry.
type SourceReader struct {
	cfg    ReaderConfig
	dev    Device
	mapper *timesync.Mapper
	out    *queue.Bounded[*models.TimedSample]
	now    utils.NowFunc
	status chan<- StatusEvent

	state      atomic.Int32
	produced   atomic.Uint64
	timeouts   atomic.Uint64
	reconnects atomic.Uint64
	done       chan struct{}
}

// NewSourceReader wires a reader to its device, mapper, queue and status
// channel. status may be nil when no one is listening (tests).
func NewSourceReader(cfg ReaderConfig, dev Device, mapper *timesync.Mapper,
	out *queue.Bounded[*models.TimedSample], now utils.NowFunc,
	status chan<- StatusEvent) *SourceReader {

	cfg.applyDefaults()
	return &SourceReader{
		cfg:    cfg,
		dev:    dev,
		mapper: mapper,
		out:    out,
		now:    now,
		status: status,
		done:   make(chan struct{}),
	}
}

// Start launches the acquisition goroutine.
func (r *SourceReader) Start(ctx context.Context) {
	go r.run(ctx)
	utils.L().Info("%s reader started (interval=%v, queue=%d)",
		r.cfg.Source, r.cfg.SampleInterval, r.out.Cap())
}

// Done is closed once the reader has exited and released the device.
func (r *SourceReader) Done() <-chan struct{} { return r.done }

// State returns the current acquisition state.
func (r *SourceReader) State() ReaderState { return ReaderState(r.state.Load()) }

// Stats returns produced sample, read-timeout and reconnect counts.
func (r *SourceReader) Stats() (produced, timeouts, reconnects uint64) {
	return r.produced.Load(), r.timeouts.Load(), r.reconnects.Load()
}

func (r *SourceReader) run(ctx context.Context) {
	defer close(r.done)
	defer func() {
		_ = r.dev.Disconnect()
		r.setState(StateDisconnected, nil)
		utils.L().Info("%s reader stopped (produced=%d, timeouts=%d, reconnects=%d)",
			r.cfg.Source, r.produced.Load(), r.timeouts.Load(), r.reconnects.Load())
	}()

	for ctx.Err() == nil {
		if !r.connect(ctx) {
			return // only on cancellation
		}
		r.stream(ctx)
		// stream returned: stall-timeout or device error; cycle the link.
		_ = r.dev.Disconnect()
		if ctx.Err() == nil {
			r.reconnects.Add(1)
		}
	}
}

// connect retries the device handshake with bounded exponential backoff.
// After ConnectAttempts failures it surfaces DeviceUnavailable once, then
// keeps retrying at the cap. Returns false only when ctx is cancelled.
func (r *SourceReader) connect(ctx context.Context) bool {
	r.setState(StateConnecting, nil)

	delay := r.cfg.BackoffBase
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		err := r.dev.Connect(ctx)
		if err == nil {
			r.setState(StateStreaming, nil)
			return true
		}

		if attempt == r.cfg.ConnectAttempts {
			utils.L().Error("%s: connect failed %d times, reporting unavailable: %v",
				r.cfg.Source, attempt, err)
			r.emit(StatusEvent{Source: r.cfg.Source, State: StateDisconnected,
				Err: ErrDeviceUnavailable, AtNs: r.now()})
		} else if attempt < r.cfg.ConnectAttempts {
			utils.L().Warn("%s: connect attempt %d failed: %v (retry in %v)",
				r.cfg.Source, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if delay *= 2; delay > r.cfg.BackoffCap {
			delay = r.cfg.BackoffCap
		}
	}
}

// stream pulls measurements until cancellation, a stall timeout or a device
// error. Exit is bounded by one read-timeout interval after cancellation.
func (r *SourceReader) stream(ctx context.Context) {
	readTimeout := 3 * r.cfg.SampleInterval
	var stalledSince time.Time

	for {
		if ctx.Err() != nil {
			return
		}

		raw, err := r.dev.Read(readTimeout)
		switch {
		case errors.Is(err, ErrReadTimeout):
			r.timeouts.Add(1)
			if stalledSince.IsZero() {
				stalledSince = time.Now()
				r.setState(StateStalled, nil)
			} else if time.Since(stalledSince) >= r.cfg.StallTimeout {
				utils.L().Warn("%s: stalled for %v, forcing reconnect",
					r.cfg.Source, r.cfg.StallTimeout)
				r.emit(StatusEvent{Source: r.cfg.Source, State: StateStalled,
					Err: ErrDeviceStall, AtNs: r.now()})
				return
			}
			continue

		case err != nil:
			utils.L().Error("%s: read failed: %v", r.cfg.Source, err)
			r.emit(StatusEvent{Source: r.cfg.Source, State: StateDisconnected,
				Err: err, AtNs: r.now()})
			return
		}

		if !stalledSince.IsZero() {
			stalledSince = time.Time{}
		}
		r.setState(StateStreaming, nil)

		raw.ArrivalNs = r.now()
		mp := r.mapper.Observe(raw.DeviceTick, raw.ArrivalNs)
		if mp.Reconnected {
			utils.L().Warn("%s: clock discontinuity, epoch %d", r.cfg.Source, mp.Epoch)
		}
		r.out.Push(&models.TimedSample{
			RawSample:   *raw,
			ReferenceNs: mp.ReferenceNs,
			Epoch:       mp.Epoch,
			Reconnected: mp.Reconnected,
		})
		r.produced.Add(1)
	}
}

// setState records the state and emits an event on every transition.
func (r *SourceReader) setState(s ReaderState, err error) {
	if ReaderState(r.state.Swap(int32(s))) == s && err == nil {
		return
	}
	r.emit(StatusEvent{Source: r.cfg.Source, State: s, Err: err, AtNs: r.now()})
}

// emit sends without blocking; a slow listener loses events, not samples.
func (r *SourceReader) emit(ev StatusEvent) {
	if r.status == nil {
		return
	}
	select {
	case r.status <- ev:
	default:
	}
}
