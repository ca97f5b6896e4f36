package ingest

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"
	"sync"
	"time"

	"vital-recorder/models"
	"vital-recorder/utils"
)

// SimRadarDevice simulates an FMCW radar service: complex I/Q sweeps at a
// fixed frame rate, with a breathing target whose chest motion phase-
// modulates the bins inside the configured range interval. Supports
// injected connect failures and mid-session stalls so reconnect handling
// can be exercised without hardware.
type SimRadarDevice struct {
	cfg utils.RadarConfig

	// fault injection
	ConnectFailures int           // fail this many connects first
	StallAfter      time.Duration // streaming time before an injected stall
	StallFor        time.Duration // stall length; device restarts after

	mu         sync.Mutex
	connected  bool
	frameIndex uint64
	nextFrame  time.Time
	started    time.Time
	stalledAt  time.Time
	failsLeft  int
	phase      float64
}

// NewSimRadarDevice builds a simulated radar from its config.
func NewSimRadarDevice(cfg utils.RadarConfig) *SimRadarDevice {
	return &SimRadarDevice{cfg: cfg}
}

func (d *SimRadarDevice) Source() models.SourceID { return models.SourceRadar }

func (d *SimRadarDevice) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failsLeft == 0 && d.ConnectFailures > 0 && d.started.IsZero() {
		d.failsLeft = d.ConnectFailures
		d.ConnectFailures = 0
	}
	if d.failsLeft > 0 {
		d.failsLeft--
		return fmt.Errorf("%w: radar %s:%d handshake refused",
			ErrDeviceUnavailable, d.cfg.Host, d.cfg.Port)
	}

	d.connected = true
	d.started = time.Now()
	d.nextFrame = d.started.Add(d.cfg.FrameInterval())
	d.frameIndex = 0 // device counter restarts on every session
	return nil
}

func (d *SimRadarDevice) Disconnect() error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

func (d *SimRadarDevice) Read(timeout time.Duration) (*models.RawSample, error) {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil, fmt.Errorf("radar: %w", ErrDeviceUnavailable)
	}

	// Injected stall window: the device goes silent, then restarts its
	// frame counter as real sensors do after a power cycle. The window is
	// anchored to when it began, so reconnect attempts do not re-arm it.
	if d.StallAfter > 0 && d.stalledAt.IsZero() && time.Since(d.started) >= d.StallAfter {
		d.stalledAt = time.Now()
	}
	if !d.stalledAt.IsZero() {
		if time.Since(d.stalledAt) < d.StallFor {
			d.mu.Unlock()
			time.Sleep(timeout)
			return nil, ErrReadTimeout
		}
		d.StallAfter = 0
		d.stalledAt = time.Time{}
		d.frameIndex = 0
		d.started = time.Now()
		d.nextFrame = d.started
	}

	due := d.nextFrame
	d.mu.Unlock()

	wait := time.Until(due)
	if wait > timeout {
		time.Sleep(timeout)
		return nil, ErrReadTimeout
	}
	if wait > 0 {
		time.Sleep(wait)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextFrame = d.nextFrame.Add(d.cfg.FrameInterval())
	idx := d.frameIndex
	d.frameIndex++
	d.phase += 2 * math.Pi * 0.25 / d.cfg.FrameRateHz // ~15 breaths/min

	return &models.RawSample{
		Source:     models.SourceRadar,
		DeviceTick: float64(idx),
		Radar:      &models.RadarFrame{FrameIndex: idx, IQ: d.sweep()},
	}, nil
}

// sweep synthesises one I/Q frame: static clutter everywhere, a breathing
// peak mid-interval whose phase follows the chest displacement.
func (d *SimRadarDevice) sweep() []complex128 {
	iq := make([]complex128, d.cfg.Bins)
	peak := d.cfg.Bins / 2
	for i := range iq {
		amp := 0.05 + 0.02*rand.Float64()
		ph := rand.Float64() * 2 * math.Pi
		if dist := math.Abs(float64(i - peak)); dist < 6 {
			amp += (1.0 - dist/6) * 0.8
			ph = 0.4 * math.Sin(d.phase)
		}
		iq[i] = cmplx.Rect(amp, ph)
	}
	return iq
}
