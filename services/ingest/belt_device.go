package ingest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"vital-recorder/models"
	"vital-recorder/utils"
)

// SimBeltDevice simulates a respiration-belt sensor: scalar force samples
// at a fixed nominal rate over a link with its own tick counter, which
// resets whenever the link drops. Supports injected connect failures and a
// mid-session outage window.
type SimBeltDevice struct {
	cfg utils.BeltConfig

	ConnectFailures int
	DropAfter       time.Duration // streaming time before an injected outage
	DropFor         time.Duration

	mu          sync.Mutex
	connected   bool
	sampleIndex uint64
	nextSample  time.Time
	started     time.Time
	droppedAt   time.Time
	failsLeft   int
}

// NewSimBeltDevice builds a simulated belt from its config.
func NewSimBeltDevice(cfg utils.BeltConfig) *SimBeltDevice {
	return &SimBeltDevice{cfg: cfg}
}

func (d *SimBeltDevice) Source() models.SourceID { return models.SourceBelt }

func (d *SimBeltDevice) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failsLeft == 0 && d.ConnectFailures > 0 && d.started.IsZero() {
		d.failsLeft = d.ConnectFailures
		d.ConnectFailures = 0
	}
	if d.failsLeft > 0 {
		d.failsLeft--
		return fmt.Errorf("%w: belt on %s not responding",
			ErrDeviceUnavailable, d.cfg.SerialPort)
	}

	d.connected = true
	d.started = time.Now()
	d.nextSample = d.started.Add(d.cfg.SampleInterval())
	d.sampleIndex = 0 // belt firmware restarts its counter per connection
	return nil
}

func (d *SimBeltDevice) Disconnect() error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

func (d *SimBeltDevice) Read(timeout time.Duration) (*models.RawSample, error) {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil, fmt.Errorf("belt: %w", ErrDeviceUnavailable)
	}

	// An injected outage outlives reconnects: the window is anchored to
	// the moment it began, like a cable that stays unplugged.
	if d.DropAfter > 0 && d.droppedAt.IsZero() && time.Since(d.started) >= d.DropAfter {
		d.droppedAt = time.Now()
	}
	if !d.droppedAt.IsZero() {
		if time.Since(d.droppedAt) < d.DropFor {
			d.mu.Unlock()
			time.Sleep(timeout)
			return nil, ErrReadTimeout
		}
		d.DropAfter = 0
		d.droppedAt = time.Time{}
		d.sampleIndex = 0
		d.started = time.Now()
		d.nextSample = d.started
	}

	due := d.nextSample
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
	d.nextSample = d.nextSample.Add(d.cfg.SampleInterval())
	idx := d.sampleIndex
	d.sampleIndex++

	// Breathing at ~15/min plus sensor noise, in newtons around a 2 N
	// strap preload.
	t := float64(idx) / d.cfg.SampleRateHz
	force := 2.0 + 0.6*math.Sin(2*math.Pi*0.25*t) + 0.03*rand.Float64()

	return &models.RawSample{
		Source:     models.SourceBelt,
		DeviceTick: float64(idx),
		Belt:       &models.BeltReading{SampleIndex: idx, Force: force},
	}, nil
}
