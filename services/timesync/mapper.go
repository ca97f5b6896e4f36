// Package timesync projects device-native tick counts onto the shared
// monotonic reference clock, one mapper per acquisition source.
package timesync

import (
	"time"
)

// Mapping is the result of observing one sample.
type Mapping struct {
	ReferenceNs int64
	Epoch       int
	Reconnected bool
}

// Config sets the per-source mapping parameters.
type Config struct {
	// NominalInterval is the expected reference-time distance between two
	// consecutive device ticks (1/sample-rate).
	NominalInterval time.Duration
	// SmoothingWeight is the EMA correction weight applied to offset and
	// drift on every sample. Small values damp host-scheduling jitter.
	SmoothingWeight float64
	// JumpTolerance is the forward tick jump, in multiples of the nominal
	// interval, beyond which a discontinuity is declared. Backward jumps
	// always are.
	JumpTolerance float64
}

// Mapper maps one source's device ticks to reference nanoseconds, tracking
// offset and drift with an exponential moving average. Pure computation,
// never blocks; mutated only by its owning source reader.
type Mapper struct {
	cfg    Config
	tickNs float64 // nominal reference ns per device tick

	primed      bool
	offset      float64 // reference ns at device tick zero, current epoch
	drift       float64 // tick-duration scale correction; 1.0 = nominal
	lastTick    float64
	lastArrival int64
	lastMapped  int64
	epoch       int
}

// New builds a mapper, applying defaults for unset config fields.
func New(cfg Config) *Mapper {
	if cfg.SmoothingWeight <= 0 || cfg.SmoothingWeight > 1 {
		cfg.SmoothingWeight = 0.1
	}
	if cfg.JumpTolerance <= 0 {
		cfg.JumpTolerance = 10.0
	}
	return &Mapper{
		cfg:    cfg,
		tickNs: float64(cfg.NominalInterval.Nanoseconds()),
		drift:  1.0,
	}
}

// Observe folds one (device tick, arrival) pair into the mapping and
// returns the sample's reference time. Within an epoch the returned time is
// monotonically non-decreasing; a detected discontinuity starts a new epoch
// seeded from the arrival time and flags the mapping as reconnected.
func (m *Mapper) Observe(tick float64, arrivalNs int64) Mapping {
	if !m.primed {
		m.primed = true
		m.reseed(tick, arrivalNs)
		return Mapping{ReferenceNs: arrivalNs, Epoch: m.epoch}
	}

	// dt is in device ticks; one tick nominally spans one interval, so the
	// jump tolerance compares directly.
	dt := tick - m.lastTick
	if dt == 0 {
		// Same tick read twice (a duplicated frame); not a discontinuity.
		return Mapping{ReferenceNs: m.lastMapped, Epoch: m.epoch}
	}
	if dt < 0 || dt > m.cfg.JumpTolerance {
		// Device counter went backwards or leapt ahead: reconnect.
		m.epoch++
		m.reseed(tick, arrivalNs)
		return Mapping{ReferenceNs: m.lastMapped, Epoch: m.epoch, Reconnected: true}
	}

	w := m.cfg.SmoothingWeight

	// Pairwise slope between the two most recent points corrects drift.
	instDrift := float64(arrivalNs-m.lastArrival) / (dt * m.tickNs)
	m.drift += w * (instDrift - m.drift)

	// Residual between arrival and projection corrects offset.
	rawOffset := float64(arrivalNs) - tick*m.tickNs*m.drift
	m.offset += w * (rawOffset - m.offset)

	mapped := int64(m.offset + tick*m.tickNs*m.drift)
	if mapped < m.lastMapped {
		mapped = m.lastMapped // monotonic within an epoch
	}

	m.lastTick = tick
	m.lastArrival = arrivalNs
	m.lastMapped = mapped
	return Mapping{ReferenceNs: mapped, Epoch: m.epoch}
}

// reseed restarts the estimate from the most recent point: arrival becomes
// truth, drift returns to nominal.
func (m *Mapper) reseed(tick float64, arrivalNs int64) {
	m.drift = 1.0
	m.offset = float64(arrivalNs) - tick*m.tickNs
	m.lastTick = tick
	m.lastArrival = arrivalNs
	if arrivalNs > m.lastMapped {
		m.lastMapped = arrivalNs
	}
}

// Drift returns the current tick-duration scale estimate.
func (m *Mapper) Drift() float64 { return m.drift }

// Epoch returns the current discontinuity epoch.
func (m *Mapper) Epoch() int { return m.epoch }
