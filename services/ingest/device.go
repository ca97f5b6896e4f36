// Package ingest owns the per-source acquisition loops: device collaborator
// interfaces, simulated devices, and the shared reader state machine that
// timestamps samples and pushes them into the bounded queues.
package ingest

import (
	"context"
	"errors"
	"time"

	"vital-recorder/models"
)

// Device is the pull-with-timeout shape every vendor SDK is adapted into at
// the boundary, keeping merge logic away from vendor event models.
type Device interface {
	// Connect performs the vendor connect/handshake. A failure that the
	// caller may retry returns ErrDeviceUnavailable (possibly wrapped).
	Connect(ctx context.Context) error

	// Read blocks up to timeout for the next measurement. It returns
	// ErrReadTimeout when no data arrived in time, or a device error when
	// the link broke. The returned sample carries Source, DeviceTick and
	// payload; ArrivalNs is stamped by the reader.
	Read(timeout time.Duration) (*models.RawSample, error)

	// Disconnect releases the device handle. Idempotent.
	Disconnect() error

	// Source identifies which pipeline slot this device fills.
	Source() models.SourceID
}

// Error taxonomy shared by both readers. All are per-source conditions:
// they degrade the session, never terminate the other source's pipeline.
var (
	// ErrDeviceUnavailable: connect/handshake failed; retried with backoff.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrReadTimeout: no data within one read timeout; not an error per se,
	// repeated occurrences escalate to a stall.
	ErrReadTimeout = errors.New("read timeout")
	// ErrDeviceStall: no data for the whole stall window; forces reconnect.
	ErrDeviceStall = errors.New("device stalled")
)
