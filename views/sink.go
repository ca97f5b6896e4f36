package views

import (
	"sync"

	"vital-recorder/models"
	"vital-recorder/utils"
)

// Sink consumes the aligned record stream. Write is called from a single
// goroutine (the recording controller); Close is called exactly once after
// the last Write.
type Sink interface {
	Name() string
	Write(rec *models.AlignedRecord) error
	Close() error
}

// MultiSink fans one record out to every registered sink. A failing sink is
// logged and skipped for the rest of the session instead of stopping the
// recording; losing a secondary output must never lose the primary one.
type MultiSink struct {
	sinks    []Sink
	disabled []bool
	errors   uint64
}

// NewMultiSink wraps the given sinks. Nil entries are ignored.
func NewMultiSink(sinks ...Sink) *MultiSink {
	ms := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			ms.sinks = append(ms.sinks, s)
		}
	}
	ms.disabled = make([]bool, len(ms.sinks))
	return ms
}

func (ms *MultiSink) Name() string { return "multi" }

// Write delivers to every healthy sink.
func (ms *MultiSink) Write(rec *models.AlignedRecord) error {
	for i, s := range ms.sinks {
		if ms.disabled[i] {
			continue
		}
		if err := s.Write(rec); err != nil {
			ms.errors++
			ms.disabled[i] = true
			utils.L().Error("sink %s failed, disabling for this session: %v", s.Name(), err)
		}
	}
	return nil
}

// Close closes every sink, healthy or not, and returns the first error.
func (ms *MultiSink) Close() error {
	var first error
	for _, s := range ms.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Errors returns how many sink writes failed over the session.
func (ms *MultiSink) Errors() uint64 { return ms.errors }

// Collector is an in-memory sink for tests and diagnostics.
type Collector struct {
	mu      sync.Mutex
	records []*models.AlignedRecord
	closed  bool
}

func NewCollector() *Collector { return &Collector{} }

func (c *Collector) Name() string { return "collector" }

func (c *Collector) Write(rec *models.AlignedRecord) error {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
	return nil
}

func (c *Collector) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Records returns a snapshot of everything written so far.
func (c *Collector) Records() []*models.AlignedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.AlignedRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Closed reports whether Close has been called.
func (c *Collector) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
