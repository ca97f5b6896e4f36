package controller

import (
	"sync"
	"sync/atomic"

	"vital-recorder/models"
	"vital-recorder/utils"
	"vital-recorder/views"
)

// RecordingController is the final pipeline stage: it consumes the merged
// record stream and hands every record to the sink set (CSV, NATS, Redis,
// SQLite). It runs until the stream closes, which happens only after the
// merger has drained, so no flushed record is ever lost to cancellation.
type RecordingController struct {
	sink views.Sink

	rowsWritten atomic.Uint64
	ticksSeen   atomic.Uint64
	wg          sync.WaitGroup
}

// NewRecordingController wraps the given sink (usually a MultiSink).
func NewRecordingController(sink views.Sink) *RecordingController {
	return &RecordingController{sink: sink}
}

// Start begins consuming records; returns immediately.
func (rc *RecordingController) Start(records <-chan *models.AlignedRecord) {
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		for rec := range records {
			if rec.Tick {
				rc.ticksSeen.Add(1)
			}
			_ = rc.sink.Write(rec) // MultiSink isolates per-sink failures
			rc.rowsWritten.Add(1)
		}
	}()
	utils.L().Info("recording controller started (sink=%s)", rc.sink.Name())
}

// Stop waits for the record stream to close, then closes the sinks.
func (rc *RecordingController) Stop() {
	rc.wg.Wait()
	if err := rc.sink.Close(); err != nil {
		utils.L().Error("sink close: %v", err)
	}
	utils.L().Info("recording controller stopped (rows_written=%d, ticks=%d)",
		rc.rowsWritten.Load(), rc.ticksSeen.Load())
}

// RowsWritten returns the number of records persisted so far.
func (rc *RecordingController) RowsWritten() uint64 {
	return rc.rowsWritten.Load()
}
