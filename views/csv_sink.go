package views

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vital-recorder/models"
	"vital-recorder/utils"
)

// CSVSink persists the session to disk:
//   - aligned.csv: one row per AlignedRecord (ticks included)
//   - radar.csv / belt.csv: one row per raw sample, when per_source is set
//
// All writers share one session directory named <prefix>_YYYYMMDD_HHMMSS
// under the configured base dir. Flushing runs on an internal ticker so the
// record path stays free of syscalls.
type CSVSink struct {
	sessionDir string

	aligned *CSVWriter
	radar   *CSVWriter
	belt    *CSVWriter

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCSVSink builds the session directory tree and opens the writers.
func NewCSVSink(sess utils.SessionConfig, cfg utils.CSVSinkConfig, start time.Time) (*CSVSink, error) {
	dir := filepath.Join(sess.OutDir, utils.SessionName(sess.Prefix, start))
	if !sess.OverwriteOut {
		if _, err := os.Stat(dir); err == nil {
			return nil, fmt.Errorf("session dir %s already exists (overwrite_out=false)", dir)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	bufSize := cfg.BufferSizeKB * 1024
	s := &CSVSink{sessionDir: dir, stop: make(chan struct{})}

	var err error
	s.aligned, err = NewCSVWriter(filepath.Join(dir, "aligned.csv"),
		bufSize, cfg.WriteHeader, models.AlignedRecord{}.CSVHeader())
	if err != nil {
		return nil, err
	}

	if cfg.PerSource {
		s.radar, err = NewCSVWriter(filepath.Join(dir, "radar.csv"),
			bufSize, cfg.WriteHeader, models.RadarCSVHeader())
		if err != nil {
			return nil, err
		}
		s.belt, err = NewCSVWriter(filepath.Join(dir, "belt.csv"),
			bufSize, cfg.WriteHeader, models.BeltCSVHeader())
		if err != nil {
			return nil, err
		}
	}

	flushEvery := time.Duration(cfg.FlushIntervalMs) * time.Millisecond
	if flushEvery <= 0 {
		flushEvery = 100 * time.Millisecond
	}
	s.wg.Add(1)
	go s.flushLoop(flushEvery)

	utils.L().Info("csv sink ready  session=%s", dir)
	return s, nil
}

func (s *CSVSink) Name() string { return "csv" }

// SessionDir returns the directory this session writes into.
func (s *CSVSink) SessionDir() string { return s.sessionDir }

// Write appends the aligned row and, when enabled, the per-source rows.
func (s *CSVSink) Write(rec *models.AlignedRecord) error {
	s.aligned.WriteRow(rec.CSVRow())

	if s.radar != nil && rec.Radar != nil {
		s.radar.WriteRow(models.RadarCSVRow(rec.Radar))
	}
	if s.belt != nil {
		for _, b := range rec.Belt {
			s.belt.WriteRow(models.BeltCSVRow(b))
		}
	}
	return nil
}

func (s *CSVSink) flushLoop(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.flushAll()
		}
	}
}

func (s *CSVSink) flushAll() {
	for _, w := range []*CSVWriter{s.aligned, s.radar, s.belt} {
		if w == nil {
			continue
		}
		if err := w.Flush(); err != nil {
			utils.L().Error("csv flush: %v", err)
		}
	}
}

// Close stops the flusher and closes every writer.
func (s *CSVSink) Close() error {
	close(s.stop)
	s.wg.Wait()

	var first error
	for _, w := range []*CSVWriter{s.aligned, s.radar, s.belt} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	utils.L().Info("csv sink closed  (aligned_rows=%d, session=%s)",
		s.aligned.Rows(), s.sessionDir)
	return first
}
