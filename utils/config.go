package utils

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ─── Session / device configs ───────────────────────────────────────────

// SessionConfig controls where a recording lands and how long it runs.
// start_after_s delays acquisition start so an external runner can line up
// several recorders on the same wall-clock instant.
type SessionConfig struct {
	OutDir         string  `yaml:"out_dir"`
	Prefix         string  `yaml:"prefix"`
	StartAfterS    float64 `yaml:"start_after_s"`
	MaxDurationS   int     `yaml:"max_duration_s"`
	LogLevel       string  `yaml:"log_level"`
	LogFile        string  `yaml:"log_file"`
	OverwriteOut   bool    `yaml:"overwrite_out"`
}

type RadarConfig struct {
	Host        string  `yaml:"host"`
	Port        int     `yaml:"port"`
	FrameRateHz float64 `yaml:"frame_rate_hz"`
	RangeStartM float64 `yaml:"range_start_m"`
	RangeEndM   float64 `yaml:"range_end_m"`
	Bins        int     `yaml:"bins"`
	Simulate    bool    `yaml:"simulate"`
}

type BeltConfig struct {
	SerialPort   string  `yaml:"serial_port"`
	SampleRateHz float64 `yaml:"sample_rate_hz"`
	Simulate     bool    `yaml:"simulate"`
}

// ─── Pipeline config (queueing, alignment and timing knobs) ─────────────

type PipelineConfig struct {
	QueueCapacity        int     `yaml:"queue_capacity"`
	AlignmentToleranceMs float64 `yaml:"alignment_tolerance_ms"`
	LookaheadMs          int     `yaml:"lookahead_ms"`
	HeartbeatMs          int     `yaml:"heartbeat_ms"`
	StallTimeoutS        float64 `yaml:"stall_timeout_s"`
	ReconnectBackoffCapS int     `yaml:"reconnect_backoff_cap_s"`
	ConnectAttempts      int     `yaml:"connect_attempts"`
	FlushTimeoutS        float64 `yaml:"flush_timeout_s"`
	ClockSmoothingWeight float64 `yaml:"clock_smoothing_weight"`
	ClockJumpTolerance   float64 `yaml:"clock_jump_tolerance"`
}

// ─── Sink configs ───────────────────────────────────────────────────────

type CSVSinkConfig struct {
	Enabled         bool `yaml:"enabled"`
	FlushIntervalMs int  `yaml:"flush_interval_ms"`
	BufferSizeKB    int  `yaml:"buffer_size_kb"`
	WriteHeader     bool `yaml:"write_header"`
	PerSource       bool `yaml:"per_source"`
}

type NATSSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type RedisSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Key     string `yaml:"key"`
	TTLs    int    `yaml:"ttl_s"`
}

type SQLiteSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type SinksConfig struct {
	CSV    CSVSinkConfig    `yaml:"csv"`
	NATS   NATSSinkConfig   `yaml:"nats"`
	Redis  RedisSinkConfig  `yaml:"redis"`
	SQLite SQLiteSinkConfig `yaml:"sqlite"`
	Status StatusConfig     `yaml:"status"`
}

// RecorderConfig is the top-level structure for recorder.yaml.
type RecorderConfig struct {
	Session  SessionConfig  `yaml:"session"`
	Radar    RadarConfig    `yaml:"radar"`
	Belt     BeltConfig     `yaml:"belt"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Sinks    SinksConfig    `yaml:"sinks"`
}

// LoadRecorderConfig reads and parses recorder.yaml, then fills every
// unset knob with its engineering default so zero values never propagate
// into the pipeline.
func LoadRecorderConfig(path string) (*RecorderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recorder config: %w", err)
	}
	var cfg RecorderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse recorder config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// DefaultRecorderConfig returns a fully-defaulted config, used when no
// config file is given and by tests.
func DefaultRecorderConfig() *RecorderConfig {
	cfg := &RecorderConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued knobs in place.
func (cfg *RecorderConfig) ApplyDefaults() {
	s := &cfg.Session
	if s.OutDir == "" {
		s.OutDir = "data/raw"
	}
	if s.Prefix == "" {
		s.Prefix = "session"
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}

	r := &cfg.Radar
	if r.Port == 0 {
		r.Port = 6110
	}
	if r.FrameRateHz <= 0 {
		r.FrameRateHz = 12.0 // A111 IQ breathing setup default
	}
	if r.RangeStartM <= 0 {
		r.RangeStartM = 0.40
	}
	if r.RangeEndM <= 0 {
		r.RangeEndM = 0.60
	}
	if r.Bins <= 0 {
		r.Bins = 124
	}

	b := &cfg.Belt
	if b.SampleRateHz <= 0 {
		b.SampleRateHz = 50.0
	}

	p := &cfg.Pipeline
	if p.QueueCapacity <= 0 {
		p.QueueCapacity = 64
	}
	if p.AlignmentToleranceMs <= 0 {
		// one radar frame period
		p.AlignmentToleranceMs = 1000.0 / cfg.Radar.FrameRateHz
	}
	if p.LookaheadMs <= 0 {
		p.LookaheadMs = 200
	}
	if p.HeartbeatMs <= 0 {
		p.HeartbeatMs = 1000
	}
	if p.StallTimeoutS <= 0 {
		p.StallTimeoutS = 2.0
	}
	if p.ReconnectBackoffCapS <= 0 {
		p.ReconnectBackoffCapS = 5
	}
	if p.ConnectAttempts <= 0 {
		p.ConnectAttempts = 5
	}
	if p.FlushTimeoutS <= 0 {
		p.FlushTimeoutS = 2.0
	}
	if p.ClockSmoothingWeight <= 0 {
		p.ClockSmoothingWeight = 0.1
	}
	if p.ClockJumpTolerance <= 0 {
		p.ClockJumpTolerance = 10.0
	}

	k := &cfg.Sinks
	if k.CSV.FlushIntervalMs <= 0 {
		k.CSV.FlushIntervalMs = 100
	}
	if k.CSV.BufferSizeKB <= 0 {
		k.CSV.BufferSizeKB = 256
	}
	if k.NATS.Subject == "" {
		k.NATS.Subject = "vitals.aligned"
	}
	if k.Redis.Key == "" {
		k.Redis.Key = "vitals:latest"
	}
	if k.Redis.TTLs <= 0 {
		k.Redis.TTLs = 30
	}
	if k.Status.Addr == "" {
		k.Status.Addr = ":8080"
	}
}

// ─── Derived durations (single conversion point) ────────────────────────

func (p PipelineConfig) AlignmentTolerance() time.Duration {
	return time.Duration(p.AlignmentToleranceMs * float64(time.Millisecond))
}

func (p PipelineConfig) Lookahead() time.Duration {
	return time.Duration(p.LookaheadMs) * time.Millisecond
}

func (p PipelineConfig) Heartbeat() time.Duration {
	return time.Duration(p.HeartbeatMs) * time.Millisecond
}

func (p PipelineConfig) StallTimeout() time.Duration {
	return time.Duration(p.StallTimeoutS * float64(time.Second))
}

func (p PipelineConfig) BackoffCap() time.Duration {
	return time.Duration(p.ReconnectBackoffCapS) * time.Second
}

func (p PipelineConfig) FlushTimeout() time.Duration {
	return time.Duration(p.FlushTimeoutS * float64(time.Second))
}

// FrameInterval returns the expected time between radar frames.
func (r RadarConfig) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / r.FrameRateHz)
}

// SampleInterval returns the expected time between belt samples.
func (b BeltConfig) SampleInterval() time.Duration {
	return time.Duration(float64(time.Second) / b.SampleRateHz)
}
