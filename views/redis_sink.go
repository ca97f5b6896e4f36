package views

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"vital-recorder/models"
	"vital-recorder/utils"
)

// RedisSink keeps the latest aligned record under one key with a short TTL,
// so dashboards can poll the current vitals snapshot without subscribing to
// the stream. Tick records are skipped; the key always holds real data and
// its expiry doubles as a liveness signal.
type RedisSink struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisSink connects and pings the server once so a bad address fails at
// session start, not mid-recording.
func NewRedisSink(cfg utils.RedisSinkConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	utils.L().Info("redis sink ready  addr=%s key=%s ttl=%ds", cfg.Addr, cfg.Key, cfg.TTLs)
	return &RedisSink{
		client: client,
		key:    cfg.Key,
		ttl:    time.Duration(cfg.TTLs) * time.Second,
	}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(rec *models.AlignedRecord) error {
	if rec.Tick {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.client.Set(ctx, s.key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
