package views

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"vital-recorder/models"
	"vital-recorder/utils"
)

// NATSSink publishes every aligned record as JSON on one subject, for live
// consumers (plotting, rate estimation) running elsewhere. Publishing is
// fire-and-forget; the client's own reconnect loop rides out broker
// restarts without involving the recording path.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to the broker with unlimited reconnects.
func NewNATSSink(cfg utils.NATSSinkConfig) (*NATSSink, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("vital-recorder"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			utils.L().Warn("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			utils.L().Info("nats reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	utils.L().Info("nats sink ready  url=%s subject=%s", cfg.URL, cfg.Subject)
	return &NATSSink{conn: conn, subject: cfg.Subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Write publishes the record; marshal errors are returned, publish errors
// too (the client buffers while reconnecting, so these are rare).
func (s *NATSSink) Write(rec *models.AlignedRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("nats marshal: %w", err)
	}
	if err := s.conn.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Close flushes pending publishes and drops the connection.
func (s *NATSSink) Close() error {
	if err := s.conn.FlushTimeout(2 * time.Second); err != nil {
		utils.L().Warn("nats flush on close: %v", err)
	}
	s.conn.Close()
	return nil
}
