// Package messaging publishes routing outcomes to downstream collaborators.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher sends a JSON-encoded message to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
	Close() error
}

// ---------------------------------------------------------------------------
// NATS
// ---------------------------------------------------------------------------

// Config holds NATS connection settings.
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NATS publishes over a core NATS connection.
type NATS struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu         sync.RWMutex
	reconnects int
	connected  bool
}

// NewNATS connects to the server at cfg.URL.
func NewNATS(cfg Config, logger zerolog.Logger) (*NATS, error) {
	if cfg.Name == "" {
		cfg.Name = "facility-router"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	n := &NATS{logger: logger.With().Str("component", "nats").Logger()}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			n.mu.Lock()
			n.reconnects++
			n.connected = true
			n.mu.Unlock()
			n.logger.Info().Msg("nats reconnected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.mu.Lock()
			n.connected = false
			n.mu.Unlock()
			n.logger.Warn().Err(err).Msg("nats disconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	n.conn = conn
	n.connected = true
	return n, nil
}

// Publish marshals data and publishes it. The context is checked before the
// write; core NATS publishes do not block on the server.
func (n *NATS) Publish(ctx context.Context, subject string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := n.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the connection is currently up.
func (n *NATS) Connected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connected
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

// ---------------------------------------------------------------------------
// Log publisher
// ---------------------------------------------------------------------------

// LogPublisher writes messages to the log. It is used when no NATS URL is
// configured.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher creates a publisher that logs each message.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "followup-log").Logger()}
}

// Publish logs the encoded message at info level.
func (p *LogPublisher) Publish(_ context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	p.logger.Info().Str("subject", subject).RawJSON("message", payload).Msg("follow-up published")
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }

// ---------------------------------------------------------------------------
// Recorder (test double)
// ---------------------------------------------------------------------------

// Message is one captured publish.
type Message struct {
	Subject string
	Data    []byte
}

// Recorder captures published messages in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	Err  error
}

// Publish records the message or returns Err when set.
func (r *Recorder) Publish(_ context.Context, subject string, data any) error {
	if r.Err != nil {
		return r.Err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, Message{Subject: subject, Data: payload})
	r.mu.Unlock()
	return nil
}

// Close is a no-op.
func (r *Recorder) Close() error { return nil }

// Messages returns a copy of captured messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}
