// Package events delivers ledger domain events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/warp/ledger-engine/ledger"
)

// Config holds NATS configuration
type Config struct {
	URL            string
	Name           string
	SubjectPrefix  string // subjects are <prefix>.<event type>
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// DefaultConfig returns a config for url with reconnect defaults.
func DefaultConfig(url, prefix string) Config {
	return Config{
		URL:            url,
		Name:           "ledger-engine",
		SubjectPrefix:  prefix,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 5 * time.Second,
	}
}

// NATSPublisher publishes events as JSON on core NATS.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger

	mu         sync.RWMutex
	connected  bool
	reconnects int
}

var _ ledger.Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(cfg Config, log zerolog.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := &NATSPublisher{
		conn:      conn,
		prefix:    cfg.SubjectPrefix,
		log:       log.With().Str("component", "events").Logger(),
		connected: true,
	}

	conn.SetReconnectHandler(func(nc *nats.Conn) {
		p.mu.Lock()
		p.reconnects++
		p.connected = true
		p.mu.Unlock()
		p.log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
	})
	conn.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
		p.log.Warn().Err(err).Msg("disconnected from NATS")
	})

	return p, nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return Subject(p.prefix, eventType)
}

// Subject joins prefix and event type.
func Subject(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

// Publish marshals the event and publishes it.
func (p *NATSPublisher) Publish(ctx context.Context, event ledger.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(event.Type), payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// IsConnected reports the last known connection state.
func (p *NATSPublisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
