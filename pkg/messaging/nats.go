// Package messaging publishes pipeline events over NATS.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection. A nil *Client is valid and drops every
// publish, so the pipeline runs unchanged when no broker is configured.
type Client struct {
	conn      *nats.Conn
	subs      map[string]*nats.Subscription
	mu        sync.RWMutex
	connected bool
}

// Config holds NATS connection configuration.
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient connects to NATS.
func NewClient(cfg Config) (*Client, error) {
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

	client := &Client{
		conn:      conn,
		subs:      make(map[string]*nats.Subscription),
		connected: true,
	}

	conn.SetReconnectHandler(func(nc *nats.Conn) {
		client.mu.Lock()
		client.connected = true
		client.mu.Unlock()
	})

	conn.SetDisconnectErrHandler(func(nc *nats.Conn, err error) {
		client.mu.Lock()
		client.connected = false
		client.mu.Unlock()
	})

	return client, nil
}

// Publish publishes a JSON-encoded message to a subject.
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	if c == nil || c.conn == nil {
		return nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	return c.conn.Publish(subject, payload)
}

// Subscribe subscribes to a subject.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("not connected")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.subs[subject] = sub
	return nil
}

// IsConnected returns connection status.
func (c *Client) IsConnected() bool {
	if c == nil || c.conn == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.conn.IsConnected()
}

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}

	c.mu.Lock()
	for subject, sub := range c.subs {
		sub.Unsubscribe()
		delete(c.subs, subject)
	}
	c.connected = false
	c.mu.Unlock()

	c.conn.Close()
}
