// Package nats wraps a NATS connection with a JetStream publisher.
package nats

import (
	"context"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds connection settings.
type Config struct {
	URL  string
	Name string
}

// Client publishes messages to JetStream subjects.
type Client struct {
	conn *natsgo.Conn
	js   jetstream.JetStream
}

// New connects to the server and prepares a JetStream context.
func New(cfg Config) (*Client, error) {
	conn, err := natsgo.Connect(cfg.URL,
		natsgo.Name(cfg.Name),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &Client{conn: conn, js: js}, nil
}

// Publish sends data on subject and waits for the JetStream ack.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	_ = c.conn.Drain()
}
