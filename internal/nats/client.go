package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aiox-platform/aigov/internal/config"
)

// Client owns the NATS connection used for governance events.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// streams lists the JetStream streams the service publishes to.
var streams = []jetstream.StreamConfig{
	{
		Name:        StreamEvents,
		Description: "governance audit events",
		Subjects:    []string{"aigov.events.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
	},
	{
		Name:        StreamNotifications,
		Description: "quota alerts and approval reminders",
		Subjects:    []string{"aigov.notifications.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		Discard:     jetstream.DiscardOld,
		MaxMsgs:     100000,
		Duplicates:  10 * time.Minute,
	},
}

// NewClient connects to NATS and makes sure the governance streams exist.
func NewClient(ctx context.Context, cfg config.NATSConfig) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("aigov"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	c := &Client{conn: nc, js: js}
	if err := c.ensureStreams(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	slog.Info("connected to NATS", "url", cfg.URL, "streams", len(streams))
	return c, nil
}

func (c *Client) ensureStreams(ctx context.Context) error {
	for _, cfg := range streams {
		if _, err := c.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensuring stream %s: %w", cfg.Name, err)
		}
		slog.Debug("ensured NATS stream", "name", cfg.Name, "subjects", cfg.Subjects)
	}
	return nil
}

func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Healthy reports whether the connection is currently up; it is false while
// reconnecting.
func (c *Client) Healthy() bool {
	return c.conn.IsConnected()
}

// Close drains and closes the NATS connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		slog.Warn("draining NATS connection", "error", err)
	}
}
