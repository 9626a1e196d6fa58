// Package natsbus mirrors fanout events onto NATS subjects so other services
// can follow device streams.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"vitals-ingest/internal/fanout"
)

// Publisher implements fanout.Broadcaster on a NATS connection. Subjects are
// <prefix><deviceID>.<event>.
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials url with unlimited reconnects.
func Connect(url, prefix string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("vitals-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	logger.Info("nats connected", "url", conn.ConnectedUrl(), "prefix", prefix)
	return New(conn, prefix), nil
}

func New(conn *nats.Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix}
}

func (p *Publisher) Publish(ctx context.Context, channel string, event fanout.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, err := p.subject(channel, event.Type)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (p *Publisher) subject(channel, eventType string) (string, error) {
	deviceID, ok := fanout.DeviceFromChannel(channel)
	if !ok {
		return "", fmt.Errorf("unexpected channel %q", channel)
	}
	return p.prefix + subjectToken(deviceID) + "." + eventType, nil
}

// subjectToken keeps a device id within one subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
