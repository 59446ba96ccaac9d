// Package natsbus carries auction events and commands over NATS.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"auction_go/internal/domain"
	"auction_go/internal/infra"

	"github.com/nats-io/nats.go"
)

// publisher is the part of *nats.Conn the Publisher needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Publisher sends outbound events as JSON to their subject
// (auction.price.<id>, auction.settled.<id>, auction.order.<id>).
type Publisher struct {
	conn    publisher
	nc      *nats.Conn // nil when built over a bare publisher
	metrics *infra.Metrics
	logger  *slog.Logger
}

// Connect dials NATS and keeps reconnecting forever. Broker state is
// mirrored into metrics.
func Connect(url, name string, metrics *infra.Metrics, logger *slog.Logger) (*Publisher, error) {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.SetBrokerConnected(false)
			logger.Warn("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			metrics.SetBrokerConnected(true)
			logger.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			metrics.SetBrokerConnected(false)
		}),
	)
	if err != nil {
		return nil, domain.NewNetworkError("nats connect", fmt.Errorf("failed to connect to NATS: %w", err))
	}
	metrics.SetBrokerConnected(true)

	p := newPublisher(nc, metrics, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(conn publisher, metrics *infra.Metrics, logger *slog.Logger) *Publisher {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, metrics: metrics, logger: logger}
}

// Conn returns the underlying connection, nil when not dialled.
func (p *Publisher) Conn() *nats.Conn {
	return p.nc
}

// Publish implements domain.EventSink.
func (p *Publisher) Publish(_ context.Context, ev domain.Outbound) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type(), err)
	}
	if err := p.conn.Publish(ev.Subject(), data); err != nil {
		p.metrics.RecordPublishError()
		return domain.NewNetworkError("nats publish "+ev.Subject(), fmt.Errorf("%w: %v", domain.ErrPublishFailed, err))
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("NATS drain failed", slog.Any("error", err))
		p.nc.Close()
	}
}
