package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/metrics"
)

// NATSPublisher publishes balance notifications as JSON to one subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	log     logrus.FieldLogger
}

// NewNATSPublisher connects to the configured NATS server
func NewNATSPublisher(cfg config.NATSConfig, log logrus.FieldLogger) (*NATSPublisher, error) {
	connectTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		connectTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	reconnectWait := 5 * time.Second
	if cfg.ReconnectWait > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWait) * time.Second
	}
	maxReconnects := -1
	if cfg.MaxReconnects != 0 {
		maxReconnects = cfg.MaxReconnects
	}

	log.WithFields(logrus.Fields{"url": cfg.URL, "timeout": connectTimeout}).Info("🔌 Connecting to NATS")

	conn, err := nats.Connect(cfg.URL,
		nats.Name("uxwallet-backend"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("⚠️ NATS disconnected")
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("✅ NATS reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			metrics.NATSConnectionStatus.Set(0)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)

	return &NATSPublisher{conn: conn, subject: cfg.Subject, log: log}, nil
}

// PublishBalanceUpdate publishes update to the configured subject.
func (p *NATSPublisher) PublishBalanceUpdate(_ context.Context, update BalanceUpdate) error {
	data, err := json.Marshal(NewBalanceMessage(update))
	if err != nil {
		return fmt.Errorf("failed to marshal balance update: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish balance update: %w", err)
	}
	countPublished("nats")
	return nil
}

// Connected reports whether the connection is currently up.
func (p *NATSPublisher) Connected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.log.WithError(err).Warn("⚠️ NATS drain failed")
		p.conn.Close()
	}
}
