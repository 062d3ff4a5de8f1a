// Package events carries balance-update notifications from the settlement
// services to websocket clients and, when configured, to NATS.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/0xarcano/UXWallet/internal/metrics"
)

// MessageTypeBalanceUpdate is the `type` of a balance notification.
const MessageTypeBalanceUpdate = "bu"

// BalanceUpdate is the notification payload for one user and asset.
type BalanceUpdate struct {
	UserAddress    string `json:"userAddress"`
	Asset          string `json:"asset"`
	Balance        string `json:"balance"`
	ChainID        *int64 `json:"chainId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	SequenceNumber uint64 `json:"sequenceNumber,omitempty"`
}

// Message is the wire envelope sent to subscribers.
type Message struct {
	Type      string        `json:"type"`
	Data      BalanceUpdate `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewBalanceMessage wraps u in a `bu` envelope stamped now.
func NewBalanceMessage(u BalanceUpdate) Message {
	return Message{Type: MessageTypeBalanceUpdate, Data: u, Timestamp: time.Now().UTC()}
}

// Publisher delivers balance notifications.
type Publisher interface {
	PublishBalanceUpdate(ctx context.Context, update BalanceUpdate) error
}

// MultiPublisher fans one notification out to several publishers. Every
// publisher is attempted; the errors are joined.
type MultiPublisher []Publisher

func (m MultiPublisher) PublishBalanceUpdate(ctx context.Context, update BalanceUpdate) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.PublishBalanceUpdate(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notification.
type Discard struct{}

func (Discard) PublishBalanceUpdate(context.Context, BalanceUpdate) error { return nil }

func countPublished(sink string) {
	metrics.BalanceNotifications.WithLabelValues(sink).Inc()
}
