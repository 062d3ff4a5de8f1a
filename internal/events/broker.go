package events

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Subscription receives messages for one address. C is closed on
// Unsubscribe.
type Subscription struct {
	C       <-chan Message
	address string
	ch      chan Message
	broker  *Broker
	once    sync.Once
}

// Unsubscribe detaches the subscription
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.broker.remove(s) })
}

// Address the subscription is registered for, lowercase.
func (s *Subscription) Address() string { return s.address }

// Broker is the in-process fan-out of balance notifications keyed by user
// address. A full subscriber queue drops the message for that subscriber
// only.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	log    logrus.FieldLogger
}

// NewBroker creates a broker whose subscriptions buffer up to buffer messages
func NewBroker(buffer int, log logrus.FieldLogger) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers for notifications of address.
func (b *Broker) Subscribe(address string) *Subscription {
	address = strings.ToLower(address)
	ch := make(chan Message, b.buffer)
	sub := &Subscription{C: ch, address: address, ch: ch, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[address]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[address] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.address]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.address)
		}
	}
	close(sub.ch)
}

// SubscriberCount returns the number of live subscriptions of address.
func (b *Broker) SubscriberCount(address string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[strings.ToLower(address)])
}

// PublishBalanceUpdate delivers update to every subscriber of its address.
func (b *Broker) PublishBalanceUpdate(_ context.Context, update BalanceUpdate) error {
	update.UserAddress = strings.ToLower(update.UserAddress)
	msg := NewBalanceMessage(update)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[update.UserAddress] {
		select {
		case sub.ch <- msg:
		default:
			b.log.WithField("address", update.UserAddress).Warn("⚠️ Balance subscriber queue full, dropping notification")
		}
	}
	countPublished("broker")
	return nil
}
