package events

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/metrics"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber channel capacity
const DefaultBuffer = 256

// Subscription is one consumer's bounded queue of sequenced events
type Subscription struct {
	ID string

	ch      chan types.OwnershipEvent
	dropped atomic.Uint64
	broker  *Broker
	once    sync.Once
}

// Events returns the receive side. It is closed on Unsubscribe or when the
// broker shuts down.
func (s *Subscription) Events() <-chan types.OwnershipEvent {
	return s.ch
}

// Dropped returns how many events this subscription missed because its
// buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes
func (s *Subscription) Close() {
	s.broker.Unsubscribe(s)
}

// Broker fans out applied events to every subscription. Publish never
// blocks: a full subscriber buffer drops the event for that subscriber only.
type Broker struct {
	subscribers map[string]*Subscription
	mu          sync.RWMutex
	buffer      int
	closed      bool
}

// NewBroker creates a broker whose subscriptions buffer up to buffer events
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{
		subscribers: make(map[string]*Subscription),
		buffer:      buffer,
	}
}

// Subscribe registers a new subscription. On a closed broker the returned
// subscription's channel is already closed.
func (b *Broker) Subscribe() *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		ch:     make(chan types.OwnershipEvent, b.buffer),
		broker: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.subscribers[sub.ID] = sub
	metrics.SubscribersActive.Set(float64(len(b.subscribers)))
	logger := log.WithSubscriber(sub.ID)
	logger.Debug().Msg("Subscribed")
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// more than once.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.ID]; ok {
		delete(b.subscribers, sub.ID)
		metrics.SubscribersActive.Set(float64(len(b.subscribers)))
		logger := log.WithSubscriber(sub.ID)
		logger.Debug().Uint64("dropped", sub.Dropped()).Msg("Unsubscribed")
	}
	sub.once.Do(func() { close(sub.ch) })
}

// Publish offers events, in order, to every subscription
func (b *Broker) Publish(events ...types.OwnershipEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ev := range events {
		for _, sub := range b.subscribers {
			select {
			case sub.ch <- ev:
			default:
				sub.dropped.Add(1)
				metrics.RecordDroppedUpdateEvents(1)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone; later Publish calls are no-ops
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		sub.once.Do(func() { close(sub.ch) })
	}
	metrics.SubscribersActive.Set(0)
}
