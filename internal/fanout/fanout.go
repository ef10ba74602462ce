// Package fanout is the in-process execution event broker. Components
// broadcast lifecycle events keyed by request, plan, or task ID; the
// WebSocket gateway subscribes its sessions here. Delivery is per-subscriber
// ordered and never blocks the sender: a subscriber that stops draining its
// channel is evicted.
package fanout

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/common/logger"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

// DefaultBufferSize is the per-subscriber event buffer. A UI session that
// falls this far behind is dropped rather than allowed to stall dispatch.
const DefaultBufferSize = 64

type subscriber struct {
	id   string
	ch   chan v1.Event
	keys map[string]struct{}
}

// Broker routes execution events to interested subscribers. One channel per
// subscriber keeps events across keys in the order they were broadcast.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	byKey       map[string]map[string]*subscriber
	bufferSize  int
	logger      *logger.Logger
}

// NewBroker creates an empty broker. A nil log falls back to the process
// default logger.
func NewBroker(log *logger.Logger) *Broker {
	if log == nil {
		log = logger.Default()
	}
	return &Broker{
		subscribers: make(map[string]*subscriber),
		byKey:       make(map[string]map[string]*subscriber),
		bufferSize:  DefaultBufferSize,
		logger:      log.WithComponent("fanout"),
	}
}

// Subscribe registers interest in a key and returns the subscriber's event
// channel. The same subscriber ID shares one channel across all its keys;
// the channel is closed when the subscriber is evicted or dropped.
func (b *Broker) Subscribe(subscriberID, key string) <-chan v1.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subscriberID]
	if !ok {
		sub = &subscriber{
			id:   subscriberID,
			ch:   make(chan v1.Event, b.bufferSize),
			keys: make(map[string]struct{}),
		}
		b.subscribers[subscriberID] = sub
	}
	sub.keys[key] = struct{}{}

	if _, ok := b.byKey[key]; !ok {
		b.byKey[key] = make(map[string]*subscriber)
	}
	b.byKey[key][subscriberID] = sub

	b.logger.Debug("Subscriber registered",
		zap.String("subscriber_id", subscriberID),
		zap.String("key", key),
	)
	return sub.ch
}

// Unsubscribe removes one key's interest. Other subscriptions held by the
// same subscriber keep delivering.
func (b *Broker) Unsubscribe(subscriberID, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subscriberID]
	if !ok {
		return
	}
	delete(sub.keys, key)
	if subs, ok := b.byKey[key]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(b.byKey, key)
		}
	}
}

// Drop removes a subscriber entirely and closes its channel. The WebSocket
// layer calls this when a session disconnects.
func (b *Broker) Drop(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(subscriberID)
}

func (b *Broker) dropLocked(subscriberID string) {
	sub, ok := b.subscribers[subscriberID]
	if !ok {
		return
	}
	for key := range sub.keys {
		if subs, ok := b.byKey[key]; ok {
			delete(subs, subscriberID)
			if len(subs) == 0 {
				delete(b.byKey, key)
			}
		}
	}
	delete(b.subscribers, subscriberID)
	close(sub.ch)
}

// Broadcast delivers an event to every subscriber of the key. The event's
// Key and Timestamp are stamped here. Subscribers whose buffer is full are
// evicted; delivery to the rest proceeds.
func (b *Broker) Broadcast(key string, event v1.Event) {
	event.Key = key
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Sends happen under the read lock: channels close only under the write
	// lock, so a send can never race a close. All sends are non-blocking.
	b.mu.RLock()
	var evicted []string
	for _, sub := range b.byKey[key] {
		select {
		case sub.ch <- event:
		default:
			evicted = append(evicted, sub.id)
		}
	}
	b.mu.RUnlock()
	if len(evicted) == 0 {
		return
	}

	b.mu.Lock()
	for _, id := range evicted {
		b.dropLocked(id)
	}
	b.mu.Unlock()
	for _, id := range evicted {
		b.logger.Warn("Subscriber evicted, event buffer full",
			zap.String("subscriber_id", id),
			zap.String("key", key),
			zap.String("event_type", string(event.Type)),
		)
	}
}

// SendDirect delivers an event to one subscriber regardless of its keys.
// A full buffer evicts, same as Broadcast.
func (b *Broker) SendDirect(subscriberID string, event v1.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	sub, ok := b.subscribers[subscriberID]
	delivered := false
	if ok {
		select {
		case sub.ch <- event:
			delivered = true
		default:
		}
	}
	b.mu.RUnlock()
	if !ok || delivered {
		return
	}

	b.mu.Lock()
	b.dropLocked(subscriberID)
	b.mu.Unlock()
	b.logger.Warn("Subscriber evicted, event buffer full",
		zap.String("subscriber_id", subscriberID),
		zap.String("event_type", string(event.Type)),
	)
}

// SubscriberCount reports how many subscribers are connected.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
