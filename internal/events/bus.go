package events

import (
	"sync"
	"sync/atomic"
)

// Subscription is one subscriber's view of the bus
type Subscription struct {
	Ch    chan Event  // receives matching events
	Types []EventType // nil/empty = all types
}

// Bus fans events out to subscribers. Publish preserves call order per
// subscriber channel; because every producer serializes its own entity
// (the task service per task, the status cache per agent), subscribers
// observe a consistent per-entity order. A slow subscriber drops events
// rather than blocking producers; there is no replay.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*Subscription
	dropped     atomic.Int64
	published   atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber for the given event types.
// Nil or empty types receives everything.
func (b *Bus) Subscribe(eventTypes ...EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		Ch:    make(chan Event, 100),
		Types: eventTypes,
	}
	b.subscribers = append(b.subscribers, sub)
	return sub.Ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub.Ch == ch {
			close(sub.Ch)
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !matchesTypes(event.Type, sub.Types) {
			continue
		}
		select {
		case sub.Ch <- *event:
		default:
			// Channel full, drop rather than block the producer
			b.dropped.Add(1)
		}
	}
}

// Emit constructs and publishes in one step.
func (b *Bus) Emit(eventType EventType, source string, payload interface{}) {
	b.Publish(NewEvent(eventType, source, payload))
}

// Stats returns the published and dropped counters.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func matchesTypes(eventType EventType, filter []EventType) bool {
	if len(filter) == 0 {
		return true
	}
	for _, t := range filter {
		if t == eventType {
			return true
		}
	}
	return false
}
