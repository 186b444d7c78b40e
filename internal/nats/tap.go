package nats

import (
	"log"
	"sync"

	"github.com/AGENTMUX/internal/events"
)

// SubjectPrefix is the subject tree events are republished under; the event
// type becomes the final token, e.g. agentmux.events.task-completed.
const SubjectPrefix = "agentmux.events."

// EventTap mirrors every bus event onto NATS as JSON. Publish failures are
// logged and dropped.
type EventTap struct {
	bus    *events.Bus
	client *Client

	mu   sync.Mutex
	ch   <-chan events.Event
	done chan struct{}
}

func NewEventTap(bus *events.Bus, client *Client) *EventTap {
	return &EventTap{bus: bus, client: client}
}

// Start subscribes to the full event stream and begins mirroring.
func (t *EventTap) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		return
	}
	t.ch = t.bus.Subscribe()
	t.done = make(chan struct{})
	go t.run(t.ch, t.done)
	log.Printf("[NATS] Event tap started on %s*", SubjectPrefix)
}

// Stop unsubscribes and waits for in-flight publishes to finish.
func (t *EventTap) Stop() {
	t.mu.Lock()
	ch := t.ch
	done := t.done
	t.ch = nil
	t.done = nil
	t.mu.Unlock()
	if ch == nil {
		return
	}
	t.bus.Unsubscribe(ch)
	<-done
}

func (t *EventTap) run(ch <-chan events.Event, done chan struct{}) {
	defer close(done)
	for ev := range ch {
		subject := SubjectPrefix + string(ev.Type)
		if err := t.client.PublishJSON(subject, ev); err != nil {
			log.Printf("[NATS] Dropping event %s: %v", ev.Type, err)
		}
	}
}
