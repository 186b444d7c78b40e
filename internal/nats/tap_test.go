package nats

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/AGENTMUX/internal/events"
)

func startServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv := NewEmbeddedServer(-1) // random port
	if err := srv.Start(); err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestEmbeddedServerLifecycle(t *testing.T) {
	srv := startServer(t)
	if !srv.IsRunning() {
		t.Fatalf("server should report running")
	}
	if srv.URL() == "" {
		t.Fatalf("expected non-empty client URL")
	}
	srv.Shutdown()
	if srv.IsRunning() {
		t.Errorf("server should report stopped after shutdown")
	}
}

func TestEventTapRepublishesBusEvents(t *testing.T) {
	srv := startServer(t)

	client, err := NewClient(srv.URL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	received := make(chan *Message, 1)
	sub, err := client.Subscribe(SubjectPrefix+"task-completed", func(m *Message) {
		select {
		case received <- m:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	bus := events.NewBus()
	tap := NewEventTap(bus, client)
	tap.Start()
	t.Cleanup(tap.Stop)

	bus.Emit(events.EventTaskCompleted, "tasks", &events.TaskPayload{TaskID: "7"})

	select {
	case msg := <-received:
		var ev events.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type != events.EventTaskCompleted {
			t.Errorf("expected task-completed, got %s", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event arrived on NATS subject")
	}
}
