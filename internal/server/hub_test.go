package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AGENTMUX/internal/events"
	"github.com/AGENTMUX/internal/types"
)

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.server.router)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) types.WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg types.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestWebSocketReceivesSnapshotAndBusEvents(t *testing.T) {
	env := newTestEnv(t)
	go env.server.hub.Run()
	t.Cleanup(env.server.hub.Stop)
	env.server.eventCh = env.bus.Subscribe()
	env.server.pumpDone = make(chan struct{})
	go env.server.pumpEvents(env.server.eventCh, env.server.pumpDone)
	t.Cleanup(func() {
		env.bus.Unsubscribe(env.server.eventCh)
		<-env.server.pumpDone
	})

	conn := dialWS(t, env)

	first := readMessage(t, conn)
	if first.Type != "agent-snapshot" {
		t.Fatalf("expected agent-snapshot first, got %s", first.Type)
	}

	env.bus.Emit(events.EventTaskQueued, "tasks", &events.TaskPayload{TaskID: "task-1"})

	for i := 0; i < 5; i++ {
		msg := readMessage(t, conn)
		if msg.Type == string(events.EventTaskQueued) {
			return
		}
	}
	t.Fatalf("task-queued never arrived over WebSocket")
}

func TestWebSocketRPCRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	go env.server.hub.Run()
	t.Cleanup(env.server.hub.Stop)

	conn := dialWS(t, env)
	readMessage(t, conn) // snapshot

	err := conn.WriteJSON(types.WSMessage{
		Type:    "request-task",
		Payload: map[string]interface{}{"title": "from ws"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	for i := 0; i < 5; i++ {
		msg := readMessage(t, conn)
		if msg.Type == "request-task-result" {
			if len(env.tasks.List()) != 1 {
				t.Errorf("expected one task created")
			}
			return
		}
	}
	t.Fatalf("request-task-result never arrived")
}

func TestHubDropsSlowClientOnStop(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := newClientForTest()
	client.hub = hub
	hub.register <- client

	hub.BroadcastJSON(types.WSMessage{Type: "ping"})
	hub.Stop()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected clients dropped after Stop, got %d", hub.ClientCount())
	}
}
