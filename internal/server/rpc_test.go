package server

import (
	"encoding/json"
	"testing"

	"github.com/AGENTMUX/internal/tasks"
	"github.com/AGENTMUX/internal/types"
)

func readReply(t *testing.T, c *Client) types.WSMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg types.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		return msg
	default:
		t.Fatalf("no reply queued for client")
		return types.WSMessage{}
	}
}

func TestRequestTaskCreatesPending(t *testing.T) {
	env := newTestEnv(t)
	c := newClientForTest()

	env.server.handleClientRequest(c, types.WSMessage{
		Type:    "request-task",
		Payload: map[string]interface{}{"title": "do it", "description": "now"},
	})

	reply := readReply(t, c)
	if reply.Type != "request-task-result" {
		t.Fatalf("expected result, got %s: %v", reply.Type, reply.Payload)
	}
	if len(env.tasks.List()) != 1 {
		t.Errorf("expected one task in queue")
	}
}

func TestRequestTaskRejectionGoesOnlyToRequester(t *testing.T) {
	env := newTestEnv(t)
	c := newClientForTest()

	env.server.handleClientRequest(c, types.WSMessage{
		Type:    "request-task",
		Payload: map[string]interface{}{"title": ""},
	})

	reply := readReply(t, c)
	if reply.Type != "task-error" {
		t.Errorf("expected task-error, got %s", reply.Type)
	}
	if len(env.tasks.List()) != 0 {
		t.Errorf("rejected request must not create a task")
	}
}

func TestCancelIsIdempotentSecondCancelErrors(t *testing.T) {
	env := newTestEnv(t)
	task := seedInProgress(t, env, "work")
	c := newClientForTest()

	env.server.handleClientRequest(c, types.WSMessage{
		Type:    "cancel-task",
		Payload: map[string]interface{}{"task_id": task.ID},
	})
	if reply := readReply(t, c); reply.Type != "cancel-task-result" {
		t.Fatalf("first cancel failed: %v", reply.Payload)
	}

	env.server.handleClientRequest(c, types.WSMessage{
		Type:    "cancel-task",
		Payload: map[string]interface{}{"task_id": task.ID},
	})
	if reply := readReply(t, c); reply.Type != "task-error" {
		t.Errorf("second cancel should report conflict to requester, got %s", reply.Type)
	}

	got, err := env.tasks.Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != tasks.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if got.AssignedTo != "president" {
		t.Errorf("cancel must preserve assignment, got %q", got.AssignedTo)
	}
}

func TestRetryAfterCancel(t *testing.T) {
	env := newTestEnv(t)
	task := seedInProgress(t, env, "work")
	c := newClientForTest()

	env.server.handleClientRequest(c, types.WSMessage{
		Type:    "cancel-task",
		Payload: map[string]interface{}{"task_id": task.ID},
	})
	readReply(t, c)

	env.server.handleClientRequest(c, types.WSMessage{
		Type:    "retry-task",
		Payload: map[string]interface{}{"task_id": task.ID},
	})
	reply := readReply(t, c)
	if reply.Type != "retry-task-result" {
		t.Fatalf("retry failed: %v", reply.Payload)
	}

	got, _ := env.tasks.Get(task.ID)
	if got.Status != tasks.StatusPending {
		t.Errorf("expected pending after retry, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retryCount 1, got %d", got.RetryCount)
	}
	if got.AssignedTo != "" {
		t.Errorf("retry must reset assignment, got %q", got.AssignedTo)
	}
}

func TestMonitoringStatsAndToggles(t *testing.T) {
	env := newTestEnv(t)
	c := newClientForTest()

	env.server.handleClientRequest(c, types.WSMessage{
		Type:    "toggle-task-completion-monitoring",
		Payload: false,
	})
	if reply := readReply(t, c); reply.Type != "toggle-task-completion-monitoring-result" {
		t.Fatalf("toggle failed: %v", reply.Payload)
	}

	env.server.handleClientRequest(c, types.WSMessage{Type: "get-agent-monitoring-stats"})
	reply := readReply(t, c)
	data, _ := json.Marshal(reply.Payload)
	var stats types.MonitoringStats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.CompletionEnabled {
		t.Errorf("expected completion monitoring off after toggle")
	}
	if !stats.ActivityEnabled {
		t.Errorf("activity monitoring should default on")
	}
}

func TestUnknownRequestTypeRejected(t *testing.T) {
	env := newTestEnv(t)
	c := newClientForTest()

	env.server.handleClientRequest(c, types.WSMessage{Type: "make-coffee"})
	if reply := readReply(t, c); reply.Type != "rpc-error" {
		t.Errorf("expected rpc-error, got %s", reply.Type)
	}
}
