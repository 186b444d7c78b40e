package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AGENTMUX/internal/tasks"
)

func doRequest(t *testing.T, env *testEnv, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndListTasks(t *testing.T) {
	env := newTestEnv(t)

	rec := doRequest(t, env, http.MethodPost, "/api/tasks", map[string]string{
		"title":       "build the thing",
		"description": "with tests",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var created tasks.Task
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != tasks.StatusPending {
		t.Errorf("expected pending, got %s", created.Status)
	}

	rec = doRequest(t, env, http.MethodGet, "/api/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list returned %d", rec.Code)
	}
	var list []*tasks.Task
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("expected the created task back, got %+v", list)
	}
}

func TestCreateTaskRejectsEmptyTitle(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env, http.MethodPost, "/api/tasks", map[string]string{"title": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestPatchProjectNameValidation(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.tasks.Create("t", "", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doRequest(t, env, http.MethodPatch, "/api/tasks/"+task.ID+"/project-name",
		map[string]string{"project_name": "../escape"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid slug, got %d", rec.Code)
	}

	rec = doRequest(t, env, http.MethodPatch, "/api/tasks/"+task.ID+"/project-name",
		map[string]string{"project_name": "demo-app"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated tasks.Task
	json.NewDecoder(rec.Body).Decode(&updated)
	if updated.ProjectName != "demo-app" {
		t.Errorf("expected project name set, got %q", updated.ProjectName)
	}
}

func TestPatchUnknownTaskReturns404(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env, http.MethodPatch, "/api/tasks/task-999/project-name",
		map[string]string{"project_name": "x"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestSystemHealthBeforeFirstTick(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env, http.MethodGet, "/api/system-health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before first snapshot, got %d", rec.Code)
	}
}

func TestTerminalEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.panes.mu.Lock()
	env.panes.captures["president"] = "$ ls\nREADME.md\n"
	env.panes.mu.Unlock()

	rec := doRequest(t, env, http.MethodGet, "/api/terminal/president", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["output"] == "" {
		t.Errorf("expected captured output, got %+v", resp)
	}

	rec = doRequest(t, env, http.MethodGet, "/api/terminal/nobody", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", rec.Code)
	}
}

func TestKPIMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.tasks.Create("a", "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doRequest(t, env, http.MethodGet, "/api/kpi-metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var m map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&m)
	if m["total_tasks"].(float64) != 1 {
		t.Errorf("expected 1 task in KPI block, got %v", m["total_tasks"])
	}
}

func TestAgentMessageEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env, http.MethodPost, "/api/agents/worker1/message",
		map[string]string{"message": "status update please"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	keys := env.panes.sentKeys("multiagent:0.1")
	if len(keys) != 2 || keys[0] != "status update please" {
		t.Errorf("unexpected keys sent: %v", keys)
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env, http.MethodGet, "/api/tasks", nil)
	if got := rec.Header().Get("Server"); got != "agentmux" {
		t.Errorf("expected generic Server header, got %q", got)
	}
}
