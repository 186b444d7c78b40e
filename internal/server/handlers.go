package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/AGENTMUX/internal/agents"
	"github.com/AGENTMUX/internal/tasks"
	"github.com/AGENTMUX/internal/tmux"
	"github.com/AGENTMUX/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[SERVER] Response encode failed: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// taskErrorStatus maps service errors onto HTTP statuses.
func taskErrorStatus(err error) int {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// handleWebSocket upgrades the connection and joins the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := newClient(s.hub, conn)
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	// Current state straight away so the dashboard renders without waiting
	// for the next tick.
	client.Send(types.WSMessage{
		Type:      "agent-snapshot",
		Payload:   s.cache.Snapshot(),
		Timestamp: time.Now(),
	})
	if health := s.supervisor.LastHealth(); health != nil {
		client.Send(types.WSMessage{
			Type:      "system-health",
			Payload:   health,
			Timestamp: time.Now(),
		})
	}

	go client.readPump()
	go client.writePump()
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, s.tasks.List())
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title        string   `json:"title"`
		Description  string   `json:"description"`
		ProjectName  string   `json:"project_name"`
		Deliverables []string `json:"deliverables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	task, err := s.tasks.Create(req.Title, req.Description, req.ProjectName, req.Deliverables)
	if err != nil {
		s.respondError(w, taskErrorStatus(err), err.Error())
		return
	}
	s.respondJSON(w, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		s.respondError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	task, err := s.tasks.Complete(req.TaskID)
	if err != nil {
		s.respondError(w, taskErrorStatus(err), err.Error())
		return
	}
	s.metrics.Invalidate()
	s.respondJSON(w, task)
}

func (s *Server) handlePatchProjectName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectName string `json:"project_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s.patchTask(w, r, tasks.TaskPatch{ProjectName: &req.ProjectName})
}

func (s *Server) handlePatchAssignedTo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssignedTo string `json:"assigned_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AssignedTo != "" {
		if _, ok := agents.ByName(s.roster, req.AssignedTo); !ok {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown agent %q", req.AssignedTo))
			return
		}
	}
	s.patchTask(w, r, tasks.TaskPatch{AssignedTo: &req.AssignedTo})
}

func (s *Server) handlePatchMetadata(w http.ResponseWriter, r *http.Request) {
	var patch tasks.TaskPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// Metadata endpoint never moves the state machine.
	patch.Status = nil
	patch.AssignedTo = nil
	s.patchTask(w, r, patch)
}

func (s *Server) patchTask(w http.ResponseWriter, r *http.Request, patch tasks.TaskPatch) {
	id := mux.Vars(r)["id"]
	task, err := s.tasks.Update(id, patch)
	if err != nil {
		s.respondError(w, taskErrorStatus(err), err.Error())
		return
	}
	s.metrics.Invalidate()
	s.respondJSON(w, task)
}

func (s *Server) handleKPIMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.metrics.KPIMetrics()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, m)
}

func (s *Server) handleAgentPerformance(w http.ResponseWriter, r *http.Request) {
	perf, err := s.metrics.AgentPerformance()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, perf)
}

func (s *Server) handleTaskTrend(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = parsed
	}
	trend, err := s.metrics.TaskTrend(days)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, trend)
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	health := s.supervisor.LastHealth()
	if health == nil {
		s.respondError(w, http.StatusServiceUnavailable, "no health snapshot yet")
		return
	}
	s.respondJSON(w, health)
}

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, s.banner.State())
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, s.cache.Snapshot())
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["agent"]
	agent, ok := agents.ByName(s.roster, name)
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown agent %q", name))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CaptureTimeout)
	defer cancel()
	output, err := s.panes.Capture(ctx, agent.Target, s.cfg.MaxCaptureLines)
	if err != nil {
		// Live capture failed; fall back to the monitor's last snapshot.
		output = s.mon.LastCapture(name)
		if output == "" {
			s.respondError(w, http.StatusBadGateway, fmt.Sprintf("capture failed: %v", err))
			return
		}
	}
	s.respondJSON(w, map[string]string{"agent": name, "output": output})
}

func (s *Server) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	agent, ok := agents.ByName(s.roster, name)
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown agent %q", name))
		return
	}
	if err := s.startInterpreter(r.Context(), agent.Target); err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	log.Printf("[SERVER] Started interpreter for %s", name)
	s.respondJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleStartAllAgents(w http.ResponseWriter, r *http.Request) {
	started := make([]string, 0, len(s.roster))
	var errs []string
	for _, agent := range s.roster {
		if err := s.startInterpreter(r.Context(), agent.Target); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", agent.Name, err))
			continue
		}
		started = append(started, agent.Name)
	}
	s.respondJSON(w, map[string]interface{}{
		"started": started,
		"errors":  errs,
	})
}

func (s *Server) startInterpreter(ctx context.Context, target string) error {
	return s.panes.Send(ctx, target, "claude", tmux.KeyEnter)
}

func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	agent, ok := agents.ByName(s.roster, name)
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown agent %q", name))
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		s.respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := s.panes.Send(r.Context(), agent.Target, req.Message, tmux.KeyEnter); err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respondJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleTmuxSetup(w http.ResponseWriter, r *http.Request) {
	created, err := s.supervisor.EnsureSessions(r.Context())
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respondJSON(w, map[string]interface{}{"created_sessions": created})
}

func (s *Server) handleProjectFiles(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	files, err := s.workspace.ListFiles(name)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, files)
}

func (s *Server) handleProjectZip(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	if err := s.workspace.WriteZip(name, w); err != nil {
		// Headers may already be out; log and give up on the stream.
		log.Printf("[SERVER] Zip download for %q failed: %v", name, err)
	}
}
