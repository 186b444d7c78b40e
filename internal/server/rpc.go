package server

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/AGENTMUX/internal/scheduler"
	"github.com/AGENTMUX/internal/types"
)

// rpcTimeout bounds the pane work a single client request may trigger.
const rpcTimeout = 30 * time.Second

// decodePayload re-marshals the loosely typed WS payload into a struct.
func decodePayload(payload interface{}, dst interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func (c *Client) sendError(kind, msg string) {
	c.Send(types.WSMessage{
		Type:      kind,
		Payload:   map[string]string{"error": msg},
		Timestamp: time.Now(),
	})
}

func (c *Client) sendResult(requestType string, payload interface{}) {
	c.Send(types.WSMessage{
		Type:      requestType + "-result",
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// handleClientRequest dispatches one WS client request. State changes reach
// every client through bus events; rejections go only to the requester.
func (s *Server) handleClientRequest(c *Client, msg types.WSMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	switch msg.Type {
	case "request-task":
		var req struct {
			Title        string   `json:"title"`
			Description  string   `json:"description"`
			ProjectName  string   `json:"project_name"`
			Deliverables []string `json:"deliverables"`
		}
		if err := decodePayload(msg.Payload, &req); err != nil {
			c.sendError("task-error", "malformed request-task payload")
			return
		}
		task, err := s.tasks.Create(req.Title, req.Description, req.ProjectName, req.Deliverables)
		if err != nil {
			c.sendError("task-error", err.Error())
			return
		}
		s.metrics.Invalidate()
		c.sendResult(msg.Type, task)

	case "delete-task":
		id, ok := payloadTaskID(msg.Payload)
		if !ok {
			c.sendError("task-error", "task id is required")
			return
		}
		if err := s.tasks.Delete(id); err != nil {
			c.sendError("task-error", err.Error())
			return
		}
		s.metrics.Invalidate()
		c.sendResult(msg.Type, map[string]string{"task_id": id})

	case "cancel-task":
		id, ok := payloadTaskID(msg.Payload)
		if !ok {
			c.sendError("task-error", "task id is required")
			return
		}
		task, err := s.tasks.Cancel(ctx, id)
		if err != nil {
			c.sendError("task-error", err.Error())
			return
		}
		s.metrics.Invalidate()
		c.sendResult(msg.Type, task)

	case "retry-task":
		id, ok := payloadTaskID(msg.Payload)
		if !ok {
			c.sendError("task-error", "task id is required")
			return
		}
		task, err := s.tasks.Retry(id)
		if err != nil {
			c.sendError("task-error", err.Error())
			return
		}
		s.metrics.Invalidate()
		c.sendResult(msg.Type, task)

	case "restart-task-as-new":
		id, ok := payloadTaskID(msg.Payload)
		if !ok {
			c.sendError("task-error", "task id is required")
			return
		}
		task, err := s.tasks.CloneAsNew(id)
		if err != nil {
			c.sendError("task-error", err.Error())
			return
		}
		s.metrics.Invalidate()
		c.sendResult(msg.Type, task)

	case "mark-task-completed":
		id, ok := payloadTaskID(msg.Payload)
		if !ok {
			c.sendError("task-error", "task id is required")
			return
		}
		task, err := s.tasks.Complete(id)
		if err != nil {
			c.sendError("task-error", err.Error())
			return
		}
		s.metrics.Invalidate()
		c.sendResult(msg.Type, task)

	case "mark-task-failed":
		var req struct {
			TaskID string `json:"task_id"`
			ID     string `json:"id"`
			Reason string `json:"reason"`
		}
		if err := decodePayload(msg.Payload, &req); err != nil {
			c.sendError("task-error", "malformed mark-task-failed payload")
			return
		}
		id := req.TaskID
		if id == "" {
			id = req.ID
		}
		if id == "" {
			c.sendError("task-error", "task id is required")
			return
		}
		task, err := s.tasks.MarkFailed(id, req.Reason)
		if err != nil {
			c.sendError("task-error", err.Error())
			return
		}
		s.metrics.Invalidate()
		c.sendResult(msg.Type, task)

	case "resume-paused-tasks":
		if err := s.limits.ResumeNow(ctx); err != nil {
			c.sendError("task-error", err.Error())
			return
		}
		c.sendResult(msg.Type, map[string]bool{"resumed": true})

	case "emergency-stop":
		log.Printf("[SERVER] Emergency stop requested by client %s", c.id)
		if err := s.cleanup.EmergencyStop(ctx); err != nil {
			c.sendError("rpc-error", err.Error())
			return
		}
		s.metrics.Invalidate()

	case "session-reset":
		log.Printf("[SERVER] Session reset requested by client %s", c.id)
		if err := s.cleanup.SessionReset(ctx); err != nil {
			c.sendError("rpc-error", err.Error())
			return
		}
		s.metrics.Invalidate()

	case "manual-recovery-request":
		log.Printf("[SERVER] Manual recovery requested by client %s", c.id)
		// ForceRecover lifts the suppression hold itself.
		go s.supervisor.ForceRecover(context.Background())
		c.sendResult(msg.Type, map[string]bool{"accepted": true})

	case "toggle-task-completion-monitoring":
		enabled, ok := payloadBool(msg.Payload)
		if !ok {
			c.sendError("rpc-error", "boolean payload required")
			return
		}
		s.detector.SetEnabled(enabled)
		if enabled {
			s.sched.Resume(scheduler.WorkerCompletion)
		} else {
			s.sched.Pause(scheduler.WorkerCompletion)
		}
		c.sendResult(msg.Type, map[string]bool{"enabled": enabled})

	case "toggle-agent-activity-monitoring":
		enabled, ok := payloadBool(msg.Payload)
		if !ok {
			c.sendError("rpc-error", "boolean payload required")
			return
		}
		s.activityEnabled.Store(enabled)
		if enabled {
			s.sched.Resume(scheduler.WorkerHealth)
		} else {
			s.sched.Pause(scheduler.WorkerHealth)
		}
		c.sendResult(msg.Type, map[string]bool{"enabled": enabled})

	case "get-agent-monitoring-stats":
		c.sendResult(msg.Type, s.monitoringStats())

	case "update-monitoring-config":
		var req struct {
			IdleCheckMs       int64 `json:"idle_check_ms"`
			ActiveCheckMs     int64 `json:"active_check_ms"`
			CompletionMs      int64 `json:"completion_cadence_ms"`
			DispatchCadenceMs int64 `json:"dispatch_cadence_ms"`
		}
		if err := decodePayload(msg.Payload, &req); err != nil {
			c.sendError("rpc-error", "malformed monitoring config")
			return
		}
		if req.IdleCheckMs > 0 {
			s.cfg.IdleCheckInterval = time.Duration(req.IdleCheckMs) * time.Millisecond
			s.sched.SetInterval(scheduler.WorkerHealth, s.cfg.IdleCheckInterval)
		}
		if req.ActiveCheckMs > 0 {
			s.cfg.ActiveCheckInterval = time.Duration(req.ActiveCheckMs) * time.Millisecond
		}
		if req.CompletionMs > 0 {
			s.sched.SetInterval(scheduler.WorkerCompletion, time.Duration(req.CompletionMs)*time.Millisecond)
		}
		if req.DispatchCadenceMs > 0 {
			s.sched.SetInterval(scheduler.WorkerDispatch, time.Duration(req.DispatchCadenceMs)*time.Millisecond)
		}
		c.sendResult(msg.Type, s.monitoringStats())

	case "reset-monitoring-stats":
		s.mon.ResetStats()
		s.detector.ResetStats()
		c.sendResult(msg.Type, s.monitoringStats())

	default:
		c.sendError("rpc-error", "unknown request type: "+msg.Type)
	}
}

// monitoringStats assembles the dashboard counters block.
func (s *Server) monitoringStats() *types.MonitoringStats {
	passes, failures, streaks, lastPass := s.mon.Stats()
	completionPasses, completionsFound := s.detector.Stats()
	cacheStats := s.classifier.CacheStats()

	return &types.MonitoringStats{
		MonitorPasses:     passes,
		CompletionPasses:  completionPasses,
		CompletionsFound:  completionsFound,
		CaptureFailures:   failures,
		FailureStreaks:    streaks,
		ClassifierHits:    cacheStats.Hits,
		ClassifierMisses:  cacheStats.Misses,
		LastPassAt:        lastPass,
		CompletionEnabled: s.detector.Enabled(),
		ActivityEnabled:   s.activityEnabled.Load(),
		Intervals: map[string]int64{
			scheduler.WorkerHealth:       s.cfg.IdleCheckInterval.Milliseconds(),
			scheduler.WorkerCompletion:   s.cfg.CompletionCadence.Milliseconds(),
			scheduler.WorkerDispatch:     s.cfg.DispatchCadence.Milliseconds(),
			scheduler.WorkerCacheRefresh: s.cfg.CacheRefresh.Milliseconds(),
			scheduler.WorkerUsageLimit:   s.cfg.UsageLimitCheck.Milliseconds(),
		},
	}
}

// payloadTaskID accepts {"task_id": "..."} or {"id": "..."} payload shapes.
func payloadTaskID(payload interface{}) (string, bool) {
	var req struct {
		TaskID string `json:"task_id"`
		ID     string `json:"id"`
	}
	if err := decodePayload(payload, &req); err != nil {
		return "", false
	}
	if req.TaskID != "" {
		return req.TaskID, true
	}
	if req.ID != "" {
		return req.ID, true
	}
	return "", false
}

// payloadBool accepts a bare boolean or {"enabled": bool}.
func payloadBool(payload interface{}) (bool, bool) {
	if b, ok := payload.(bool); ok {
		return b, true
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodePayload(payload, &req); err != nil || req.Enabled == nil {
		return false, false
	}
	return *req.Enabled, true
}
