package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/AGENTMUX/internal/types"
)

// EventType tags every event on the bus. The set is closed; subscribers
// switch on the tag and the payload type together.
type EventType string

const (
	EventTaskQueued       EventType = "task-queued"
	EventTaskAssigned     EventType = "task-assigned"
	EventTaskCompleted    EventType = "task-completed"
	EventTaskCancelled    EventType = "task-cancelled"
	EventTaskFailed       EventType = "task-failed"
	EventTaskRetried      EventType = "task-retried"
	EventTaskDeleted      EventType = "task-deleted"
	EventTaskQueueUpdated EventType = "task-queue-updated"

	EventUsageLimitReached  EventType = "usage-limit-reached"
	EventUsageLimitCleared  EventType = "usage-limit-cleared"
	EventUsageLimitResolved EventType = "usage-limit-resolved"
	EventPausedTasksResumed EventType = "paused-tasks-resumed"

	EventSystemHealth          EventType = "system-health"
	EventAutoRecoveryPerformed EventType = "auto-recovery-performed"
	EventAutoRecoveryStatus    EventType = "auto-recovery-status"
	EventAutoRecoveryFailed    EventType = "auto-recovery-failed"

	EventAgentStatusUpdated    EventType = "agent-status-updated"
	EventAgentActivityDetected EventType = "agent-activity-detected"
	EventAgentDetailedStatus   EventType = "agent-detailed-status"

	EventDashboardBanner EventType = "dashboard-banner"

	EventEmergencyStopCompleted    EventType = "emergency-stop-completed"
	EventSessionResetCompleted     EventType = "session-reset-completed"
	EventProjectCompletionCleanup  EventType = "project-completion-cleanup"
)

// Event is the envelope carried on the bus. Timestamp is assigned at
// construction, never by callers.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent creates an event with a fresh ID and a server-assigned timestamp.
func NewEvent(eventType EventType, source string, payload interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// TaskPayload accompanies every task-* event.
type TaskPayload struct {
	TaskID     string `json:"task_id"`
	Title      string `json:"title,omitempty"`
	Status     string `json:"status,omitempty"`
	AssignedTo string `json:"assigned_to,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// QueuePayload accompanies task-queue-updated.
type QueuePayload struct {
	Counts map[string]int `json:"counts"`
}

// CompletionPayload accompanies task-completed when the detector found it.
type CompletionPayload struct {
	TaskID         string  `json:"task_id"`
	DetectedBy     string  `json:"detected_by"`
	Excerpt        string  `json:"excerpt"`
	ElapsedMinutes float64 `json:"elapsed_minutes"`
}

// UsageLimitPayload accompanies usage-limit-* and paused-tasks-resumed.
type UsageLimitPayload struct {
	IsLimited    bool       `json:"is_limited"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	Message      string     `json:"message,omitempty"`
	PausedTasks  int        `json:"paused_tasks,omitempty"`
	ResumedTasks int        `json:"resumed_tasks,omitempty"`
}

// RecoveryPayload accompanies auto-recovery-* events.
type RecoveryPayload struct {
	Stage           string   `json:"stage"`
	CreatedSessions []string `json:"created_sessions,omitempty"`
	StartedAgents   []string `json:"started_agents,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// ActivityPayload accompanies agent-activity-detected.
type ActivityPayload struct {
	AgentName string             `json:"agent_name"`
	Activity  types.ActivityInfo `json:"activity"`
}

// DetailedStatusPayload accompanies agent-detailed-status.
type DetailedStatusPayload struct {
	AgentName string               `json:"agent_name"`
	Status    *types.AgentStatus   `json:"status"`
	History   []types.ActivityInfo `json:"history"`
}

// CleanupPayload accompanies project-completion-cleanup, emergency-stop-completed
// and session-reset-completed.
type CleanupPayload struct {
	Protocol     string   `json:"protocol"`
	PanesTouched int      `json:"panes_touched"`
	TasksReset   int      `json:"tasks_reset,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}
