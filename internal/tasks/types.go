package tasks

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusPaused     TaskStatus = "paused"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Sentinel errors shared by the service and the store facade.
var (
	ErrNotFound = errors.New("tasks: task not found")
	ErrConflict = errors.New("tasks: operation conflicts with task state")
)

// validTransitions defines the legal status graph. failed→completed exists
// only for cloneAsNew (the source is closed out as completed); failed and
// cancelled reach pending only through retry.
var validTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPaused, StatusCancelled},
	StatusPaused:     {StatusInProgress, StatusCancelled},
	StatusFailed:     {StatusPending, StatusCompleted},
	StatusCancelled:  {StatusPending},
	StatusCompleted:  {},
}

// ErrorEntry is one failure recorded in a task's history
type ErrorEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason"`
	RetryCount int       `json:"retry_count"`
}

// Task is the central persisted entity
type Task struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	ProjectName   string       `json:"project_name,omitempty"`
	Deliverables  []string     `json:"deliverables,omitempty"`
	Status        TaskStatus   `json:"status"`
	AssignedTo    string       `json:"assigned_to,omitempty"`
	RetryCount    int          `json:"retry_count"`
	LastAttemptAt *time.Time   `json:"last_attempt_at,omitempty"`
	PausedReason  string       `json:"paused_reason,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	ErrorHistory  []ErrorEntry `json:"error_history,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	CancelledAt   *time.Time   `json:"cancelled_at,omitempty"`
}

// TaskCounts groups queue totals by status
type TaskCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Paused     int `json:"paused"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// ByStatus returns the count for one status.
func (c TaskCounts) ByStatus(status TaskStatus) int {
	switch status {
	case StatusPending:
		return c.Pending
	case StatusInProgress:
		return c.InProgress
	case StatusPaused:
		return c.Paused
	case StatusCompleted:
		return c.Completed
	case StatusFailed:
		return c.Failed
	case StatusCancelled:
		return c.Cancelled
	}
	return 0
}

// AsMap renders counts keyed by status string.
func (c TaskCounts) AsMap() map[string]int {
	return map[string]int{
		string(StatusPending):    c.Pending,
		string(StatusInProgress): c.InProgress,
		string(StatusPaused):     c.Paused,
		string(StatusCompleted):  c.Completed,
		string(StatusFailed):     c.Failed,
		string(StatusCancelled):  c.Cancelled,
	}
}

// TaskHistoryEntry is one status transition recorded by the store
type TaskHistoryEntry struct {
	ID         int64      `json:"id"`
	TaskID     string     `json:"task_id"`
	FromStatus TaskStatus `json:"from_status"`
	ToStatus   TaskStatus `json:"to_status"`
	Note       string     `json:"note,omitempty"`
	ChangedAt  time.Time  `json:"changed_at"`
}

// UsageLimitState is one row of the append-only limit log; the most recent
// row wins.
type UsageLimitState struct {
	ID               int64      `json:"id"`
	IsLimited        bool       `json:"is_limited"`
	PausedAt         *time.Time `json:"paused_at,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	RetryCount       int        `json:"retry_count"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// NewTask builds a pending task around a store-minted id.
func NewTask(id, title, description string) *Task {
	now := time.Now()
	return &Task{
		ID:          id,
		Title:       title,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CanTransition reports whether the status graph allows from→to.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the task to a new status or returns a conflict.
func (t *Task) TransitionTo(newStatus TaskStatus) error {
	if !CanTransition(t.Status, newStatus) {
		return fmt.Errorf("%w: cannot transition %s from %s to %s", ErrConflict, t.ID, t.Status, newStatus)
	}
	t.Status = newStatus
	t.UpdatedAt = time.Now()
	return nil
}

// IsTerminal reports whether no further transitions are possible. Failed and
// cancelled tasks can still be retried, so only completed is terminal.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Deliverables != nil {
		cp.Deliverables = append([]string(nil), t.Deliverables...)
	}
	if t.ErrorHistory != nil {
		cp.ErrorHistory = append([]ErrorEntry(nil), t.ErrorHistory...)
	}
	if t.LastAttemptAt != nil {
		at := *t.LastAttemptAt
		cp.LastAttemptAt = &at
	}
	if t.CancelledAt != nil {
		at := *t.CancelledAt
		cp.CancelledAt = &at
	}
	return &cp
}

var projectNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateProjectName enforces the slug rules for workspace directories.
func ValidateProjectName(name string) error {
	if name == "" {
		return nil
	}
	if len(name) > 30 {
		return fmt.Errorf("project name exceeds 30 characters")
	}
	if !projectNameRe.MatchString(name) {
		return fmt.Errorf("project name must match [a-zA-Z0-9_-]+")
	}
	return nil
}
