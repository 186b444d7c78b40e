package tasks

import "time"

// Store is the persistence facade the queue service, dispatcher, and
// usage-limit coordinator talk to. Implementations must keep multi-row
// writes transactional and survive concurrent callers.
type Store interface {
	// Lifecycle
	Initialize() error
	HealthCheck() error
	Disconnect() error

	// Task reads
	GetAllTasks() ([]*Task, error)
	GetTaskByID(id string) (*Task, error)
	GetTasksByStatus(status TaskStatus) ([]*Task, error)
	GetTaskCounts() (TaskCounts, error)

	// Task writes. CreateTask mints the id from the persistent counter.
	CreateTask(title, description string) (*Task, error)
	UpdateTask(task *Task) error
	DeleteTask(id string) error

	// Composite mutations. Each validates the source status and returns
	// ErrConflict when the operation does not apply.
	MarkTaskAsFailed(id, reason string) (*Task, error)
	RetryTask(id string) (*Task, error)
	CloneTaskAsNew(id string) (source *Task, clone *Task, err error)

	// Bulk transitions used by the usage-limit coordinator and the
	// emergency-stop protocol. All rows move in one transaction.
	PauseInProgress(reason string) ([]*Task, error)
	ResumePaused() ([]*Task, error)
	ResetInProgress(clearAssignment bool) ([]*Task, error)

	// Usage-limit log. Append-only; the newest row wins.
	GetUsageLimitState() (*UsageLimitState, error)
	SaveUsageLimitState(state *UsageLimitState) error
	ClearUsageLimitState() error

	// Settings and counters
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	IncrementTaskIDCounter() (int64, error)

	// Transition history
	RecordTaskHistory(taskID string, from, to TaskStatus, note string) error
	GetTaskHistory(taskID string) ([]TaskHistoryEntry, error)
	GetTransitionsSince(since time.Time) ([]TaskHistoryEntry, error)
}
