package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AGENTMUX/internal/tasks"
)

const counterKey = "task_id_counter"

// SQLiteStore implements tasks.Store on a single SQLite file. WAL mode and
// a busy timeout let the scheduler, dispatcher, and HTTP handlers write
// concurrently without lock errors.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// New creates a store for the given database file. Call Initialize before use.
func New(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

// Initialize opens the database and creates the schema.
func (s *SQLiteStore) Initialize() error {
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", s.path))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	s.db = db

	if err := s.createSchema(); err != nil {
		db.Close()
		s.db = nil
		return err
	}

	log.Printf("[STORE] SQLite store ready at %s", s.path)
	return nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		project_name TEXT,
		deliverables TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		assigned_to TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMP,
		paused_reason TEXT,
		failure_reason TEXT,
		error_history TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		cancelled_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

	CREATE TABLE IF NOT EXISTS task_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		note TEXT,
		changed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_history_changed_at ON task_history(changed_at);

	CREATE TABLE IF NOT EXISTS usage_limit_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		is_limited INTEGER NOT NULL DEFAULT 0,
		paused_at TIMESTAMP,
		next_retry_at TIMESTAMP,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error_message TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Older databases predate the cancelled_at column; the error is
	// harmless when the column already exists.
	s.db.Exec(`ALTER TABLE tasks ADD COLUMN cancelled_at TIMESTAMP`)

	return nil
}

// HealthCheck runs a trivial query to confirm the database answers.
func (s *SQLiteStore) HealthCheck() error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	var one int
	if err := s.db.QueryRow("SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}
	return nil
}

// Disconnect closes the database.
func (s *SQLiteStore) Disconnect() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// GetAllTasks returns every task, newest first.
func (s *SQLiteStore) GetAllTasks() ([]*tasks.Task, error) {
	rows, err := s.db.Query(selectTaskColumns + ` FROM tasks ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTaskByID returns one task or tasks.ErrNotFound.
func (s *SQLiteStore) GetTaskByID(id string) (*tasks.Task, error) {
	row := s.db.QueryRow(selectTaskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	return task, err
}

// GetTasksByStatus returns tasks in one status, oldest first so the
// dispatcher picks up the longest-waiting pending task.
func (s *SQLiteStore) GetTasksByStatus(status tasks.TaskStatus) ([]*tasks.Task, error) {
	rows, err := s.db.Query(selectTaskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTaskCounts returns queue totals grouped by status.
func (s *SQLiteStore) GetTaskCounts() (tasks.TaskCounts, error) {
	var counts tasks.TaskCounts
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		switch tasks.TaskStatus(status) {
		case tasks.StatusPending:
			counts.Pending = n
		case tasks.StatusInProgress:
			counts.InProgress = n
		case tasks.StatusPaused:
			counts.Paused = n
		case tasks.StatusCompleted:
			counts.Completed = n
		case tasks.StatusFailed:
			counts.Failed = n
		case tasks.StatusCancelled:
			counts.Cancelled = n
		}
		counts.Total += n
	}
	return counts, rows.Err()
}

// CreateTask mints a sequential id and inserts a pending task.
func (s *SQLiteStore) CreateTask(title, description string) (*tasks.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := incrementCounterTx(tx)
	if err != nil {
		return nil, err
	}
	task := tasks.NewTask(fmt.Sprintf("task-%d", n), title, description)

	if err := upsertTaskTx(tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit task creation: %w", err)
	}
	return task, nil
}

// UpdateTask upserts the full row and records a history entry when the
// status changed.
func (s *SQLiteStore) UpdateTask(task *tasks.Task) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var oldStatus sql.NullString
	err = tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, task.ID).Scan(&oldStatus)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read previous status: %w", err)
	}

	task.UpdatedAt = time.Now()
	if err := upsertTaskTx(tx, task); err != nil {
		return err
	}
	if oldStatus.Valid && oldStatus.String != string(task.Status) {
		if err := recordHistoryTx(tx, task.ID, tasks.TaskStatus(oldStatus.String), task.Status, ""); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteTask removes the task and its history.
func (s *SQLiteStore) DeleteTask(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	if _, err := tx.Exec(`DELETE FROM task_history WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task history: %w", err)
	}
	return tx.Commit()
}

// MarkTaskAsFailed transitions a task to failed and appends to its error
// history.
func (s *SQLiteStore) MarkTaskAsFailed(id, reason string) (*tasks.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := getTaskTx(tx, id)
	if err != nil {
		return nil, err
	}
	from := task.Status
	if !tasks.CanTransition(from, tasks.StatusFailed) {
		return nil, fmt.Errorf("%w: cannot fail task %s in status %s", tasks.ErrConflict, id, from)
	}

	now := time.Now()
	task.Status = tasks.StatusFailed
	task.FailureReason = reason
	task.ErrorHistory = append(task.ErrorHistory, tasks.ErrorEntry{
		Timestamp:  now,
		Reason:     reason,
		RetryCount: task.RetryCount,
	})
	task.UpdatedAt = now

	if err := upsertTaskTx(tx, task); err != nil {
		return nil, err
	}
	if err := recordHistoryTx(tx, id, from, tasks.StatusFailed, reason); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit failure: %w", err)
	}
	return task, nil
}

// RetryTask resets a failed or cancelled task to pending. The error history
// survives; assignment, failure reason, and last attempt are cleared.
func (s *SQLiteStore) RetryTask(id string) (*tasks.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := getTaskTx(tx, id)
	if err != nil {
		return nil, err
	}
	from := task.Status
	if from != tasks.StatusFailed && from != tasks.StatusCancelled {
		return nil, fmt.Errorf("%w: cannot retry task %s in status %s", tasks.ErrConflict, id, from)
	}

	task.Status = tasks.StatusPending
	task.RetryCount++
	task.AssignedTo = ""
	task.FailureReason = ""
	task.PausedReason = ""
	task.LastAttemptAt = nil
	task.CancelledAt = nil
	task.UpdatedAt = time.Now()

	if err := upsertTaskTx(tx, task); err != nil {
		return nil, err
	}
	if err := recordHistoryTx(tx, id, from, tasks.StatusPending, fmt.Sprintf("retry #%d", task.RetryCount)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit retry: %w", err)
	}
	return task, nil
}

// CloneTaskAsNew closes out a failed task as completed and creates a fresh
// pending task with the same title and description.
func (s *SQLiteStore) CloneTaskAsNew(id string) (*tasks.Task, *tasks.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	source, err := getTaskTx(tx, id)
	if err != nil {
		return nil, nil, err
	}
	if source.Status != tasks.StatusFailed {
		return nil, nil, fmt.Errorf("%w: cannot clone task %s in status %s", tasks.ErrConflict, id, source.Status)
	}

	n, err := incrementCounterTx(tx)
	if err != nil {
		return nil, nil, err
	}
	clone := tasks.NewTask(fmt.Sprintf("task-%d", n), source.Title, source.Description)

	source.Status = tasks.StatusCompleted
	source.UpdatedAt = time.Now()

	if err := upsertTaskTx(tx, source); err != nil {
		return nil, nil, err
	}
	if err := upsertTaskTx(tx, clone); err != nil {
		return nil, nil, err
	}
	if err := recordHistoryTx(tx, id, tasks.StatusFailed, tasks.StatusCompleted, fmt.Sprintf("cloned as %s", clone.ID)); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit clone: %w", err)
	}
	return source, clone, nil
}

// PauseInProgress moves every in_progress task to paused in one transaction,
// keeping assignments so resume can target the same agents.
func (s *SQLiteStore) PauseInProgress(reason string) ([]*tasks.Task, error) {
	return s.bulkTransition(tasks.StatusInProgress, tasks.StatusPaused, reason, func(t *tasks.Task) {
		t.PausedReason = reason
	})
}

// ResumePaused moves every paused task back to in_progress, clearing the
// pause reason and retaining assignments.
func (s *SQLiteStore) ResumePaused() ([]*tasks.Task, error) {
	return s.bulkTransition(tasks.StatusPaused, tasks.StatusInProgress, "resumed", func(t *tasks.Task) {
		t.PausedReason = ""
	})
}

// ResetInProgress returns every in_progress task to pending. Emergency stop
// keeps assignments as context; session reset clears them.
func (s *SQLiteStore) ResetInProgress(clearAssignment bool) ([]*tasks.Task, error) {
	note := "reset to pending"
	return s.bulkTransition(tasks.StatusInProgress, tasks.StatusPending, note, func(t *tasks.Task) {
		if clearAssignment {
			t.AssignedTo = ""
		}
	})
}

func (s *SQLiteStore) bulkTransition(from, to tasks.TaskStatus, note string, mutate func(*tasks.Task)) ([]*tasks.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(selectTaskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`, string(from))
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks for bulk transition: %w", err)
	}
	moved, err := scanTasks(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, task := range moved {
		task.Status = to
		task.UpdatedAt = now
		if mutate != nil {
			mutate(task)
		}
		if err := upsertTaskTx(tx, task); err != nil {
			return nil, err
		}
		if err := recordHistoryTx(tx, task.ID, from, to, note); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit bulk transition: %w", err)
	}
	return moved, nil
}

// GetUsageLimitState returns the most recent limit row, or nil when the log
// is empty.
func (s *SQLiteStore) GetUsageLimitState() (*tasks.UsageLimitState, error) {
	row := s.db.QueryRow(`SELECT id, is_limited, paused_at, next_retry_at, retry_count, last_error_message, created_at
		FROM usage_limit_states ORDER BY id DESC LIMIT 1`)

	var state tasks.UsageLimitState
	var pausedAt, nextRetryAt sql.NullTime
	var lastError sql.NullString
	err := row.Scan(&state.ID, &state.IsLimited, &pausedAt, &nextRetryAt, &state.RetryCount, &lastError, &state.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read usage limit state: %w", err)
	}
	if pausedAt.Valid {
		state.PausedAt = &pausedAt.Time
	}
	if nextRetryAt.Valid {
		state.NextRetryAt = &nextRetryAt.Time
	}
	if lastError.Valid {
		state.LastErrorMessage = lastError.String
	}
	return &state, nil
}

// SaveUsageLimitState appends a new row to the limit log.
func (s *SQLiteStore) SaveUsageLimitState(state *tasks.UsageLimitState) error {
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO usage_limit_states (is_limited, paused_at, next_retry_at, retry_count, last_error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		state.IsLimited, nullTime(state.PausedAt), nullTime(state.NextRetryAt), state.RetryCount,
		nullString(state.LastErrorMessage), state.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save usage limit state: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		state.ID = id
	}
	return nil
}

// ClearUsageLimitState appends a non-limited row so the log keeps the full
// pause/resume sequence.
func (s *SQLiteStore) ClearUsageLimitState() error {
	return s.SaveUsageLimitState(&tasks.UsageLimitState{IsLimited: false})
}

// GetSetting returns the value for a key, or empty string when unset.
func (s *SQLiteStore) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a key/value pair.
func (s *SQLiteStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO app_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// IncrementTaskIDCounter bumps the persistent id counter and returns the new
// value.
func (s *SQLiteStore) IncrementTaskIDCounter() (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := incrementCounterTx(tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit counter: %w", err)
	}
	return n, nil
}

// RecordTaskHistory appends a transition row.
func (s *SQLiteStore) RecordTaskHistory(taskID string, from, to tasks.TaskStatus, note string) error {
	_, err := s.db.Exec(`INSERT INTO task_history (task_id, from_status, to_status, note, changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, string(from), string(to), nullString(note), time.Now())
	if err != nil {
		return fmt.Errorf("failed to record task history: %w", err)
	}
	return nil
}

// GetTaskHistory returns a task's transitions, oldest first.
func (s *SQLiteStore) GetTaskHistory(taskID string) ([]tasks.TaskHistoryEntry, error) {
	rows, err := s.db.Query(`SELECT id, task_id, from_status, to_status, note, changed_at
		FROM task_history WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

// GetTransitionsSince returns every transition after a point in time, used
// for completion-trend metrics.
func (s *SQLiteStore) GetTransitionsSince(since time.Time) ([]tasks.TaskHistoryEntry, error) {
	rows, err := s.db.Query(`SELECT id, task_id, from_status, to_status, note, changed_at
		FROM task_history WHERE changed_at >= ? ORDER BY changed_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

const selectTaskColumns = `SELECT id, title, description, project_name, deliverables, status, assigned_to,
	retry_count, last_attempt_at, paused_reason, failure_reason, error_history, created_at, updated_at, cancelled_at`

func upsertTaskTx(tx *sql.Tx, task *tasks.Task) error {
	deliverables, err := marshalStrings(task.Deliverables)
	if err != nil {
		return fmt.Errorf("failed to encode deliverables: %w", err)
	}
	history, err := marshalHistory(task.ErrorHistory)
	if err != nil {
		return fmt.Errorf("failed to encode error history: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO tasks (id, title, description, project_name, deliverables, status, assigned_to,
		retry_count, last_attempt_at, paused_reason, failure_reason, error_history, created_at, updated_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			project_name = excluded.project_name,
			deliverables = excluded.deliverables,
			status = excluded.status,
			assigned_to = excluded.assigned_to,
			retry_count = excluded.retry_count,
			last_attempt_at = excluded.last_attempt_at,
			paused_reason = excluded.paused_reason,
			failure_reason = excluded.failure_reason,
			error_history = excluded.error_history,
			updated_at = excluded.updated_at,
			cancelled_at = excluded.cancelled_at`,
		task.ID, task.Title, nullString(task.Description), nullString(task.ProjectName), deliverables,
		string(task.Status), nullString(task.AssignedTo), task.RetryCount, nullTime(task.LastAttemptAt),
		nullString(task.PausedReason), nullString(task.FailureReason), history,
		task.CreatedAt, task.UpdatedAt, nullTime(task.CancelledAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}
	return nil
}

func getTaskTx(tx *sql.Tx, id string) (*tasks.Task, error) {
	row := tx.QueryRow(selectTaskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	return task, err
}

func recordHistoryTx(tx *sql.Tx, taskID string, from, to tasks.TaskStatus, note string) error {
	_, err := tx.Exec(`INSERT INTO task_history (task_id, from_status, to_status, note, changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, string(from), string(to), nullString(note), time.Now())
	if err != nil {
		return fmt.Errorf("failed to record task history: %w", err)
	}
	return nil
}

func incrementCounterTx(tx *sql.Tx) (int64, error) {
	var raw sql.NullString
	err := tx.QueryRow(`SELECT value FROM app_settings WHERE key = ?`, counterKey).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read task counter: %w", err)
	}

	var n int64
	if raw.Valid {
		n, err = strconv.ParseInt(raw.String, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("task counter corrupted: %w", err)
		}
	}
	n++

	_, err = tx.Exec(`INSERT INTO app_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		counterKey, strconv.FormatInt(n, 10), time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to write task counter: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*tasks.Task, error) {
	var task tasks.Task
	var description, projectName, deliverables, assignedTo, pausedReason, failureReason, errorHistory sql.NullString
	var lastAttemptAt, cancelledAt sql.NullTime
	var status string

	err := row.Scan(&task.ID, &task.Title, &description, &projectName, &deliverables, &status, &assignedTo,
		&task.RetryCount, &lastAttemptAt, &pausedReason, &failureReason, &errorHistory,
		&task.CreatedAt, &task.UpdatedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}

	task.Status = tasks.TaskStatus(status)
	task.Description = description.String
	task.ProjectName = projectName.String
	task.AssignedTo = assignedTo.String
	task.PausedReason = pausedReason.String
	task.FailureReason = failureReason.String
	if lastAttemptAt.Valid {
		task.LastAttemptAt = &lastAttemptAt.Time
	}
	if cancelledAt.Valid {
		task.CancelledAt = &cancelledAt.Time
	}
	if deliverables.Valid && deliverables.String != "" {
		if err := json.Unmarshal([]byte(deliverables.String), &task.Deliverables); err != nil {
			log.Printf("[STORE] Warning: malformed deliverables for %s: %v", task.ID, err)
		}
	}
	if errorHistory.Valid && errorHistory.String != "" {
		if err := json.Unmarshal([]byte(errorHistory.String), &task.ErrorHistory); err != nil {
			log.Printf("[STORE] Warning: malformed error history for %s: %v", task.ID, err)
		}
	}
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*tasks.Task, error) {
	var result []*tasks.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func scanHistory(rows *sql.Rows) ([]tasks.TaskHistoryEntry, error) {
	var result []tasks.TaskHistoryEntry
	for rows.Next() {
		var entry tasks.TaskHistoryEntry
		var from, to string
		var note sql.NullString
		if err := rows.Scan(&entry.ID, &entry.TaskID, &from, &to, &note, &entry.ChangedAt); err != nil {
			return nil, err
		}
		entry.FromStatus = tasks.TaskStatus(from)
		entry.ToStatus = tasks.TaskStatus(to)
		entry.Note = note.String
		result = append(result, entry)
	}
	return result, rows.Err()
}

func marshalStrings(values []string) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func marshalHistory(entries []tasks.ErrorEntry) (sql.NullString, error) {
	if len(entries) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
