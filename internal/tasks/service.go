package tasks

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/AGENTMUX/internal/events"
)

// PaneInterrupter sends Ctrl+C to a pane. Implemented by tmux.Ops.
type PaneInterrupter interface {
	SendInterrupt(ctx context.Context, target string) error
}

// WorkingStateClearer resets an agent's visible working state after its task
// ends. Implemented by agents.StatusCache.
type WorkingStateClearer interface {
	ClearWorkingState(name string)
}

// ProjectRemover deletes a project's workspace directory. Implemented by
// workspace.Manager.
type ProjectRemover interface {
	RemoveProject(name string) error
}

// ServiceDeps wires the queue service into the rest of the system. Store and
// Bus are required; everything else is optional and skipped when nil.
type ServiceDeps struct {
	Store     Store
	Bus       *events.Bus
	Panes     PaneInterrupter
	Agents    WorkingStateClearer
	Projects  ProjectRemover
	TargetFor func(agentName string) (string, bool)
}

// Service owns the task queue: persisted tasks plus an in-memory cache
// refreshed on every mutation and on a periodic timer.
type Service struct {
	store     Store
	bus       *events.Bus
	panes     PaneInterrupter
	agents    WorkingStateClearer
	projects  ProjectRemover
	targetFor func(agentName string) (string, bool)
	kick      func()

	mu      sync.RWMutex
	ordered []*Task
	byID    map[string]*Task
}

// NewService builds the queue service and primes the cache from the store.
func NewService(deps ServiceDeps) *Service {
	s := &Service{
		store:     deps.Store,
		bus:       deps.Bus,
		panes:     deps.Panes,
		agents:    deps.Agents,
		projects:  deps.Projects,
		targetFor: deps.TargetFor,
		byID:      make(map[string]*Task),
	}
	if err := s.RefreshCache(); err != nil {
		log.Printf("[TASKS] Warning: initial cache load failed: %v", err)
	}
	return s
}

// SetKick installs the dispatcher hook invoked whenever a mutation frees the
// queue up for a new assignment. Wired once during boot.
func (s *Service) SetKick(fn func()) {
	s.kick = fn
}

func (s *Service) kickDispatch() {
	if s.kick != nil {
		s.kick()
	}
}

// RefreshCache reloads the in-memory task cache from the store.
func (s *Service) RefreshCache() error {
	all, err := s.store.GetAllTasks()
	if err != nil {
		return fmt.Errorf("failed to refresh task cache: %w", err)
	}
	byID := make(map[string]*Task, len(all))
	for _, task := range all {
		byID[task.ID] = task
	}
	s.mu.Lock()
	s.ordered = all
	s.byID = byID
	s.mu.Unlock()
	return nil
}

// List returns every cached task, newest first.
func (s *Service) List() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Task, len(s.ordered))
	for i, task := range s.ordered {
		result[i] = task.Clone()
	}
	return result
}

// Get returns one task by id, falling back to the store when the cache has
// not caught up yet.
func (s *Service) Get(id string) (*Task, error) {
	s.mu.RLock()
	cached, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}
	return s.store.GetTaskByID(id)
}

// Counts returns queue totals by status.
func (s *Service) Counts() (TaskCounts, error) {
	return s.store.GetTaskCounts()
}

// ListByStatus returns tasks in one status from the store, oldest first.
func (s *Service) ListByStatus(status TaskStatus) ([]*Task, error) {
	return s.store.GetTasksByStatus(status)
}

// NextPending returns the oldest pending task, or nil when the queue is
// drained.
func (s *Service) NextPending() (*Task, error) {
	pending, err := s.store.GetTasksByStatus(StatusPending)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	return pending[0], nil
}

// Create validates and persists a new pending task.
func (s *Service) Create(title, description, projectName string, deliverables []string) (*Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("task title is required")
	}
	if err := ValidateProjectName(projectName); err != nil {
		return nil, err
	}

	task, err := s.store.CreateTask(title, strings.TrimSpace(description))
	if err != nil {
		return nil, err
	}
	if projectName != "" || len(deliverables) > 0 {
		task.ProjectName = projectName
		task.Deliverables = deliverables
		if err := s.store.UpdateTask(task); err != nil {
			return nil, err
		}
	}

	s.refreshAfterMutation()
	log.Printf("[TASKS] Created %s: %s", task.ID, task.Title)
	s.emitTaskEvent(events.EventTaskQueued, task, "")
	s.emitQueueUpdated()
	s.kickDispatch()
	return task, nil
}

// TaskPatch carries partial updates; nil fields are left untouched.
type TaskPatch struct {
	Title        *string     `json:"title,omitempty"`
	Description  *string     `json:"description,omitempty"`
	ProjectName  *string     `json:"project_name,omitempty"`
	Deliverables *[]string   `json:"deliverables,omitempty"`
	Status       *TaskStatus `json:"status,omitempty"`
	AssignedTo   *string     `json:"assigned_to,omitempty"`
}

// Update applies a patch. Status changes must follow the transition graph.
func (s *Service) Update(id string, patch TaskPatch) (*Task, error) {
	task, err := s.store.GetTaskByID(id)
	if err != nil {
		return nil, err
	}

	statusChanged := false
	if patch.Status != nil && *patch.Status != task.Status {
		if err := task.TransitionTo(*patch.Status); err != nil {
			return nil, err
		}
		statusChanged = true
		if task.Status == StatusCancelled {
			now := time.Now()
			task.CancelledAt = &now
		}
	}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, fmt.Errorf("task title is required")
		}
		task.Title = title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.ProjectName != nil {
		if err := ValidateProjectName(*patch.ProjectName); err != nil {
			return nil, err
		}
		task.ProjectName = *patch.ProjectName
	}
	if patch.Deliverables != nil {
		task.Deliverables = *patch.Deliverables
	}
	if patch.AssignedTo != nil {
		task.AssignedTo = *patch.AssignedTo
	}

	if err := s.store.UpdateTask(task); err != nil {
		return nil, err
	}
	s.refreshAfterMutation()

	if statusChanged {
		switch task.Status {
		case StatusCompleted:
			s.emitTaskEvent(events.EventTaskCompleted, task, "")
			s.clearAgentState(task)
			s.kickDispatch()
		case StatusFailed:
			s.emitTaskEvent(events.EventTaskFailed, task, task.FailureReason)
			s.clearAgentState(task)
			s.kickDispatch()
		case StatusCancelled:
			s.emitTaskEvent(events.EventTaskCancelled, task, "")
			s.clearAgentState(task)
			s.kickDispatch()
		}
	}
	s.emitQueueUpdated()
	return task, nil
}

// MarkAssigned transitions a task to in_progress under the given agent.
// Called by the dispatcher after the pane accepted the payload.
func (s *Service) MarkAssigned(id, agentName string) (*Task, error) {
	task, err := s.store.GetTaskByID(id)
	if err != nil {
		return nil, err
	}
	if err := task.TransitionTo(StatusInProgress); err != nil {
		return nil, err
	}
	now := time.Now()
	task.AssignedTo = agentName
	task.LastAttemptAt = &now
	if err := s.store.UpdateTask(task); err != nil {
		return nil, err
	}
	s.refreshAfterMutation()
	log.Printf("[TASKS] Assigned %s to %s", task.ID, agentName)
	s.emitTaskEvent(events.EventTaskAssigned, task, "")
	s.emitQueueUpdated()
	return task, nil
}

// MarkFailed transitions a task to failed and appends the reason to its
// error history.
func (s *Service) MarkFailed(id, reason string) (*Task, error) {
	task, err := s.store.MarkTaskAsFailed(id, reason)
	if err != nil {
		return nil, err
	}
	s.refreshAfterMutation()
	log.Printf("[TASKS] Failed %s: %s", task.ID, reason)
	s.emitTaskEvent(events.EventTaskFailed, task, reason)
	s.clearAgentState(task)
	s.emitQueueUpdated()
	s.kickDispatch()
	return task, nil
}

// Complete transitions a task to completed. Used for operator-driven
// completion; the detector uses CompleteDetected.
func (s *Service) Complete(id string) (*Task, error) {
	task, err := s.completeTask(id)
	if err != nil {
		return nil, err
	}
	s.emitTaskEvent(events.EventTaskCompleted, task, "")
	s.emitQueueUpdated()
	s.kickDispatch()
	return task, nil
}

// CompleteDetected transitions a task to completed on behalf of the
// completion detector and attaches the detection evidence to the event.
func (s *Service) CompleteDetected(id, detectedBy, excerpt string, elapsed time.Duration) (*Task, error) {
	task, err := s.completeTask(id)
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Emit(events.EventTaskCompleted, "tasks", events.CompletionPayload{
			TaskID:         task.ID,
			DetectedBy:     detectedBy,
			Excerpt:        excerpt,
			ElapsedMinutes: elapsed.Minutes(),
		})
	}
	s.emitQueueUpdated()
	s.kickDispatch()
	return task, nil
}

func (s *Service) completeTask(id string) (*Task, error) {
	task, err := s.store.GetTaskByID(id)
	if err != nil {
		return nil, err
	}
	if err := task.TransitionTo(StatusCompleted); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTask(task); err != nil {
		return nil, err
	}
	s.refreshAfterMutation()
	log.Printf("[TASKS] Completed %s", task.ID)
	s.clearAgentState(task)
	return task, nil
}

// Retry resets a failed or cancelled task to pending.
func (s *Service) Retry(id string) (*Task, error) {
	task, err := s.store.RetryTask(id)
	if err != nil {
		return nil, err
	}
	s.refreshAfterMutation()
	log.Printf("[TASKS] Retrying %s (attempt %d)", task.ID, task.RetryCount)
	s.emitTaskEvent(events.EventTaskRetried, task, "")
	s.emitQueueUpdated()
	s.kickDispatch()
	return task, nil
}

// CloneAsNew closes a failed task out as completed and queues a fresh copy.
func (s *Service) CloneAsNew(id string) (*Task, error) {
	source, clone, err := s.store.CloneTaskAsNew(id)
	if err != nil {
		return nil, err
	}
	s.refreshAfterMutation()
	log.Printf("[TASKS] Cloned %s as %s", source.ID, clone.ID)
	s.emitTaskEvent(events.EventTaskQueued, clone, "")
	s.emitQueueUpdated()
	s.kickDispatch()
	return clone, nil
}

// Delete removes a task that is neither in progress nor paused. A project
// workspace, when present, is removed best-effort.
func (s *Service) Delete(id string) error {
	task, err := s.store.GetTaskByID(id)
	if err != nil {
		return err
	}
	if task.Status == StatusInProgress || task.Status == StatusPaused {
		return fmt.Errorf("%w: cannot delete task %s in status %s", ErrConflict, id, task.Status)
	}
	if err := s.store.DeleteTask(id); err != nil {
		return err
	}
	if task.ProjectName != "" && s.projects != nil {
		if err := s.projects.RemoveProject(task.ProjectName); err != nil {
			log.Printf("[TASKS] Warning: failed to remove workspace %s: %v", task.ProjectName, err)
		}
	}
	s.refreshAfterMutation()
	log.Printf("[TASKS] Deleted %s", id)
	s.emitTaskEvent(events.EventTaskDeleted, task, "")
	s.emitQueueUpdated()
	return nil
}

// Cancel stops a pending, in-progress, or paused task. In-progress tasks get
// an interrupt sent to their assigned pane first.
func (s *Service) Cancel(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.GetTaskByID(id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(task.Status, StatusCancelled) {
		return nil, fmt.Errorf("%w: cannot cancel task %s in status %s", ErrConflict, id, task.Status)
	}

	if task.Status == StatusInProgress && task.AssignedTo != "" && s.panes != nil {
		target := task.AssignedTo
		if s.targetFor != nil {
			if resolved, ok := s.targetFor(task.AssignedTo); ok {
				target = resolved
			}
		}
		if err := s.panes.SendInterrupt(ctx, target); err != nil {
			log.Printf("[TASKS] Warning: interrupt for %s failed: %v", task.ID, err)
		}
	}

	now := time.Now()
	task.Status = StatusCancelled
	task.CancelledAt = &now
	task.UpdatedAt = now
	if err := s.store.UpdateTask(task); err != nil {
		return nil, err
	}
	s.refreshAfterMutation()
	log.Printf("[TASKS] Cancelled %s", task.ID)
	s.clearAgentState(task)
	s.emitTaskEvent(events.EventTaskCancelled, task, "")
	s.emitQueueUpdated()
	s.kickDispatch()
	return task, nil
}

// PauseAllInProgress parks every in-progress task with the given reason,
// keeping assignments so resume can continue where work stopped.
func (s *Service) PauseAllInProgress(reason string) ([]*Task, error) {
	paused, err := s.store.PauseInProgress(reason)
	if err != nil {
		return nil, err
	}
	if len(paused) > 0 {
		s.refreshAfterMutation()
		log.Printf("[TASKS] Paused %d in-progress task(s)", len(paused))
		s.emitQueueUpdated()
	}
	return paused, nil
}

// ResumeAllPaused restores every paused task to in_progress.
func (s *Service) ResumeAllPaused() ([]*Task, error) {
	resumed, err := s.store.ResumePaused()
	if err != nil {
		return nil, err
	}
	if len(resumed) > 0 {
		s.refreshAfterMutation()
		log.Printf("[TASKS] Resumed %d paused task(s)", len(resumed))
		s.emitQueueUpdated()
	}
	return resumed, nil
}

// ResetAllInProgress returns in-progress tasks to pending. Used by the
// emergency-stop and session-reset protocols.
func (s *Service) ResetAllInProgress(clearAssignment bool) ([]*Task, error) {
	moved, err := s.store.ResetInProgress(clearAssignment)
	if err != nil {
		return nil, err
	}
	if len(moved) > 0 {
		s.refreshAfterMutation()
		log.Printf("[TASKS] Reset %d in-progress task(s) to pending", len(moved))
		s.emitQueueUpdated()
	}
	return moved, nil
}

// History returns a task's transition log.
func (s *Service) History(id string) ([]TaskHistoryEntry, error) {
	if _, err := s.store.GetTaskByID(id); err != nil {
		return nil, err
	}
	return s.store.GetTaskHistory(id)
}

func (s *Service) refreshAfterMutation() {
	if err := s.RefreshCache(); err != nil {
		log.Printf("[TASKS] Warning: cache refresh failed: %v", err)
	}
}

func (s *Service) clearAgentState(task *Task) {
	if s.agents != nil && task.AssignedTo != "" {
		s.agents.ClearWorkingState(task.AssignedTo)
	}
}

func (s *Service) emitTaskEvent(eventType events.EventType, task *Task, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(eventType, "tasks", events.TaskPayload{
		TaskID:     task.ID,
		Title:      task.Title,
		Status:     string(task.Status),
		AssignedTo: task.AssignedTo,
		Reason:     reason,
		RetryCount: task.RetryCount,
	})
}

func (s *Service) emitQueueUpdated() {
	if s.bus == nil {
		return
	}
	counts, err := s.store.GetTaskCounts()
	if err != nil {
		log.Printf("[TASKS] Warning: failed to count tasks: %v", err)
		return
	}
	s.bus.Emit(events.EventTaskQueueUpdated, "tasks", events.QueuePayload{Counts: counts.AsMap()})
}
