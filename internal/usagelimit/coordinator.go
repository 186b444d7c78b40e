package usagelimit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/AGENTMUX/internal/events"
	"github.com/AGENTMUX/internal/tasks"
	"github.com/AGENTMUX/internal/tmux"
)

// defaultBackoff is used when a limit message carries no parsable reset time.
const defaultBackoff = time.Hour

const nudgeMessage = "Usage limit cleared. Please check progress on the current task and continue."

// Coordinator pauses the queue when an agent reports an exhausted usage
// window and resumes it once the window resets. State lives in the store's
// append-only limit log so a restart picks up an active pause.
type Coordinator struct {
	store   tasks.Store
	service *tasks.Service
	bus     *events.Bus
	panes   tasks.PaneSender
	target  string
	kick    func()

	mu  sync.Mutex
	now func() time.Time
}

// New builds the coordinator. panes and target address the president's pane
// for the post-resume nudge; either may be zero in tests.
func New(store tasks.Store, service *tasks.Service, bus *events.Bus, panes tasks.PaneSender, presidentTarget string) *Coordinator {
	return &Coordinator{
		store:   store,
		service: service,
		bus:     bus,
		panes:   panes,
		target:  presidentTarget,
		now:     time.Now,
	}
}

// SetKick installs the dispatcher hook fired after a resume.
func (c *Coordinator) SetKick(fn func()) {
	c.kick = fn
}

// IsLimited reports whether a usage-limit pause is currently active.
func (c *Coordinator) IsLimited() bool {
	state, err := c.store.GetUsageLimitState()
	if err != nil {
		log.Printf("[LIMIT] Failed to read limit state: %v", err)
		return false
	}
	return state != nil && state.IsLimited
}

// Status returns the most recent limit row for the API, or nil when the log
// is empty.
func (c *Coordinator) Status() (*tasks.UsageLimitState, error) {
	return c.store.GetUsageLimitState()
}

// HandleLimitMessage is the monitor's callback when an agent's output matches
// the limit phrase set. Repeated reports while a pause is active are dropped.
func (c *Coordinator) HandleLimitMessage(agentName, message string) {
	if !IsLimitMessage(message) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.GetUsageLimitState()
	if err != nil {
		log.Printf("[LIMIT] Failed to read limit state: %v", err)
		return
	}
	if state != nil && state.IsLimited {
		return
	}

	now := c.now()
	nextRetry, ok := ParseResetTime(message, now)
	if !ok {
		nextRetry = now.Add(defaultBackoff)
	}
	retryCount := 1
	if state != nil {
		retryCount = state.RetryCount + 1
	}

	newState := &tasks.UsageLimitState{
		IsLimited:        true,
		PausedAt:         &now,
		NextRetryAt:      &nextRetry,
		RetryCount:       retryCount,
		LastErrorMessage: message,
		CreatedAt:        now,
	}
	if err := c.store.SaveUsageLimitState(newState); err != nil {
		log.Printf("[LIMIT] Failed to persist limit state: %v", err)
		return
	}

	reason := fmt.Sprintf("Usage limit reached: retry at %s", nextRetry.Format("15:04"))
	paused, err := c.service.PauseAllInProgress(reason)
	if err != nil {
		log.Printf("[LIMIT] Failed to pause tasks: %v", err)
	}

	log.Printf("[LIMIT] Usage limit reported by %s; paused %d task(s), retry at %s",
		agentName, len(paused), nextRetry.Format(time.RFC3339))
	if c.bus != nil {
		c.bus.Emit(events.EventUsageLimitReached, "limit", events.UsageLimitPayload{
			IsLimited:   true,
			NextRetryAt: &nextRetry,
			Message:     message,
			PausedTasks: len(paused),
		})
	}
}

// TryResolve is the dispatcher's gate: it reports whether the limit has
// lifted, resolving it as a side effect once nextRetryAt has passed.
func (c *Coordinator) TryResolve(ctx context.Context) bool {
	return c.CheckResolution(ctx)
}

// CheckResolution is the periodic resolution pass. It returns true when no
// limit is active (including the pass that just cleared one).
func (c *Coordinator) CheckResolution(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.GetUsageLimitState()
	if err != nil {
		log.Printf("[LIMIT] Failed to read limit state: %v", err)
		return false
	}
	if state == nil || !state.IsLimited {
		return true
	}
	if state.NextRetryAt != nil && c.now().Before(*state.NextRetryAt) {
		return false
	}

	if !c.resumeLocked(ctx, state) {
		return false
	}
	if c.bus != nil {
		c.bus.Emit(events.EventUsageLimitCleared, "limit", events.UsageLimitPayload{
			IsLimited:   false,
			NextRetryAt: state.NextRetryAt,
		})
	}
	return true
}

// ResumeNow lifts an active pause on operator request without waiting for
// the reset time.
func (c *Coordinator) ResumeNow(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.GetUsageLimitState()
	if err != nil {
		return fmt.Errorf("failed to read limit state: %w", err)
	}
	if state == nil || !state.IsLimited {
		return nil
	}
	if !c.resumeLocked(ctx, state) {
		return fmt.Errorf("failed to resume paused tasks")
	}
	if c.bus != nil {
		c.bus.Emit(events.EventUsageLimitResolved, "limit", events.UsageLimitPayload{IsLimited: false})
	}
	return nil
}

// resumeLocked clears the pause, carrying the window count forward so the
// next limit row keeps incrementing retryCount. Each caller emits its own
// terminal tag, so one limit window yields exactly one cleared or resolved.
func (c *Coordinator) resumeLocked(ctx context.Context, prev *tasks.UsageLimitState) bool {
	cleared := &tasks.UsageLimitState{IsLimited: false, RetryCount: prev.RetryCount}
	if err := c.store.SaveUsageLimitState(cleared); err != nil {
		log.Printf("[LIMIT] Failed to clear limit state: %v", err)
		return false
	}

	resumed, err := c.service.ResumeAllPaused()
	if err != nil {
		log.Printf("[LIMIT] Failed to resume paused tasks: %v", err)
	}
	log.Printf("[LIMIT] Usage limit cleared; resumed %d task(s)", len(resumed))

	if c.bus != nil && len(resumed) > 0 {
		c.bus.Emit(events.EventPausedTasksResumed, "limit", events.UsageLimitPayload{
			IsLimited:    false,
			ResumedTasks: len(resumed),
		})
	}

	c.nudgePresident(ctx)
	if c.kick != nil {
		c.kick()
	}
	return true
}

// nudgePresident asks the president to pick the paused work back up.
func (c *Coordinator) nudgePresident(ctx context.Context) {
	if c.panes == nil || c.target == "" {
		return
	}
	if err := c.panes.Send(ctx, c.target, nudgeMessage, tmux.KeyEnter); err != nil {
		log.Printf("[LIMIT] Failed to nudge president: %v", err)
	}
}
