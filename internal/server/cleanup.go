package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/AGENTMUX/internal/agents"
	"github.com/AGENTMUX/internal/events"
	"github.com/AGENTMUX/internal/health"
	"github.com/AGENTMUX/internal/monitor"
	"github.com/AGENTMUX/internal/tasks"
	"github.com/AGENTMUX/internal/tmux"
	"github.com/AGENTMUX/internal/types"
	"github.com/AGENTMUX/internal/workspace"
)

// PaneOps is the tmux surface the server layer needs; *tmux.Ops satisfies it.
type PaneOps interface {
	ListSessions(ctx context.Context) ([]string, error)
	Capture(ctx context.Context, target string, lines int) (string, error)
	Send(ctx context.Context, target string, keys ...string) error
	SendInterrupt(ctx context.Context, target string) error
	SelectPane(ctx context.Context, target string) error
	KillServer(ctx context.Context) error
}

const (
	projectStartSettle      = time.Second
	projectCompletionSettle = 2 * time.Second
)

// CleanupService runs the terminal cleanup protocols: project start, project
// completion, emergency stop, and session reset. Task completion needs no
// terminal work and is handled inline by its callers.
type CleanupService struct {
	panes      PaneOps
	tasks      *tasks.Service
	cache      *agents.StatusCache
	workspace  *workspace.Manager
	supervisor *health.Supervisor
	detector   *monitor.Detector
	mon        *monitor.Monitor
	bus        *events.Bus
	roster     []types.AgentConfig

	startSettle      time.Duration
	completionSettle time.Duration

	mu sync.Mutex // protocols are serial; overlapping requests queue here
}

func NewCleanupService(panes PaneOps, taskSvc *tasks.Service, cache *agents.StatusCache,
	ws *workspace.Manager, supervisor *health.Supervisor, detector *monitor.Detector,
	mon *monitor.Monitor, bus *events.Bus, roster []types.AgentConfig) *CleanupService {
	return &CleanupService{
		panes:            panes,
		tasks:            taskSvc,
		cache:            cache,
		workspace:        ws,
		supervisor:       supervisor,
		detector:         detector,
		mon:              mon,
		bus:              bus,
		roster:           roster,
		startSettle:      projectStartSettle,
		completionSettle: projectCompletionSettle,
	}
}

// ProjectStart clears every agent pane in parallel so a fresh task starts
// from a clean prompt. One aggregate settle covers the fan-out.
func (c *CleanupService) ProjectStart(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(c.roster))
	for _, agent := range c.roster {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			if err := c.clearPane(ctx, target); err != nil {
				errCh <- err
			}
		}(agent.Target)
	}
	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if first == nil {
			first = err
		}
	}
	time.Sleep(c.startSettle)
	if first != nil {
		return fmt.Errorf("project start cleanup: %w", first)
	}
	log.Printf("[CLEANUP] Project start: cleared %d panes", len(c.roster))
	return nil
}

// ProjectCompletion clears panes serially with a per-pane settle, then
// sweeps the shared tmp directory. Always emits project-completion-cleanup.
func (c *CleanupService) ProjectCompletion(ctx context.Context, projectName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []string
	touched := 0
	for _, agent := range c.roster {
		if err := c.clearPane(ctx, agent.Target); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", agent.Name, err))
			continue
		}
		touched++
		time.Sleep(c.completionSettle)
	}

	if err := c.workspace.ClearTmp(); err != nil {
		errs = append(errs, fmt.Sprintf("tmp: %v", err))
	}

	log.Printf("[CLEANUP] Project completion for %q: %d panes cleared, %d errors",
		projectName, touched, len(errs))
	c.bus.Emit(events.EventProjectCompletionCleanup, "cleanup", &events.CleanupPayload{
		Protocol:     "project-completion",
		PanesTouched: touched,
		Errors:       errs,
	})
}

// EmergencyStop interrupts every pane, drains paused work, and returns all
// in-progress tasks to pending with their context preserved. Auto-recovery
// stays suppressed until an operator request or session reset.
func (c *CleanupService) EmergencyStop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []string
	touched := 0
	for _, agent := range c.roster {
		if err := c.panes.SendInterrupt(ctx, agent.Target); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", agent.Name, err))
			continue
		}
		touched++
	}

	// Paused tasks flow back through in_progress so the reset below leaves
	// everything pending.
	if _, err := c.tasks.ResumeAllPaused(); err != nil {
		errs = append(errs, fmt.Sprintf("resume paused: %v", err))
	}
	reset, err := c.tasks.ResetAllInProgress(false)
	if err != nil {
		errs = append(errs, fmt.Sprintf("reset in-progress: %v", err))
	}

	c.cache.Clear()
	c.supervisor.SuppressRestarts()
	c.detector.ResetBaselines()

	log.Printf("[CLEANUP] Emergency stop: %d panes interrupted, %d tasks reset", touched, len(reset))
	c.bus.Emit(events.EventEmergencyStopCompleted, "cleanup", &events.CleanupPayload{
		Protocol:     "emergency-stop",
		PanesTouched: touched,
		TasksReset:   len(reset),
		Errors:       errs,
	})
	if len(errs) > 0 {
		return fmt.Errorf("emergency stop finished with %d error(s): %s", len(errs), errs[0])
	}
	return nil
}

// SessionReset tears the tmux server down and rebuilds the session layout.
// In-progress tasks go back to pending with assignment cleared.
func (c *CleanupService) SessionReset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []string
	if err := c.panes.KillServer(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("kill server: %v", err))
	}
	if err := c.workspace.ClearTmp(); err != nil {
		errs = append(errs, fmt.Sprintf("tmp: %v", err))
	}

	created, err := c.supervisor.EnsureSessions(ctx)
	if err != nil {
		errs = append(errs, fmt.Sprintf("recreate sessions: %v", err))
	}

	c.cache.Clear()
	c.mon.ResetTracks()
	c.detector.ResetBaselines()
	c.supervisor.ClearSuppression()

	reset, err := c.tasks.ResetAllInProgress(true)
	if err != nil {
		errs = append(errs, fmt.Sprintf("reset in-progress: %v", err))
	}

	log.Printf("[CLEANUP] Session reset: recreated %v, %d tasks reset", created, len(reset))
	c.bus.Emit(events.EventSessionResetCompleted, "cleanup", &events.CleanupPayload{
		Protocol:     "session-reset",
		PanesTouched: len(c.roster),
		TasksReset:   len(reset),
		Errors:       errs,
	})
	if len(errs) > 0 {
		return fmt.Errorf("session reset finished with %d error(s): %s", len(errs), errs[0])
	}
	return nil
}

// clearPane runs the Escape + /clear + Enter sequence on one pane.
func (c *CleanupService) clearPane(ctx context.Context, target string) error {
	if err := c.panes.SelectPane(ctx, target); err != nil {
		return err
	}
	return c.panes.Send(ctx, target, tmux.KeyEscape, "/clear", tmux.KeyEnter)
}
