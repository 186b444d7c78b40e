package tasks

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AGENTMUX/internal/tmux"
)

// PaneSender drives keystrokes into the president's pane. Implemented by
// tmux.Ops.
type PaneSender interface {
	Send(ctx context.Context, target string, keys ...string) error
	SelectPane(ctx context.Context, target string) error
}

// LimitGate lets the dispatcher consult the usage-limit coordinator before
// assigning work. Implemented by usagelimit.Coordinator.
type LimitGate interface {
	IsLimited() bool
	TryResolve(ctx context.Context) bool
}

// Dispatcher feeds pending tasks to the president agent, one at a time. It
// runs on a periodic tick and reactively via Kick whenever the queue frees
// up. Overlapping runs collapse into one.
type Dispatcher struct {
	service *Service
	panes   PaneSender
	gate    LimitGate
	target  string
	settle  time.Duration
	prepare func(ctx context.Context) error
	busy    atomic.Bool
}

// NewDispatcher builds a dispatcher for the given president pane target.
func NewDispatcher(service *Service, panes PaneSender, gate LimitGate, target string) *Dispatcher {
	return &Dispatcher{
		service: service,
		panes:   panes,
		gate:    gate,
		target:  target,
		settle:  time.Second,
	}
}

// SetSettle overrides the pause between clearing the session and sending the
// payload.
func (d *Dispatcher) SetSettle(settle time.Duration) {
	d.settle = settle
}

// SetPrepare installs the project-start cleanup run before each assignment:
// every agent pane is cleared in one fan-out. When set it replaces the
// inline president-only clear.
func (d *Dispatcher) SetPrepare(fn func(ctx context.Context) error) {
	d.prepare = fn
}

// Kick schedules an immediate dispatch pass without blocking the caller.
func (d *Dispatcher) Kick() {
	go d.Dispatch(context.Background())
}

// Dispatch runs one pass: consult the limit gate, pick the oldest pending
// task, and hand it to the president. Re-entry while a pass is running is a
// no-op; a failed assignment leaves the task pending for the next tick.
func (d *Dispatcher) Dispatch(ctx context.Context) {
	if !d.busy.CompareAndSwap(false, true) {
		return
	}
	defer d.busy.Store(false)

	if d.gate != nil && d.gate.IsLimited() {
		if !d.gate.TryResolve(ctx) {
			return
		}
	}

	counts, err := d.service.Counts()
	if err != nil {
		log.Printf("[DISPATCH] Failed to read queue counts: %v", err)
		return
	}
	if counts.InProgress > 0 {
		// The president works one task at a time.
		return
	}

	task, err := d.service.NextPending()
	if err != nil {
		log.Printf("[DISPATCH] Failed to read pending tasks: %v", err)
		return
	}
	if task == nil {
		return
	}

	if err := d.assignToPresident(ctx, task); err != nil {
		log.Printf("[DISPATCH] Assignment of %s failed, will retry: %v", task.ID, err)
	}
}

// assignToPresident runs the project-start cleanup, types the task payload
// into the president's session, and only then flips the task to in_progress.
// Pane failures leave the task untouched.
func (d *Dispatcher) assignToPresident(ctx context.Context, task *Task) error {
	if d.prepare != nil {
		if err := d.prepare(ctx); err != nil {
			return fmt.Errorf("project start cleanup failed: %w", err)
		}
		if err := d.panes.SelectPane(ctx, d.target); err != nil {
			return fmt.Errorf("failed to select president pane: %w", err)
		}
	} else {
		if err := d.panes.SelectPane(ctx, d.target); err != nil {
			return fmt.Errorf("failed to select president pane: %w", err)
		}
		if err := d.panes.Send(ctx, d.target, tmux.KeyEscape, "/clear", tmux.KeyEnter); err != nil {
			return fmt.Errorf("failed to clear president session: %w", err)
		}
		if d.settle > 0 {
			time.Sleep(d.settle)
		}
	}
	if err := d.panes.Send(ctx, d.target, BuildTaskPayload(task), tmux.KeyEnter); err != nil {
		return fmt.Errorf("failed to send task payload: %w", err)
	}

	if _, err := d.service.MarkAssigned(task.ID, "president"); err != nil {
		return fmt.Errorf("failed to record assignment: %w", err)
	}
	log.Printf("[DISPATCH] Dispatched %s to president", task.ID)
	return nil
}

// BuildTaskPayload renders the instruction block typed into the president's
// session. The closing line teaches the president the completion declaration
// the detector listens for.
func BuildTaskPayload(task *Task) string {
	var b strings.Builder
	b.WriteString("You are the president agent. Coordinate boss1 and the workers to complete this task.\n")
	fmt.Fprintf(&b, "\nTask %s: %s\n", task.ID, task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", task.Description)
	}
	if task.ProjectName != "" {
		fmt.Fprintf(&b, "Project: %s (keep all output under workspace/%s)\n", task.ProjectName, task.ProjectName)
	}
	if len(task.Deliverables) > 0 {
		b.WriteString("Deliverables:\n")
		for _, item := range task.Deliverables {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	fmt.Fprintf(&b, "\nWhen everything is done, reply with the single line: TASK COMPLETED: %s", task.ID)
	return b.String()
}
