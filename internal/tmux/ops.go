// Package tmux provides centralized tmux CLI operations with rate limiting
// to prevent lockups when multiple pane operations occur in quick succession.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Error kinds reported by the adapter. Callers branch with errors.Is.
var (
	ErrNotFound = errors.New("tmux: target not found")
	ErrTimeout  = errors.New("tmux: command timed out")
	ErrIO       = errors.New("tmux: io failure")
)

// Key tokens understood by Send in addition to literal text.
const (
	KeyEnter  = "Enter"
	KeyEscape = "Escape"
)

// CommandRunner executes one tmux CLI invocation. Production uses the exec
// runner; tests substitute a fake.
type CommandRunner func(ctx context.Context, args ...string) ([]byte, error)

func execRunner(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	return cmd.CombinedOutput()
}

// Ops provides thread-safe tmux CLI operations. Mutating operations keep a
// minimum interval between invocations; every invocation carries a hard
// timeout.
type Ops struct {
	mu             sync.Mutex
	run            CommandRunner
	lastMutateOp   time.Time
	minOpInterval  time.Duration
	commandTimeout time.Duration
}

// NewOps creates an adapter using the real tmux binary.
func NewOps(commandTimeout time.Duration) *Ops {
	return NewOpsWithRunner(commandTimeout, execRunner)
}

// NewOpsWithRunner creates an adapter with a custom command runner.
func NewOpsWithRunner(commandTimeout time.Duration, run CommandRunner) *Ops {
	if commandTimeout <= 0 {
		commandTimeout = 5 * time.Second
	}
	return &Ops{
		run:            run,
		minOpInterval:  200 * time.Millisecond,
		commandTimeout: commandTimeout,
	}
}

// waitForInterval spaces out mutating operations.
func (o *Ops) waitForInterval() {
	elapsed := time.Since(o.lastMutateOp)
	if elapsed < o.minOpInterval {
		time.Sleep(o.minOpInterval - elapsed)
	}
	o.lastMutateOp = time.Now()
}

func (o *Ops) runCommand(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, o.commandTimeout)
	defer cancel()

	output, err := o.run(ctx, args...)
	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("%w after %v: tmux %s", ErrTimeout, o.commandTimeout, strings.Join(args, " "))
	}
	if err != nil {
		if isNotFoundOutput(string(output)) {
			return output, fmt.Errorf("%w: tmux %s: %s", ErrNotFound, strings.Join(args, " "), strings.TrimSpace(string(output)))
		}
		return output, fmt.Errorf("%w: tmux %s: %v (output: %s)", ErrIO, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

func isNotFoundOutput(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "can't find") ||
		strings.Contains(lower, "no such") ||
		strings.Contains(lower, "session not found")
}

func isNoServerOutput(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "no server running") ||
		strings.Contains(lower, "error connecting")
}

// ListSessions returns the names of all live sessions. A missing tmux server
// yields an empty list, not an error.
func (o *Ops) ListSessions(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	output, err := o.runCommand(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isNoServerOutput(string(output)) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			sessions = append(sessions, line)
		}
	}
	return sessions, nil
}

// PaneExists reports whether the target resolves to a live pane.
func (o *Ops) PaneExists(ctx context.Context, target string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	output, err := o.runCommand(ctx, "display-message", "-p", "-t", target, "#{pane_id}")
	if err != nil {
		if errors.Is(err, ErrNotFound) || isNoServerOutput(string(output)) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// Capture reads the last N lines currently displayed in the target pane.
func (o *Ops) Capture(ctx context.Context, target string, lines int) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if lines <= 0 {
		lines = 100
	}
	output, err := o.runCommand(ctx, "capture-pane", "-p", "-t", target, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}
	return string(output), nil
}

// PaneCommand returns the foreground command running in the target pane.
func (o *Ops) PaneCommand(ctx context.Context, target string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	output, err := o.runCommand(ctx, "display-message", "-p", "-t", target, "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// Send dispatches the key tokens to the target pane. Every token is an
// independent send-keys invocation: literals go with -l, the named keys
// (Enter, Escape) go bare so tmux interprets them.
func (o *Ops) Send(ctx context.Context, target string, keys ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, key := range keys {
		o.waitForInterval()

		var args []string
		switch key {
		case KeyEnter, KeyEscape:
			args = []string{"send-keys", "-t", target, key}
		default:
			args = []string{"send-keys", "-t", target, "-l", "--", key}
		}
		if _, err := o.runCommand(ctx, args...); err != nil {
			return fmt.Errorf("send %q to %s: %w", key, target, err)
		}
	}
	return nil
}

// SendInterrupt delivers Ctrl+C to the target pane.
func (o *Ops) SendInterrupt(ctx context.Context, target string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.waitForInterval()
	if _, err := o.runCommand(ctx, "send-keys", "-t", target, "C-c"); err != nil {
		return fmt.Errorf("interrupt %s: %w", target, err)
	}
	return nil
}

// SelectPane focuses the target pane.
func (o *Ops) SelectPane(ctx context.Context, target string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, err := o.runCommand(ctx, "select-pane", "-t", target)
	return err
}

// CreateSession starts a detached session rooted at dir.
func (o *Ops) CreateSession(ctx context.Context, name, dir string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.waitForInterval()
	log.Printf("[TMUX] Creating session %s", name)

	args := []string{"new-session", "-d", "-s", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	if _, err := o.runCommand(ctx, args...); err != nil {
		return fmt.Errorf("create session %s: %w", name, err)
	}
	return nil
}

// SplitPane splits the target window and re-tiles the layout.
func (o *Ops) SplitPane(ctx context.Context, target, dir string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.waitForInterval()

	args := []string{"split-window", "-t", target}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	if _, err := o.runCommand(ctx, args...); err != nil {
		return fmt.Errorf("split pane %s: %w", target, err)
	}
	if _, err := o.runCommand(ctx, "select-layout", "-t", target, "tiled"); err != nil {
		return fmt.Errorf("tile layout %s: %w", target, err)
	}
	return nil
}

// KillServer tears down the whole tmux server. Used only by session reset.
func (o *Ops) KillServer(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.waitForInterval()
	log.Println("[TMUX] Killing tmux server")

	output, err := o.runCommand(ctx, "kill-server")
	if err != nil && !isNoServerOutput(string(output)) {
		return err
	}
	return nil
}
