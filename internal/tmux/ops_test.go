package tmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeRunner records invocations and replays scripted responses.
type fakeRunner struct {
	calls     [][]string
	output    []byte
	err       error
	perCall   func(args []string) ([]byte, error)
	callDelay time.Duration
}

func (f *fakeRunner) run(ctx context.Context, args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	if f.callDelay > 0 {
		select {
		case <-time.After(f.callDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.perCall != nil {
		return f.perCall(args)
	}
	return f.output, f.err
}

func newTestOps(f *fakeRunner, timeout time.Duration) *Ops {
	ops := NewOpsWithRunner(timeout, f.run)
	ops.minOpInterval = 0 // keep tests fast
	return ops
}

func TestListSessions(t *testing.T) {
	f := &fakeRunner{output: []byte("president\nmultiagent\n")}
	ops := newTestOps(f, time.Second)

	sessions, err := ops.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0] != "president" || sessions[1] != "multiagent" {
		t.Errorf("unexpected sessions: %v", sessions)
	}
}

func TestListSessionsNoServer(t *testing.T) {
	f := &fakeRunner{
		output: []byte("no server running on /tmp/tmux-1000/default"),
		err:    errors.New("exit status 1"),
	}
	ops := newTestOps(f, time.Second)

	sessions, err := ops.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("expected no error for missing server, got %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected empty sessions, got %v", sessions)
	}
}

func TestCaptureArgs(t *testing.T) {
	f := &fakeRunner{output: []byte("line1\nline2\n")}
	ops := newTestOps(f, time.Second)

	text, err := ops.Capture(context.Background(), "multiagent:0.1", 100)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if text != "line1\nline2\n" {
		t.Errorf("unexpected capture text: %q", text)
	}

	got := strings.Join(f.calls[0], " ")
	want := "capture-pane -p -t multiagent:0.1 -S -100"
	if got != want {
		t.Errorf("expected args %q, got %q", want, got)
	}
}

func TestSendDispatchesTokensIndependently(t *testing.T) {
	f := &fakeRunner{}
	ops := newTestOps(f, time.Second)

	err := ops.Send(context.Background(), "president", KeyEscape, "/clear", KeyEnter)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(f.calls) != 3 {
		t.Fatalf("expected 3 send-keys invocations, got %d", len(f.calls))
	}

	escape := strings.Join(f.calls[0], " ")
	if escape != "send-keys -t president Escape" {
		t.Errorf("unexpected escape invocation: %q", escape)
	}
	literal := strings.Join(f.calls[1], " ")
	if literal != "send-keys -t president -l -- /clear" {
		t.Errorf("unexpected literal invocation: %q", literal)
	}
	enter := strings.Join(f.calls[2], " ")
	if enter != "send-keys -t president Enter" {
		t.Errorf("unexpected enter invocation: %q", enter)
	}
}

func TestSendInterrupt(t *testing.T) {
	f := &fakeRunner{}
	ops := newTestOps(f, time.Second)

	if err := ops.SendInterrupt(context.Background(), "multiagent:0.2"); err != nil {
		t.Fatalf("SendInterrupt failed: %v", err)
	}
	got := strings.Join(f.calls[0], " ")
	if got != "send-keys -t multiagent:0.2 C-c" {
		t.Errorf("unexpected interrupt invocation: %q", got)
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		output string
		err    error
		want   error
	}{
		{"not found", "can't find pane: president", errors.New("exit status 1"), ErrNotFound},
		{"io failure", "server exited unexpectedly", errors.New("exit status 1"), ErrIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeRunner{output: []byte(tt.output), err: tt.err}
			ops := newTestOps(f, time.Second)

			_, err := ops.Capture(context.Background(), "president", 50)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCaptureTimeout(t *testing.T) {
	f := &fakeRunner{callDelay: 200 * time.Millisecond}
	ops := newTestOps(f, 50*time.Millisecond)

	_, err := ops.Capture(context.Background(), "president", 50)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestPaneExists(t *testing.T) {
	f := &fakeRunner{perCall: func(args []string) ([]byte, error) {
		target := args[3]
		if target == "president" {
			return []byte("%4\n"), nil
		}
		return []byte(fmt.Sprintf("can't find pane: %s", target)), errors.New("exit status 1")
	}}
	ops := newTestOps(f, time.Second)

	exists, err := ops.PaneExists(context.Background(), "president")
	if err != nil || !exists {
		t.Errorf("expected president pane to exist, got %v %v", exists, err)
	}

	exists, err = ops.PaneExists(context.Background(), "multiagent:0.9")
	if err != nil {
		t.Fatalf("expected no error for missing pane, got %v", err)
	}
	if exists {
		t.Error("expected missing pane to report false")
	}
}
