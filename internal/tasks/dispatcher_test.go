package tasks_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AGENTMUX/internal/events"
	"github.com/AGENTMUX/internal/persistence"
	"github.com/AGENTMUX/internal/tasks"
	"github.com/AGENTMUX/internal/tmux"
)

type sendCall struct {
	target string
	keys   []string
}

type fakeSender struct {
	selected []string
	sends    []sendCall
	sendErr  error
}

func (f *fakeSender) Send(ctx context.Context, target string, keys ...string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, sendCall{target: target, keys: keys})
	return nil
}

func (f *fakeSender) SelectPane(ctx context.Context, target string) error {
	f.selected = append(f.selected, target)
	return nil
}

type fakeGate struct {
	limited      bool
	resolves     bool
	resolveCalls int
}

func (f *fakeGate) IsLimited() bool { return f.limited }

func (f *fakeGate) TryResolve(ctx context.Context) bool {
	f.resolveCalls++
	return f.resolves
}

func newDispatcherFixture(t *testing.T, gate tasks.LimitGate) (*tasks.Service, *tasks.Dispatcher, *fakeSender) {
	t.Helper()
	store := persistence.New(filepath.Join(t.TempDir(), "dispatch.db"))
	if err := store.Initialize(); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { store.Disconnect() })

	service := tasks.NewService(tasks.ServiceDeps{Store: store, Bus: events.NewBus()})
	sender := &fakeSender{}
	dispatcher := tasks.NewDispatcher(service, sender, gate, "president")
	dispatcher.SetSettle(0)
	return service, dispatcher, sender
}

func TestDispatchAssignsOldestPending(t *testing.T) {
	service, dispatcher, sender := newDispatcherFixture(t, nil)
	first, _ := service.Create("first", "", "", nil)
	service.Create("second", "", "", nil)

	dispatcher.Dispatch(context.Background())

	if len(sender.selected) != 1 || sender.selected[0] != "president" {
		t.Fatalf("expected president pane selected, got %v", sender.selected)
	}
	if len(sender.sends) != 2 {
		t.Fatalf("expected clear plus payload sends, got %d", len(sender.sends))
	}
	clear := sender.sends[0]
	if len(clear.keys) != 3 || clear.keys[0] != tmux.KeyEscape || clear.keys[1] != "/clear" || clear.keys[2] != tmux.KeyEnter {
		t.Errorf("unexpected clear sequence %v", clear.keys)
	}
	payload := sender.sends[1]
	if len(payload.keys) != 2 || payload.keys[1] != tmux.KeyEnter {
		t.Errorf("expected payload plus Enter, got %v", payload.keys)
	}
	if !strings.Contains(payload.keys[0], first.ID) || !strings.Contains(payload.keys[0], "first") {
		t.Errorf("expected payload to describe %s, got %q", first.ID, payload.keys[0])
	}

	got, err := service.Get(first.ID)
	if err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if got.Status != tasks.StatusInProgress || got.AssignedTo != "president" {
		t.Errorf("expected in_progress under president, got %+v", got)
	}

	// The president is busy now, so a second pass must not double-book.
	sender.sends = nil
	dispatcher.Dispatch(context.Background())
	if len(sender.sends) != 0 {
		t.Errorf("expected no sends while president is busy, got %d", len(sender.sends))
	}
	second, _ := service.NextPending()
	if second == nil || second.Title != "second" {
		t.Errorf("expected second task still pending, got %+v", second)
	}
}

func TestDispatchBlockedWhileLimited(t *testing.T) {
	service, dispatcher, sender := newDispatcherFixture(t, &fakeGate{limited: true, resolves: false})
	task, _ := service.Create("t", "", "", nil)

	dispatcher.Dispatch(context.Background())

	if len(sender.sends) != 0 {
		t.Errorf("expected no sends while limited, got %d", len(sender.sends))
	}
	got, _ := service.Get(task.ID)
	if got.Status != tasks.StatusPending {
		t.Errorf("expected task still pending, got %s", got.Status)
	}
}

func TestDispatchResumesAfterResolution(t *testing.T) {
	gate := &fakeGate{limited: true, resolves: true}
	service, dispatcher, sender := newDispatcherFixture(t, gate)
	task, _ := service.Create("t", "", "", nil)

	dispatcher.Dispatch(context.Background())

	if gate.resolveCalls != 1 {
		t.Errorf("expected resolution consulted once, got %d", gate.resolveCalls)
	}
	if len(sender.sends) != 2 {
		t.Errorf("expected assignment after resolution, got %d sends", len(sender.sends))
	}
	got, _ := service.Get(task.ID)
	if got.Status != tasks.StatusInProgress {
		t.Errorf("expected in_progress, got %s", got.Status)
	}
}

func TestDispatchRunsPrepareBeforePayload(t *testing.T) {
	service, dispatcher, sender := newDispatcherFixture(t, nil)
	task, _ := service.Create("t", "", "", nil)

	prepared := false
	dispatcher.SetPrepare(func(ctx context.Context) error {
		prepared = true
		if len(sender.sends) != 0 {
			t.Errorf("prepare must run before any pane traffic, saw %v", sender.sends)
		}
		return nil
	})

	dispatcher.Dispatch(context.Background())

	if !prepared {
		t.Fatal("expected prepare hook to run")
	}
	// With the hook installed the dispatcher sends only the payload; the
	// hook owns the clearing.
	if len(sender.sends) != 1 || len(sender.sends[0].keys) != 2 {
		t.Fatalf("expected single payload send, got %v", sender.sends)
	}
	got, _ := service.Get(task.ID)
	if got.Status != tasks.StatusInProgress {
		t.Errorf("expected in_progress, got %s", got.Status)
	}
}

func TestDispatchPrepareFailureLeavesPending(t *testing.T) {
	service, dispatcher, sender := newDispatcherFixture(t, nil)
	task, _ := service.Create("t", "", "", nil)
	dispatcher.SetPrepare(func(ctx context.Context) error {
		return errors.New("pane gone")
	})

	dispatcher.Dispatch(context.Background())

	if len(sender.sends) != 0 {
		t.Errorf("expected no sends after failed prepare, got %v", sender.sends)
	}
	got, _ := service.Get(task.ID)
	if got.Status != tasks.StatusPending || got.AssignedTo != "" {
		t.Errorf("expected task untouched, got %+v", got)
	}
}

func TestDispatchNoPendingIsQuiet(t *testing.T) {
	_, dispatcher, sender := newDispatcherFixture(t, nil)

	dispatcher.Dispatch(context.Background())

	if len(sender.selected) != 0 || len(sender.sends) != 0 {
		t.Errorf("expected no pane traffic on empty queue, got %v %v", sender.selected, sender.sends)
	}
}

func TestDispatchPaneFailureLeavesPending(t *testing.T) {
	service, dispatcher, sender := newDispatcherFixture(t, nil)
	sender.sendErr = errors.New("no such pane")
	task, _ := service.Create("t", "", "", nil)

	dispatcher.Dispatch(context.Background())

	got, _ := service.Get(task.ID)
	if got.Status != tasks.StatusPending {
		t.Errorf("expected task left pending after pane failure, got %s", got.Status)
	}
	if got.AssignedTo != "" {
		t.Errorf("expected no assignment recorded, got %q", got.AssignedTo)
	}
}

func TestBuildTaskPayload(t *testing.T) {
	task := &tasks.Task{
		ID:           "task-9",
		Title:        "Ship the landing page",
		Description:  "Static site with a contact form",
		ProjectName:  "landing",
		Deliverables: []string{"index.html", "style.css"},
	}

	payload := tasks.BuildTaskPayload(task)

	for _, want := range []string{
		"task-9",
		"Ship the landing page",
		"Static site with a contact form",
		"workspace/landing",
		"- index.html",
		"TASK COMPLETED: task-9",
	} {
		if !strings.Contains(payload, want) {
			t.Errorf("expected payload to contain %q", want)
		}
	}
}
