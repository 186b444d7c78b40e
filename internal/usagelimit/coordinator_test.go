package usagelimit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AGENTMUX/internal/events"
	"github.com/AGENTMUX/internal/persistence"
	"github.com/AGENTMUX/internal/tasks"
)

func TestIsLimitMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"claude wording", "Claude usage limit reached. Your limit will reset at 3am (America/Los_Angeles).", true},
		{"exceeded", "Error: usage limit exceeded", true},
		{"reached your limit", "You've reached your usage limit for today", true},
		{"reset phrasing only", "Your limit will reset at 11pm.", true},
		{"approach warning", "You are approaching your usage limit", false},
		{"percentage warning", "You have used 80% of your usage limit", false},
		{"unrelated", "All tests passed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsLimitMessage(tt.text); got != tt.want {
				t.Errorf("IsLimitMessage(%q) = %v, expected %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseResetTime(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		message string
		want    time.Time
		ok      bool
	}{
		{"pm same day", "Your limit will reset at 11pm.", time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC), true},
		{"am rolls to tomorrow", "Your limit will reset at 3am.", time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC), true},
		{"24h clock", "Limit resets at 14:30", time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC), true},
		{"try again phrasing", "Please try again at 6pm", time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC), true},
		{"noon", "resets at 12pm", time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), true},
		{"midnight", "resets at 12am", time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), true},
		{"no time", "usage limit reached", time.Time{}, false},
		{"invalid hour", "resets at 25:00", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseResetTime(tt.message, now)
			if ok != tt.ok {
				t.Fatalf("ParseResetTime(%q) ok = %v, expected %v", tt.message, ok, tt.ok)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("ParseResetTime(%q) = %v, expected %v", tt.message, got, tt.want)
			}
		})
	}
}

func TestParseResetTimeWithTimezone(t *testing.T) {
	if _, err := time.LoadLocation("America/Los_Angeles"); err != nil {
		t.Skip("timezone database unavailable")
	}
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	got, ok := ParseResetTime("Your limit will reset at 3am (America/Los_Angeles).", now)
	if !ok {
		t.Fatal("expected a parsed reset time")
	}
	// 3am PDT on the same day is 10:00 UTC.
	want := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got.UTC())
	}
}

type nudgeRecorder struct {
	sends []string
}

func (n *nudgeRecorder) Send(ctx context.Context, target string, keys ...string) error {
	n.sends = append(n.sends, target+": "+strings.Join(keys, " "))
	return nil
}

func (n *nudgeRecorder) SelectPane(ctx context.Context, target string) error { return nil }

type limitFixture struct {
	store       *persistence.SQLiteStore
	service     *tasks.Service
	bus         *events.Bus
	coordinator *Coordinator
	nudges      *nudgeRecorder
}

func newLimitFixture(t *testing.T) *limitFixture {
	t.Helper()
	store := persistence.New(filepath.Join(t.TempDir(), "limit.db"))
	if err := store.Initialize(); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { store.Disconnect() })

	fx := &limitFixture{
		store:  store,
		bus:    events.NewBus(),
		nudges: &nudgeRecorder{},
	}
	fx.service = tasks.NewService(tasks.ServiceDeps{Store: store, Bus: fx.bus})
	fx.coordinator = New(store, fx.service, fx.bus, fx.nudges, "president")
	return fx
}

func (fx *limitFixture) startTask(t *testing.T, title string) *tasks.Task {
	t.Helper()
	task, err := fx.service.Create(title, "", "", nil)
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if _, err := fx.service.MarkAssigned(task.ID, "president"); err != nil {
		t.Fatalf("failed to assign task: %v", err)
	}
	return task
}

func TestHandleLimitMessagePausesQueue(t *testing.T) {
	fx := newLimitFixture(t)
	reached := fx.bus.Subscribe(events.EventUsageLimitReached)
	task := fx.startTask(t, "work")

	fx.coordinator.HandleLimitMessage("president", "Claude usage limit reached. Your limit will reset at 11pm.")

	got, _ := fx.service.Get(task.ID)
	if got.Status != tasks.StatusPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}
	if !strings.HasPrefix(got.PausedReason, "Usage limit reached") {
		t.Errorf("expected pause reason prefix, got %q", got.PausedReason)
	}
	if got.AssignedTo != "president" {
		t.Errorf("expected assignment kept, got %q", got.AssignedTo)
	}

	state, err := fx.coordinator.Status()
	if err != nil {
		t.Fatalf("failed to read state: %v", err)
	}
	if state == nil || !state.IsLimited || state.RetryCount != 1 {
		t.Fatalf("unexpected state %+v", state)
	}
	if state.NextRetryAt == nil {
		t.Fatal("expected next retry time")
	}

	if n := len(drain(reached)); n != 1 {
		t.Errorf("expected 1 usage-limit-reached event, got %d", n)
	}

	// A second report while limited is dropped.
	fx.coordinator.HandleLimitMessage("boss1", "usage limit reached")
	state, _ = fx.coordinator.Status()
	if state.RetryCount != 1 {
		t.Errorf("expected retry count still 1 after duplicate report, got %d", state.RetryCount)
	}
	if n := len(drain(reached)); n != 0 {
		t.Errorf("expected no event for duplicate report, got %d", n)
	}
}

func TestHandleLimitMessageIgnoresNonLimitText(t *testing.T) {
	fx := newLimitFixture(t)
	fx.startTask(t, "work")

	fx.coordinator.HandleLimitMessage("president", "approaching your usage limit")

	if fx.coordinator.IsLimited() {
		t.Error("expected no pause for approach warning")
	}
}

func TestCheckResolutionWaitsForResetTime(t *testing.T) {
	fx := newLimitFixture(t)
	cleared := fx.bus.Subscribe(events.EventUsageLimitCleared)
	resumedEv := fx.bus.Subscribe(events.EventPausedTasksResumed)
	task := fx.startTask(t, "work")

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	fx.coordinator.now = func() time.Time { return base }
	fx.coordinator.HandleLimitMessage("president", "Your limit will reset at 11pm.")

	if fx.coordinator.CheckResolution(context.Background()) {
		t.Fatal("expected unresolved before reset time")
	}

	kicked := false
	fx.coordinator.SetKick(func() { kicked = true })
	fx.coordinator.now = func() time.Time { return base.Add(14 * time.Hour) }

	if !fx.coordinator.CheckResolution(context.Background()) {
		t.Fatal("expected resolution after reset time")
	}

	got, _ := fx.service.Get(task.ID)
	if got.Status != tasks.StatusInProgress {
		t.Errorf("expected in_progress after resume, got %s", got.Status)
	}
	if got.AssignedTo != "president" {
		t.Errorf("expected same assignment after resume, got %q", got.AssignedTo)
	}
	if got.PausedReason != "" {
		t.Errorf("expected pause reason cleared, got %q", got.PausedReason)
	}
	if fx.coordinator.IsLimited() {
		t.Error("expected limit lifted")
	}
	if len(drain(cleared)) != 1 {
		t.Error("expected usage-limit-cleared event")
	}
	if len(drain(resumedEv)) != 1 {
		t.Error("expected paused-tasks-resumed event")
	}
	if !kicked {
		t.Error("expected dispatcher kick after resume")
	}
	if len(fx.nudges.sends) != 1 || !strings.HasPrefix(fx.nudges.sends[0], "president:") {
		t.Errorf("expected nudge to president, got %v", fx.nudges.sends)
	}
}

func TestAutomaticResolutionEmitsExactlyOneTerminalEvent(t *testing.T) {
	fx := newLimitFixture(t)
	terminal := fx.bus.Subscribe(events.EventUsageLimitCleared, events.EventUsageLimitResolved)
	fx.startTask(t, "work")

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	fx.coordinator.now = func() time.Time { return base }
	fx.coordinator.HandleLimitMessage("president", "Your limit will reset at 11pm.")

	fx.coordinator.now = func() time.Time { return base.Add(14 * time.Hour) }
	if !fx.coordinator.CheckResolution(context.Background()) {
		t.Fatal("expected resolution after reset time")
	}
	// Follow-up passes on an already-clear window stay silent.
	fx.coordinator.CheckResolution(context.Background())

	got := drain(terminal)
	if len(got) != 1 {
		t.Fatalf("expected exactly one terminal event per window, got %d", len(got))
	}
	if got[0].Type != events.EventUsageLimitCleared {
		t.Errorf("expected usage-limit-cleared on the periodic path, got %s", got[0].Type)
	}
}

func TestResumeNowEmitsResolved(t *testing.T) {
	fx := newLimitFixture(t)
	terminal := fx.bus.Subscribe(events.EventUsageLimitCleared, events.EventUsageLimitResolved)
	task := fx.startTask(t, "work")

	fx.coordinator.HandleLimitMessage("president", "usage limit reached")

	if err := fx.coordinator.ResumeNow(context.Background()); err != nil {
		t.Fatalf("resume now: %v", err)
	}

	got := drain(terminal)
	if len(got) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", len(got))
	}
	if got[0].Type != events.EventUsageLimitResolved {
		t.Errorf("expected usage-limit-resolved on operator resume, got %s", got[0].Type)
	}
	if fx.coordinator.IsLimited() {
		t.Error("expected limit lifted")
	}
	task2, _ := fx.service.Get(task.ID)
	if task2.Status != tasks.StatusInProgress {
		t.Errorf("expected in_progress after resume, got %s", task2.Status)
	}
}

func TestResumeNowWithoutLimitIsNoop(t *testing.T) {
	fx := newLimitFixture(t)

	if err := fx.coordinator.ResumeNow(context.Background()); err != nil {
		t.Errorf("expected noop, got %v", err)
	}
	if len(fx.nudges.sends) != 0 {
		t.Errorf("expected no nudge, got %v", fx.nudges.sends)
	}
}

func TestRetryCountAccumulatesAcrossWindows(t *testing.T) {
	fx := newLimitFixture(t)
	fx.startTask(t, "work")

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	fx.coordinator.now = func() time.Time { return base }
	fx.coordinator.HandleLimitMessage("president", "Your limit will reset at 11pm.")

	fx.coordinator.now = func() time.Time { return base.Add(14 * time.Hour) }
	if !fx.coordinator.CheckResolution(context.Background()) {
		t.Fatal("expected first window resolved")
	}

	fx.coordinator.HandleLimitMessage("president", "usage limit reached")
	state, _ := fx.coordinator.Status()
	if state == nil || state.RetryCount != 2 {
		t.Errorf("expected retry count 2 across windows, got %+v", state)
	}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
