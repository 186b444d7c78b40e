package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AGENTMUX/internal/activity"
	"github.com/AGENTMUX/internal/tasks"
	"github.com/AGENTMUX/internal/types"
)

type fakeCapturer struct {
	mu    sync.Mutex
	panes map[string]string
	errs  map[string]error
}

func newFakeCapturer() *fakeCapturer {
	return &fakeCapturer{panes: make(map[string]string), errs: make(map[string]error)}
}

func (f *fakeCapturer) set(target, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panes[target] = text
}

func (f *fakeCapturer) fail(target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[target] = err
}

func (f *fakeCapturer) Capture(ctx context.Context, target string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[target]; err != nil {
		return "", err
	}
	return f.panes[target], nil
}

type fakeTaskSource struct {
	mu        sync.Mutex
	inflight  []*tasks.Task
	completed []string
	detectors []string
	excerpts  []string
}

func (f *fakeTaskSource) ListByStatus(status tasks.TaskStatus) ([]*tasks.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status != tasks.StatusInProgress {
		return nil, nil
	}
	out := make([]*tasks.Task, len(f.inflight))
	copy(out, f.inflight)
	return out, nil
}

func (f *fakeTaskSource) CompleteDetected(id, detectedBy, excerpt string, elapsed time.Duration) (*tasks.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, task := range f.inflight {
		if task.ID == id {
			f.inflight = append(f.inflight[:i], f.inflight[i+1:]...)
			f.completed = append(f.completed, id)
			f.detectors = append(f.detectors, detectedBy)
			f.excerpts = append(f.excerpts, excerpt)
			return task, nil
		}
	}
	return nil, fmt.Errorf("task %s not in progress", id)
}

func testRoster() []types.AgentConfig {
	return []types.AgentConfig{
		{Name: "president", Target: "president"},
		{Name: "worker1", Target: "multiagent:0.1"},
	}
}

func inProgressTask(id, assignedTo string, age time.Duration) *tasks.Task {
	started := time.Now().Add(-age)
	return &tasks.Task{
		ID:            id,
		Title:         "t",
		Status:        tasks.StatusInProgress,
		AssignedTo:    assignedTo,
		LastAttemptAt: &started,
		CreatedAt:     started,
	}
}

func newTestDetector(capturer *fakeCapturer, source *fakeTaskSource) (*Detector, *Monitor) {
	mon := New(capturer, activity.NewClassifier(), testRoster())
	det := NewDetector(mon, source, "president", 2*time.Minute)
	return det, mon
}

func TestPresidentDeclarationCompletesTask(t *testing.T) {
	cap := newFakeCapturer()
	source := &fakeTaskSource{inflight: []*tasks.Task{inProgressTask("task-1", "president", 5*time.Minute)}}
	det, mon := newTestDetector(cap, source)

	cleaned := ""
	det.SetCleanupHook(func(project string) { cleaned = "called:" + project })

	cap.set("president", "working on it\nTASK COMPLETED: task-1\n")
	mon.MonitorAllAgents(context.Background())
	det.CheckOnce(context.Background())

	if len(source.completed) != 1 || source.completed[0] != "task-1" {
		t.Fatalf("expected task-1 completed, got %v", source.completed)
	}
	if source.detectors[0] != "president" {
		t.Errorf("expected detectedBy president, got %s", source.detectors[0])
	}
	if cleaned == "" {
		t.Errorf("cleanup hook was not invoked")
	}
}

func TestYoungTaskIsNotCompleted(t *testing.T) {
	cap := newFakeCapturer()
	source := &fakeTaskSource{inflight: []*tasks.Task{inProgressTask("task-1", "president", 30*time.Second)}}
	det, mon := newTestDetector(cap, source)

	cap.set("president", "TASK COMPLETED: task-1\n")
	mon.MonitorAllAgents(context.Background())
	det.CheckOnce(context.Background())

	if len(source.completed) != 0 {
		t.Errorf("expected no completion under the 2-minute minimum, got %v", source.completed)
	}
}

func TestExcludePatternVetoesAcceptMatch(t *testing.T) {
	cap := newFakeCapturer()
	source := &fakeTaskSource{inflight: []*tasks.Task{inProgressTask("task-1", "worker1", 10*time.Minute)}}
	det, mon := newTestDetector(cap, source)

	// "task completed" would accept, but the negation must veto.
	cap.set("multiagent:0.1", "the task is not yet completed, still running tests\n")
	mon.MonitorAllAgents(context.Background())
	det.CheckOnce(context.Background())

	if len(source.completed) != 0 {
		t.Errorf("exclude pattern did not veto acceptance: %v", source.completed)
	}
}

func TestWorkerClaimCompletesOwnTask(t *testing.T) {
	cap := newFakeCapturer()
	source := &fakeTaskSource{inflight: []*tasks.Task{inProgressTask("task-7", "worker1", 10*time.Minute)}}
	det, mon := newTestDetector(cap, source)

	cap.set("multiagent:0.1", "all tests green, task is now complete\n")
	mon.MonitorAllAgents(context.Background())
	det.CheckOnce(context.Background())

	if len(source.completed) != 1 || source.completed[0] != "task-7" {
		t.Fatalf("expected task-7 completed, got %v", source.completed)
	}
	if source.detectors[0] != "worker1" {
		t.Errorf("expected detectedBy worker1, got %s", source.detectors[0])
	}
	if source.excerpts[0] == "" {
		t.Errorf("expected a non-empty excerpt")
	}
}

func TestSameOutputIsNotReprocessed(t *testing.T) {
	cap := newFakeCapturer()
	source := &fakeTaskSource{inflight: []*tasks.Task{inProgressTask("task-1", "president", 30*time.Second)}}
	det, mon := newTestDetector(cap, source)

	cap.set("president", "TASK COMPLETED: task-1\n")
	mon.MonitorAllAgents(context.Background())
	det.CheckOnce(context.Background())

	// Age the task past the minimum; the unchanged screen must not count as
	// a fresh declaration on the next pass.
	source.mu.Lock()
	started := time.Now().Add(-10 * time.Minute)
	source.inflight[0].LastAttemptAt = &started
	source.mu.Unlock()

	det.CheckOnce(context.Background())
	if len(source.completed) != 0 {
		t.Errorf("stale output was reprocessed: %v", source.completed)
	}
}

func TestDisabledDetectorDoesNothing(t *testing.T) {
	cap := newFakeCapturer()
	source := &fakeTaskSource{inflight: []*tasks.Task{inProgressTask("task-1", "president", 10*time.Minute)}}
	det, mon := newTestDetector(cap, source)
	det.SetEnabled(false)

	cap.set("president", "TASK COMPLETED: task-1\n")
	mon.MonitorAllAgents(context.Background())
	det.CheckOnce(context.Background())

	if len(source.completed) != 0 {
		t.Errorf("disabled detector completed a task: %v", source.completed)
	}
	passes, _ := det.Stats()
	if passes != 0 {
		t.Errorf("disabled detector counted a pass")
	}
}
