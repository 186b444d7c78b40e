package server

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AGENTMUX/internal/activity"
	"github.com/AGENTMUX/internal/agents"
	"github.com/AGENTMUX/internal/config"
	"github.com/AGENTMUX/internal/events"
	"github.com/AGENTMUX/internal/health"
	"github.com/AGENTMUX/internal/metrics"
	"github.com/AGENTMUX/internal/monitor"
	"github.com/AGENTMUX/internal/notify"
	"github.com/AGENTMUX/internal/persistence"
	"github.com/AGENTMUX/internal/scheduler"
	"github.com/AGENTMUX/internal/tasks"
	"github.com/AGENTMUX/internal/usagelimit"
	"github.com/AGENTMUX/internal/workspace"
)

// fakePanes satisfies every pane interface the server stack consumes.
type fakePanes struct {
	mu         sync.Mutex
	sessions   []string
	captures   map[string]string
	paneCmds   map[string]string
	sent       map[string][]string
	interrupts []string
	selected   []string
	created    []string
	splits     int
	killed     bool
	captureErr error
}

func newFakePanes() *fakePanes {
	return &fakePanes{
		captures: make(map[string]string),
		paneCmds: make(map[string]string),
		sent:     make(map[string][]string),
	}
}

func (f *fakePanes) ListSessions(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions...), nil
}

func (f *fakePanes) PaneExists(ctx context.Context, target string) (bool, error) {
	return true, nil
}

func (f *fakePanes) PaneCommand(ctx context.Context, target string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paneCmds[target], nil
}

func (f *fakePanes) Capture(ctx context.Context, target string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return "", f.captureErr
	}
	return f.captures[target], nil
}

func (f *fakePanes) Send(ctx context.Context, target string, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[target] = append(f.sent[target], keys...)
	return nil
}

func (f *fakePanes) SendInterrupt(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, target)
	return nil
}

func (f *fakePanes) SelectPane(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, target)
	return nil
}

func (f *fakePanes) CreateSession(ctx context.Context, name, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, name)
	f.created = append(f.created, name)
	return nil
}

func (f *fakePanes) SplitPane(ctx context.Context, target, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.splits++
	return nil
}

func (f *fakePanes) KillServer(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	f.sessions = nil
	return nil
}

func (f *fakePanes) sentKeys(target string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[target]...)
}

type testEnv struct {
	server     *Server
	panes      *fakePanes
	store      *persistence.SQLiteStore
	tasks      *tasks.Service
	bus        *events.Bus
	cleanup    *CleanupService
	dispatcher *tasks.Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	store := persistence.New(filepath.Join(t.TempDir(), "server.db"))
	if err := store.Initialize(); err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { store.Disconnect() })

	bus := events.NewBus()
	roster := agents.DefaultRoster()
	panes := newFakePanes()
	panes.sessions = []string{health.SessionPresident, health.SessionMultiagent}

	classifier := activity.NewClassifier()
	mon := monitor.New(panes, classifier, roster)
	cache := agents.NewStatusCache(bus, roster, time.Millisecond)
	t.Cleanup(cache.Stop)

	ws := workspace.NewManager(filepath.Join(t.TempDir(), "workspace"), filepath.Join(t.TempDir(), "tmp"))

	service := tasks.NewService(tasks.ServiceDeps{
		Store:    store,
		Bus:      bus,
		Panes:    panes,
		Agents:   cache,
		Projects: ws,
		TargetFor: func(name string) (string, bool) {
			return agents.TargetFor(roster, name)
		},
	})

	limits := usagelimit.New(store, service, bus, panes, "president")
	dispatcher := tasks.NewDispatcher(service, panes, limits, "president")
	dispatcher.SetSettle(0)

	sched := scheduler.NewKernel()
	t.Cleanup(func() { sched.Shutdown(time.Second) })
	supervisor := health.NewSupervisor(cfg, panes, mon, classifier, cache, bus, roster, sched, scheduler.WorkerHealth)
	detector := monitor.NewDetector(mon, service, "president", cfg.CompletionMinimum)

	srv := NewServer(Deps{
		Config:     cfg,
		Bus:        bus,
		Panes:      panes,
		Tasks:      service,
		Dispatcher: dispatcher,
		Limits:     limits,
		Cache:      cache,
		Supervisor: supervisor,
		Monitor:    mon,
		Detector:   detector,
		Classifier: classifier,
		Scheduler:  sched,
		Workspace:  ws,
		Metrics:    metrics.NewCollector(store, cache),
		Banner:     notify.NewBannerNotifier(),
		Roster:     roster,
	})

	srv.Cleanup().startSettle = 0
	dispatcher.SetPrepare(srv.Cleanup().ProjectStart)

	return &testEnv{
		server:     srv,
		panes:      panes,
		store:      store,
		tasks:      service,
		bus:        bus,
		cleanup:    srv.Cleanup(),
		dispatcher: dispatcher,
	}
}

// newClientForTest builds a client that is not attached to a socket; Send
// writes into the channel, which tests read directly.
func newClientForTest() *Client {
	return &Client{id: "test-client", send: make(chan []byte, WebSocketBufferSize)}
}
