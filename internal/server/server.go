// Package server exposes the orchestrator over HTTP and WebSocket: REST
// endpoints for tasks, metrics and agent control, the event broadcast hub,
// and the client RPC surface.
package server

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/AGENTMUX/internal/activity"
	"github.com/AGENTMUX/internal/agents"
	"github.com/AGENTMUX/internal/config"
	"github.com/AGENTMUX/internal/events"
	"github.com/AGENTMUX/internal/health"
	"github.com/AGENTMUX/internal/metrics"
	"github.com/AGENTMUX/internal/monitor"
	"github.com/AGENTMUX/internal/notify"
	"github.com/AGENTMUX/internal/scheduler"
	"github.com/AGENTMUX/internal/tasks"
	"github.com/AGENTMUX/internal/types"
	"github.com/AGENTMUX/internal/usagelimit"
	"github.com/AGENTMUX/internal/workspace"
)

// Deps carries everything the server fronts.
type Deps struct {
	Config     *config.Config
	Bus        *events.Bus
	Panes      PaneOps
	Tasks      *tasks.Service
	Dispatcher *tasks.Dispatcher
	Limits     *usagelimit.Coordinator
	Cache      *agents.StatusCache
	Supervisor *health.Supervisor
	Monitor    *monitor.Monitor
	Detector   *monitor.Detector
	Classifier *activity.Classifier
	Scheduler  *scheduler.Kernel
	Workspace  *workspace.Manager
	Metrics    *metrics.Collector
	Banner     *notify.BannerNotifier
	Roster     []types.AgentConfig
}

// Server is the HTTP + WebSocket front of the orchestrator.
type Server struct {
	cfg        *config.Config
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub

	bus        *events.Bus
	panes      PaneOps
	tasks      *tasks.Service
	dispatcher *tasks.Dispatcher
	limits     *usagelimit.Coordinator
	cache      *agents.StatusCache
	supervisor *health.Supervisor
	mon        *monitor.Monitor
	detector   *monitor.Detector
	classifier *activity.Classifier
	sched      *scheduler.Kernel
	workspace  *workspace.Manager
	metrics    *metrics.Collector
	banner     *notify.BannerNotifier
	roster     []types.AgentConfig
	cleanup    *CleanupService

	activityEnabled atomic.Bool
	eventCh         <-chan events.Event
	pumpDone        chan struct{}
	startTime       time.Time
}

func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:        deps.Config,
		hub:        NewHub(),
		bus:        deps.Bus,
		panes:      deps.Panes,
		tasks:      deps.Tasks,
		dispatcher: deps.Dispatcher,
		limits:     deps.Limits,
		cache:      deps.Cache,
		supervisor: deps.Supervisor,
		mon:        deps.Monitor,
		detector:   deps.Detector,
		classifier: deps.Classifier,
		sched:      deps.Scheduler,
		workspace:  deps.Workspace,
		metrics:    deps.Metrics,
		banner:     deps.Banner,
		roster:     deps.Roster,
		startTime:  time.Now(),
	}
	s.activityEnabled.Store(true)
	s.cleanup = NewCleanupService(deps.Panes, deps.Tasks, deps.Cache, deps.Workspace,
		deps.Supervisor, deps.Detector, deps.Monitor, deps.Bus, deps.Roster)
	s.hub.onRequest = s.handleClientRequest
	s.setupRoutes()
	return s
}

// Cleanup exposes the protocol runner so the detector's completion hook and
// the dispatcher's project-start hook can be wired in main.
func (s *Server) Cleanup() *CleanupService {
	return s.cleanup
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(s.corsMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	api.HandleFunc("/tasks", s.handleCreateTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/project-name", s.handlePatchProjectName).Methods("PATCH")
	api.HandleFunc("/tasks/{id}/assigned-to", s.handlePatchAssignedTo).Methods("PATCH")
	api.HandleFunc("/tasks/{id}/metadata", s.handlePatchMetadata).Methods("PATCH")
	api.HandleFunc("/complete-task", s.handleCompleteTask).Methods("POST")

	api.HandleFunc("/kpi-metrics", s.handleKPIMetrics).Methods("GET")
	api.HandleFunc("/agent-performance", s.handleAgentPerformance).Methods("GET")
	api.HandleFunc("/task-trend", s.handleTaskTrend).Methods("GET")
	api.HandleFunc("/system-health", s.handleSystemHealth).Methods("GET")
	api.HandleFunc("/notifications/banner", s.handleBanner).Methods("GET")

	api.HandleFunc("/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/agents/start-all", s.handleStartAllAgents).Methods("POST")
	api.HandleFunc("/agents/{name}/start", s.handleStartAgent).Methods("POST")
	api.HandleFunc("/agents/{name}/message", s.handleAgentMessage).Methods("POST")
	api.HandleFunc("/terminal/{agent}", s.handleTerminal).Methods("GET")
	api.HandleFunc("/tmux/setup", s.handleTmuxSetup).Methods("POST")

	api.HandleFunc("/projects/{name}/files", s.handleProjectFiles).Methods("GET")
	api.HandleFunc("/projects/{name}/download/zip", s.handleProjectZip).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.cfg.Production && s.cfg.StaticDir != "" {
		s.router.PathPrefix("/").Handler(http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
}

// Start runs the hub, the bus-to-WebSocket pump, and the HTTP listener.
// Blocks until the listener stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go s.hub.Run()

	s.eventCh = s.bus.Subscribe()
	s.pumpDone = make(chan struct{})
	go s.pumpEvents(s.eventCh, s.pumpDone)

	log.Printf("[SERVER] Listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP listener, the event pump, and the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.eventCh != nil {
		s.bus.Unsubscribe(s.eventCh)
		<-s.pumpDone
		s.eventCh = nil
	}
	s.hub.Stop()
	return err
}

// pumpEvents forwards every bus event to connected WebSocket clients.
func (s *Server) pumpEvents(ch <-chan events.Event, done chan struct{}) {
	defer close(done)
	for ev := range ch {
		s.hub.BroadcastEvent(ev)
	}
}
