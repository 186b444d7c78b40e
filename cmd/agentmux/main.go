package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/AGENTMUX/internal/activity"
	"github.com/AGENTMUX/internal/agents"
	"github.com/AGENTMUX/internal/config"
	"github.com/AGENTMUX/internal/events"
	"github.com/AGENTMUX/internal/health"
	"github.com/AGENTMUX/internal/instance"
	"github.com/AGENTMUX/internal/metrics"
	"github.com/AGENTMUX/internal/monitor"
	"github.com/AGENTMUX/internal/notify"
	"github.com/AGENTMUX/internal/persistence"
	"github.com/AGENTMUX/internal/scheduler"
	"github.com/AGENTMUX/internal/server"
	"github.com/AGENTMUX/internal/tasks"
	"github.com/AGENTMUX/internal/tmux"
	"github.com/AGENTMUX/internal/usagelimit"
	"github.com/AGENTMUX/internal/workspace"
)

func main() {
	rosterPath := flag.String("roster", "configs/agents.yaml", "Agent roster file")
	flag.Parse()

	// .env is optional; real environment variables win either way.
	godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	printBanner()

	// Single-instance guard: flock first, then make sure the port is ours.
	lock, err := instance.Acquire(cfg.LockFile)
	if err != nil {
		if errors.Is(err, instance.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "Another agentmux instance is already running")
		} else {
			fmt.Fprintf(os.Stderr, "Failed to acquire instance lock: %v\n", err)
		}
		os.Exit(1)
	}
	defer lock.Release()

	if !instance.IsPortAvailable(cfg.Port) {
		fmt.Fprintf(os.Stderr, "Port %d is in use", cfg.Port)
		if free := instance.FindAvailablePort(cfg.Port + 1); free != 0 {
			fmt.Fprintf(os.Stderr, " (try PORT=%d)", free)
		}
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}

	// Store init gets one re-open attempt before we give up.
	store := persistence.New(cfg.DBPath)
	if err := store.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Store init failed (%v), retrying once...\n", err)
		store.Disconnect()
		store = persistence.New(cfg.DBPath)
		if err := store.Initialize(); err != nil {
			fmt.Fprintf(os.Stderr, "Store init failed again: %v\n", err)
			os.Exit(1)
		}
	}
	defer store.Disconnect()
	fmt.Printf("  Store ready at %s\n", cfg.DBPath)

	roster, err := agents.LoadRoster(*rosterPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  Warning: roster load failed (%v), using defaults\n", err)
		roster = agents.DefaultRoster()
	}
	presidentTarget, _ := agents.TargetFor(roster, agents.PresidentName)

	// Core components.
	bus := events.NewBus()
	panes := tmux.NewOps(cfg.CaptureTimeout)
	classifier := activity.NewClassifier()
	mon := monitor.New(panes, classifier, roster)
	cache := agents.NewStatusCache(bus, roster, cfg.ActivityDebounce)
	ws := workspace.NewManager(cfg.WorkspaceRoot, cfg.TmpDir)

	taskSvc := tasks.NewService(tasks.ServiceDeps{
		Store:    store,
		Bus:      bus,
		Panes:    panes,
		Agents:   cache,
		Projects: ws,
		TargetFor: func(name string) (string, bool) {
			return agents.TargetFor(roster, name)
		},
	})

	limits := usagelimit.New(store, taskSvc, bus, panes, presidentTarget)
	dispatcher := tasks.NewDispatcher(taskSvc, panes, limits, presidentTarget)

	kernel := scheduler.NewKernel()
	supervisor := health.NewSupervisor(cfg, panes, mon, classifier, cache, bus, roster,
		kernel, scheduler.WorkerHealth)
	detector := monitor.NewDetector(mon, taskSvc, agents.PresidentName, cfg.CompletionMinimum)
	collector := metrics.NewCollector(store, cache)
	banner := notify.NewBannerNotifier()

	srv := server.NewServer(server.Deps{
		Config:     cfg,
		Bus:        bus,
		Panes:      panes,
		Tasks:      taskSvc,
		Dispatcher: dispatcher,
		Limits:     limits,
		Cache:      cache,
		Supervisor: supervisor,
		Monitor:    mon,
		Detector:   detector,
		Classifier: classifier,
		Scheduler:  kernel,
		Workspace:  ws,
		Metrics:    collector,
		Banner:     banner,
		Roster:     roster,
	})

	// Cross-component hooks.
	dispatcher.SetPrepare(srv.Cleanup().ProjectStart)
	taskSvc.SetKick(func() { kernel.Kick(scheduler.WorkerDispatch) })
	limits.SetKick(func() { kernel.Kick(scheduler.WorkerDispatch) })
	mon.SetLimitCallback(limits.HandleLimitMessage)
	detector.SetCleanupHook(func(projectName string) {
		go srv.Cleanup().ProjectCompletion(context.Background(), projectName)
		kernel.After(cfg.CompletionDelay, func() { kernel.Kick(scheduler.WorkerDispatch) })
	})

	notifier := notify.NewNotifier(bus, notify.NewTerminalNotifier(), banner)
	notifier.Start()
	defer notifier.Stop()

	natsBridge := server.NewNATSBridge(bus, cfg.NATSPort)
	if natsBridge.Enabled() {
		if err := natsBridge.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "  Warning: NATS event tap unavailable: %v\n", err)
		}
	}

	// Periodic workers, registered in dependency order; shutdown runs in
	// reverse.
	kernel.Register(scheduler.WorkerCacheRefresh, cfg.CacheRefresh, func(ctx context.Context) {
		if err := taskSvc.RefreshCache(); err != nil {
			fmt.Fprintf(os.Stderr, "task cache refresh: %v\n", err)
		}
	})
	kernel.Register(scheduler.WorkerDispatch, cfg.DispatchCadence, dispatcher.Dispatch)
	kernel.RegisterDelayed(scheduler.WorkerCompletion, cfg.CompletionCadence, cfg.CompletionDelay, detector.CheckOnce)
	kernel.Register(scheduler.WorkerHealth, cfg.IdleCheckInterval, supervisor.CheckOnce)
	kernel.Register(scheduler.WorkerUsageLimit, cfg.UsageLimitCheck, func(ctx context.Context) {
		limits.CheckResolution(ctx)
	})
	kernel.Start()
	fmt.Println("  Components initialized")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	fmt.Printf("  Dashboard ready at http://localhost:%d\n", cfg.Port)
	fmt.Println()
	fmt.Println("  Press Ctrl+C to shutdown")
	fmt.Println()

	select {
	case err := <-serverErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		}
	case <-shutdown:
		fmt.Println()
		fmt.Println("Shutting down...")
	}

	// Tear down in reverse: tickers, HTTP, NATS, store (deferred).
	kernel.Shutdown(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
	}

	natsBridge.Stop()
	cache.Stop()

	fmt.Println("Goodbye!")
}

func printBanner() {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║                  AGENTMUX v1.0.0                      ║")
	fmt.Println("  ║          tmux Multi-Agent Orchestrator                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()
}
