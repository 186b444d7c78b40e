// Package health assesses session and agent liveness and drives
// auto-recovery when the system goes critical.
package health

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AGENTMUX/internal/activity"
	"github.com/AGENTMUX/internal/agents"
	"github.com/AGENTMUX/internal/config"
	"github.com/AGENTMUX/internal/events"
	"github.com/AGENTMUX/internal/monitor"
	"github.com/AGENTMUX/internal/tmux"
	"github.com/AGENTMUX/internal/types"
)

// Sessions the controller watches. The president runs alone; the four
// workers share the multiagent session.
const (
	SessionPresident  = "president"
	SessionMultiagent = "multiagent"
)

// interpreterNames are the foreground commands that count as "agent alive".
var interpreterNames = []string{"claude", "node"}

// alivePatterns are the second liveness signal: recent pane text that only a
// running agent CLI prints.
var alivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*[>$#]\s`),
	regexp.MustCompile(`(?i)welcome to claude`),
	regexp.MustCompile(`(?i)\? for shortcuts`),
	regexp.MustCompile(`(?i)esc to interrupt`),
	regexp.MustCompile(`(?i)tokens? (left|remaining)`),
	regexp.MustCompile(`(?i)auto-accept edits`),
}

// PaneOps is the slice of the tmux adapter the supervisor needs.
type PaneOps interface {
	ListSessions(ctx context.Context) ([]string, error)
	PaneExists(ctx context.Context, target string) (bool, error)
	PaneCommand(ctx context.Context, target string) (string, error)
	Send(ctx context.Context, target string, keys ...string) error
	CreateSession(ctx context.Context, name, dir string) error
	SplitPane(ctx context.Context, target, dir string) error
}

// Scheduler lets the supervisor retune its own cadence and schedule the
// recovery follow-up. Implemented by scheduler.Kernel.
type Scheduler interface {
	SetInterval(name string, interval time.Duration)
	After(delay time.Duration, fn func())
}

// Supervisor runs the periodic health check and owns auto-recovery.
type Supervisor struct {
	cfg        *config.Config
	panes      PaneOps
	mon        *monitor.Monitor
	classifier *activity.Classifier
	cache      *agents.StatusCache
	bus        *events.Bus
	roster     []types.AgentConfig
	sched      Scheduler
	workerName string

	recovering  atomic.Bool
	mu          sync.Mutex
	lastAttempt time.Time
	suppressed  map[string]bool
	lastHealth  *types.SystemHealth
}

// NewSupervisor wires the health loop. workerName is the scheduler entry the
// adaptive interval retunes.
func NewSupervisor(cfg *config.Config, panes PaneOps, mon *monitor.Monitor, classifier *activity.Classifier,
	cache *agents.StatusCache, bus *events.Bus, roster []types.AgentConfig, sched Scheduler, workerName string) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		panes:      panes,
		mon:        mon,
		classifier: classifier,
		cache:      cache,
		bus:        bus,
		roster:     roster,
		sched:      sched,
		workerName: workerName,
		suppressed: make(map[string]bool),
	}
}

// CheckOnce runs one health tick: monitor pass, per-agent liveness, health
// snapshot, adaptive retune, and the recovery gate.
func (s *Supervisor) CheckOnce(ctx context.Context) {
	degraded := s.mon.Degraded()
	if !degraded {
		s.mon.MonitorAllAgents(ctx)
	}

	sessions := s.sessionPresence(ctx)
	agentUp := make(map[string]bool, len(s.roster))
	for _, agent := range s.roster {
		online := s.assessAgent(ctx, agent, degraded)
		agentUp[agent.Name] = online
	}

	health := &types.SystemHealth{
		Sessions:      sessions,
		Agents:        agentUp,
		OverallHealth: overallHealth(sessions, agentUp),
		Timestamp:     time.Now(),
	}
	s.mu.Lock()
	s.lastHealth = health
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(events.EventSystemHealth, "health", health)
	}

	// Adaptive cadence: poll faster while anyone is working. A degraded
	// monitor forces the slow interval regardless.
	if s.sched != nil {
		next := s.cfg.MonitorInterval(!degraded && s.cache.AnyWorking())
		s.sched.SetInterval(s.workerName, next)
	}

	if health.OverallHealth == types.HealthCritical {
		missingSession := !health.AllSessionsUp()
		if missingSession || health.OnlineAgents() <= 1 {
			s.maybeRecover(ctx, false)
		}
	}
}

// LastHealth returns the most recent snapshot, or nil before the first tick.
func (s *Supervisor) LastHealth() *types.SystemHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastHealth == nil {
		return nil
	}
	cp := *s.lastHealth
	return &cp
}

func (s *Supervisor) sessionPresence(ctx context.Context) map[string]bool {
	presence := map[string]bool{SessionPresident: false, SessionMultiagent: false}
	names, err := s.panes.ListSessions(ctx)
	if err != nil {
		log.Printf("[HEALTH] Failed to list sessions: %v", err)
		return presence
	}
	for _, name := range names {
		if _, tracked := presence[name]; tracked {
			presence[name] = true
		}
	}
	return presence
}

// assessAgent applies the two-signal liveness rule and pushes the resulting
// status through the cache. Returns whether the agent counts as online.
func (s *Supervisor) assessAgent(ctx context.Context, agent types.AgentConfig, degraded bool) bool {
	if s.mon.Unreachable(agent.Name) {
		s.cache.Update(agent.Name, &types.AgentStatus{
			Status:          types.StateUnreachable,
			CurrentActivity: "Pane exists but sends keep timing out",
			LastActivity:    time.Now(),
		})
		return false
	}

	alive := false
	if cmd, err := s.panes.PaneCommand(ctx, agent.Target); err == nil {
		for _, name := range interpreterNames {
			if strings.Contains(strings.ToLower(cmd), name) {
				alive = true
				break
			}
		}
	}
	if !alive && !degraded {
		if recent := s.mon.LastCapture(agent.Name); recent != "" {
			for _, re := range alivePatterns {
				if re.MatchString(recent) {
					alive = true
					break
				}
			}
		}
	}

	if !alive {
		s.cache.Update(agent.Name, &types.AgentStatus{
			Status:       types.StateOffline,
			LastActivity: time.Now(),
		})
		return false
	}

	status := &types.AgentStatus{Status: types.StateIdle, LastActivity: time.Now()}
	if !degraded {
		if res, ok := s.mon.LastResult(agent.Name); ok {
			if res.HasNewActivity && res.ActivityInfo != nil && res.ActivityInfo.ActivityType != types.ActivityIdle {
				status.Status = types.StateWorking
				status.CurrentActivity = res.ActivityInfo.Description
				status.WorkingOnFile = res.ActivityInfo.FileName
				status.ExecutingCommand = res.ActivityInfo.Command
				s.cache.RecordActivity(agent.Name, *res.ActivityInfo)
			}
			status.TerminalOutput = res.LastOutput
		}
		if status.Status == types.StateIdle {
			// A quiet pass does not end a work stretch; the agent stays
			// working until IdleTimeout passes without fresh activity.
			if prev := s.cache.Get(agent.Name); prev != nil && prev.Status == types.StateWorking &&
				time.Since(prev.LastActivity) < s.cfg.IdleTimeout {
				status.Status = types.StateWorking
				status.CurrentActivity = prev.CurrentActivity
				status.WorkingOnFile = prev.WorkingOnFile
				status.ExecutingCommand = prev.ExecutingCommand
				status.LastActivity = prev.LastActivity
			}
		}
		if status.Status == types.StateIdle && s.classifier.HasError(s.mon.LastCapture(agent.Name)) {
			status.Status = types.StateError
			status.CurrentActivity = "Error visible in terminal output"
		}
	}
	s.cache.Update(agent.Name, status)
	return true
}

func overallHealth(sessions, agentUp map[string]bool) types.HealthLevel {
	allSessions := len(sessions) > 0
	for _, up := range sessions {
		if !up {
			allSessions = false
			break
		}
	}
	online := 0
	for _, up := range agentUp {
		if up {
			online++
		}
	}
	switch {
	case allSessions && online == agents.RosterSize:
		return types.HealthHealthy
	case allSessions && online >= 3:
		return types.HealthDegraded
	default:
		return types.HealthCritical
	}
}

// SuppressRestarts arms the recovery hold for every agent; auto-recovery
// skips held agents until an operator clears them. Emergency stop calls this
// so a deliberately stopped system stays stopped.
func (s *Supervisor) SuppressRestarts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agent := range s.roster {
		s.suppressed[agent.Name] = true
	}
	log.Println("[HEALTH] Auto-recovery suppressed for all agents")
}

// ClearSuppression lifts the recovery hold. Session reset and manual
// recovery both call it.
func (s *Supervisor) ClearSuppression() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressed = make(map[string]bool)
}

// ForceRecover is the operator's manual-recovery request: it clears the
// suppression hold and bypasses the cooldown.
func (s *Supervisor) ForceRecover(ctx context.Context) {
	s.ClearSuppression()
	s.maybeRecover(ctx, true)
}

// maybeRecover runs auto-recovery if the reentrancy flag and cooldown allow.
func (s *Supervisor) maybeRecover(ctx context.Context, bypassCooldown bool) {
	if !s.recovering.CompareAndSwap(false, true) {
		return
	}
	defer s.recovering.Store(false)

	s.mu.Lock()
	sinceLast := time.Since(s.lastAttempt)
	if !bypassCooldown && sinceLast < s.cfg.RecoveryCooldown {
		s.mu.Unlock()
		log.Printf("[HEALTH] Recovery skipped, cooldown for another %v", s.cfg.RecoveryCooldown-sinceLast)
		return
	}
	s.lastAttempt = time.Now()
	s.mu.Unlock()

	log.Println("[HEALTH] Starting auto-recovery")
	created, started, err := s.recover(ctx)
	if err != nil {
		log.Printf("[HEALTH] Auto-recovery failed: %v", err)
		if s.bus != nil {
			s.bus.Emit(events.EventAutoRecoveryFailed, "health", events.RecoveryPayload{
				Stage: "recover",
				Error: err.Error(),
			})
		}
		return
	}

	if s.bus != nil {
		s.bus.Emit(events.EventAutoRecoveryPerformed, "health", events.RecoveryPayload{
			Stage:           "done",
			CreatedSessions: created,
			StartedAgents:   started,
		})
	}

	// Re-check after the interpreters had time to boot.
	if s.sched != nil {
		s.sched.After(s.cfg.RecoveryFollowUp, func() {
			followCtx, cancel := context.WithTimeout(context.Background(), s.cfg.IdleCheckInterval)
			defer cancel()
			s.CheckOnce(followCtx)
			if s.bus != nil {
				s.bus.Emit(events.EventAutoRecoveryStatus, "health", events.RecoveryPayload{
					Stage: "follow-up",
				})
			}
		})
	}
}

// recover creates missing sessions, then starts each offline agent's
// interpreter one at a time.
func (s *Supervisor) recover(ctx context.Context) (created, started []string, err error) {
	created, err = s.EnsureSessions(ctx)
	if err != nil {
		return created, nil, err
	}

	s.mu.Lock()
	held := make(map[string]bool, len(s.suppressed))
	for name, on := range s.suppressed {
		held[name] = on
	}
	s.mu.Unlock()

	for _, agent := range s.roster {
		if held[agent.Name] {
			log.Printf("[HEALTH] Skipping %s, restart suppressed by emergency stop", agent.Name)
			continue
		}
		current := s.cache.Get(agent.Name)
		if current != nil && (current.Status == types.StateWorking || current.Status == types.StateIdle) {
			continue
		}
		if err := s.panes.Send(ctx, agent.Target, "claude", tmux.KeyEnter); err != nil {
			log.Printf("[HEALTH] Failed to start interpreter for %s: %v", agent.Name, err)
			continue
		}
		started = append(started, agent.Name)
		if s.bus != nil {
			s.bus.Emit(events.EventAutoRecoveryStatus, "health", events.RecoveryPayload{
				Stage:         "starting-agents",
				StartedAgents: []string{agent.Name},
			})
		}
		// Stagger starts so the panes settle one at a time.
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return created, started, ctx.Err()
		}
	}
	return created, started, nil
}

// EnsureSessions creates the president and multiagent sessions when missing,
// splitting the multiagent window into its four worker panes. Idempotent.
func (s *Supervisor) EnsureSessions(ctx context.Context) ([]string, error) {
	presence := s.sessionPresence(ctx)
	var created []string

	if !presence[SessionPresident] {
		if err := s.panes.CreateSession(ctx, SessionPresident, ""); err != nil {
			return created, fmt.Errorf("create %s session: %w", SessionPresident, err)
		}
		created = append(created, SessionPresident)
	}
	if !presence[SessionMultiagent] {
		if err := s.panes.CreateSession(ctx, SessionMultiagent, ""); err != nil {
			return created, fmt.Errorf("create %s session: %w", SessionMultiagent, err)
		}
		for i := 0; i < 3; i++ {
			if err := s.panes.SplitPane(ctx, SessionMultiagent+":0", ""); err != nil {
				return created, fmt.Errorf("split %s pane: %w", SessionMultiagent, err)
			}
		}
		created = append(created, SessionMultiagent)
	}
	if len(created) > 0 {
		log.Printf("[HEALTH] Created sessions: %s", strings.Join(created, ", "))
	}
	return created, nil
}
