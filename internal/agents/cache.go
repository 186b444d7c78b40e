package agents

import (
	"sync"
	"time"

	"github.com/AGENTMUX/internal/events"
	"github.com/AGENTMUX/internal/types"
)

const historySize = 10

// slot is the per-agent debounce state. pending holds the next value to
// send; the timer coalesces bursts so subscribers see at most one update
// per window unless nothing changed at all.
type slot struct {
	current    *types.AgentStatus
	lastSent   *types.AgentStatus
	lastSentAt time.Time
	pending    *types.AgentStatus
	timer      *time.Timer

	history []types.ActivityInfo
}

// StatusCache owns the AgentStatus for every roster agent. All mutations go
// through it, which serializes per-agent update order for subscribers.
type StatusCache struct {
	mu       sync.Mutex
	bus      *events.Bus
	roster   []types.AgentConfig
	slots    map[string]*slot
	debounce time.Duration
	stopped  bool
}

// NewStatusCache seeds every roster agent as offline.
func NewStatusCache(bus *events.Bus, roster []types.AgentConfig, debounce time.Duration) *StatusCache {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	c := &StatusCache{
		bus:      bus,
		roster:   roster,
		slots:    make(map[string]*slot, len(roster)),
		debounce: debounce,
	}
	for _, a := range roster {
		c.slots[a.Name] = &slot{
			current: &types.AgentStatus{
				ID:     a.Name,
				Name:   a.Name,
				Status: types.StateOffline,
			},
		}
	}
	return c
}

// Update applies a status to the cache. The change filter propagates the
// update only when one of {status, currentActivity, workingOnFile,
// executingCommand} changed or the debounce window has passed; bursts
// coalesce to the latest value.
func (c *StatusCache) Update(name string, status *types.AgentStatus) {
	if status == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[name]
	if !ok || c.stopped {
		return
	}

	cp := status.Clone()
	cp.ID = name
	cp.Name = name
	if cp.LastActivity.IsZero() {
		cp.LastActivity = time.Now()
	}
	s.current = cp
	s.pending = cp

	if s.timer != nil {
		s.timer.Reset(c.debounce)
		return
	}

	elapsed := time.Since(s.lastSentAt)
	changed := statusChanged(s.lastSent, cp)

	if !changed && elapsed < c.debounce {
		s.pending = nil
		return
	}
	if elapsed >= c.debounce {
		c.sendLocked(name, s)
		return
	}

	s.timer = time.AfterFunc(c.debounce-elapsed, func() { c.fire(name) })
}

func (c *StatusCache) fire(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[name]
	if !ok {
		return
	}
	s.timer = nil
	if s.pending == nil || c.stopped {
		return
	}
	c.sendLocked(name, s)
}

// sendLocked publishes the pending value. Caller holds the lock.
func (c *StatusCache) sendLocked(name string, s *slot) {
	s.lastSent = s.pending
	s.lastSentAt = time.Now()
	s.pending = nil
	c.bus.Emit(events.EventAgentStatusUpdated, "agents", s.lastSent.Clone())
}

// RecordActivity appends to the agent's bounded history ring and announces
// the detection.
func (c *StatusCache) RecordActivity(name string, info types.ActivityInfo) {
	c.mu.Lock()
	s, ok := c.slots[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	s.history = append(s.history, info)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	c.mu.Unlock()

	c.bus.Emit(events.EventAgentActivityDetected, "agents", events.ActivityPayload{
		AgentName: name,
		Activity:  info,
	})
}

// History returns a copy of the agent's recent activity ring.
func (c *StatusCache) History(name string) []types.ActivityInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[name]
	if !ok {
		return nil
	}
	out := make([]types.ActivityInfo, len(s.history))
	copy(out, s.history)
	return out
}

// BroadcastDetailedStatus emits the agent's status plus its activity ring.
func (c *StatusCache) BroadcastDetailedStatus(name string) {
	c.mu.Lock()
	s, ok := c.slots[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	status := s.current.Clone()
	history := make([]types.ActivityInfo, len(s.history))
	copy(history, s.history)
	c.mu.Unlock()

	c.bus.Emit(events.EventAgentDetailedStatus, "agents", events.DetailedStatusPayload{
		AgentName: name,
		Status:    status,
		History:   history,
	})
}

// Get returns the latest known status for one agent.
func (c *StatusCache) Get(name string) *types.AgentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[name]
	if !ok {
		return nil
	}
	return s.current.Clone()
}

// Snapshot returns all agent statuses in roster order.
func (c *StatusCache) Snapshot() []*types.AgentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*types.AgentStatus, 0, len(c.roster))
	for _, a := range c.roster {
		if s, ok := c.slots[a.Name]; ok {
			out = append(out, s.current.Clone())
		}
	}
	return out
}

// AnyWorking reports whether at least one agent is currently working.
func (c *StatusCache) AnyWorking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.slots {
		if s.current.Status == types.StateWorking {
			return true
		}
	}
	return false
}

// ClearWorkingState resets an agent to idle, dropping activity fields.
// Used when its task completes or is cancelled.
func (c *StatusCache) ClearWorkingState(name string) {
	current := c.Get(name)
	if current == nil {
		return
	}
	c.Update(name, &types.AgentStatus{
		ID:           name,
		Name:         name,
		Status:       types.StateIdle,
		LastActivity: time.Now(),
	})
}

// Clear resets every agent to offline and empties the history rings.
// Used by emergency stop and session reset; emits nothing.
func (c *StatusCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, s := range c.slots {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.pending = nil
		s.history = nil
		s.current = &types.AgentStatus{
			ID:     name,
			Name:   name,
			Status: types.StateOffline,
		}
	}
}

// Stop cancels all pending debounce timers.
func (c *StatusCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	for _, s := range c.slots {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	}
}

func statusChanged(prev, next *types.AgentStatus) bool {
	if prev == nil {
		return true
	}
	return prev.Status != next.Status ||
		prev.CurrentActivity != next.CurrentActivity ||
		prev.WorkingOnFile != next.WorkingOnFile ||
		prev.ExecutingCommand != next.ExecutingCommand
}
