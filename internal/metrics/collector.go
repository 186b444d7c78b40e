// Package metrics computes dashboard figures from the task store. Results
// are cached briefly so the HTTP endpoints can be polled without hammering
// the database.
package metrics

import (
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/AGENTMUX/internal/tasks"
	"github.com/AGENTMUX/internal/types"
)

const (
	cacheSize = 32
	cacheTTL  = 30 * time.Second
)

// KPIMetrics is the headline dashboard block.
type KPIMetrics struct {
	TotalTasks           int       `json:"total_tasks"`
	Pending              int       `json:"pending"`
	InProgress           int       `json:"in_progress"`
	Paused               int       `json:"paused"`
	Completed            int       `json:"completed"`
	Failed               int       `json:"failed"`
	Cancelled            int       `json:"cancelled"`
	CompletionRate       float64   `json:"completion_rate"`
	AvgCompletionMinutes float64   `json:"avg_completion_minutes"`
	TotalRetries         int       `json:"total_retries"`
	CompletedToday       int       `json:"completed_today"`
	AgentsOnline         int       `json:"agents_online"`
	GeneratedAt          time.Time `json:"generated_at"`
}

// AgentPerformance summarizes one agent's task record.
type AgentPerformance struct {
	AgentName      string  `json:"agent_name"`
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
	TasksActive    int     `json:"tasks_active"`
	AvgMinutes     float64 `json:"avg_minutes"`
}

// TrendPoint is one day in the task trend series.
type TrendPoint struct {
	Date      string `json:"date"`
	Created   int    `json:"created"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// AgentSnapshotter supplies the current agent statuses; implemented by
// agents.StatusCache.
type AgentSnapshotter interface {
	Snapshot() []*types.AgentStatus
}

// Collector computes metrics on demand with a short-lived result cache.
type Collector struct {
	store  tasks.Store
	agents AgentSnapshotter
	cache  *expirable.LRU[string, any]
}

// NewCollector builds a collector over the store. agents may be nil in
// contexts without a live status cache.
func NewCollector(store tasks.Store, agents AgentSnapshotter) *Collector {
	return &Collector{
		store:  store,
		agents: agents,
		cache:  expirable.NewLRU[string, any](cacheSize, nil, cacheTTL),
	}
}

// Invalidate drops every cached result. Called after bulk task mutations.
func (c *Collector) Invalidate() {
	c.cache.Purge()
}

// KPIMetrics computes the headline block.
func (c *Collector) KPIMetrics() (*KPIMetrics, error) {
	if hit, ok := c.cache.Get("kpi"); ok {
		return hit.(*KPIMetrics), nil
	}

	all, err := c.store.GetAllTasks()
	if err != nil {
		return nil, fmt.Errorf("load tasks for KPI: %w", err)
	}

	m := &KPIMetrics{GeneratedAt: time.Now()}
	var completionTotal time.Duration
	completionSamples := 0
	today := time.Now().Truncate(24 * time.Hour)

	for _, task := range all {
		m.TotalTasks++
		m.TotalRetries += task.RetryCount
		switch task.Status {
		case tasks.StatusPending:
			m.Pending++
		case tasks.StatusInProgress:
			m.InProgress++
		case tasks.StatusPaused:
			m.Paused++
		case tasks.StatusCompleted:
			m.Completed++
			if d, ok := completionDuration(task); ok {
				completionTotal += d
				completionSamples++
			}
			if task.UpdatedAt.After(today) {
				m.CompletedToday++
			}
		case tasks.StatusFailed:
			m.Failed++
		case tasks.StatusCancelled:
			m.Cancelled++
		}
	}

	finished := m.Completed + m.Failed + m.Cancelled
	if finished > 0 {
		m.CompletionRate = float64(m.Completed) / float64(finished)
	}
	if completionSamples > 0 {
		m.AvgCompletionMinutes = completionTotal.Minutes() / float64(completionSamples)
	}
	if c.agents != nil {
		for _, status := range c.agents.Snapshot() {
			if status.Status == types.StateIdle || status.Status == types.StateWorking {
				m.AgentsOnline++
			}
		}
	}

	c.cache.Add("kpi", m)
	return m, nil
}

// AgentPerformance groups completed and failed work by the agent it ran on.
func (c *Collector) AgentPerformance() ([]AgentPerformance, error) {
	if hit, ok := c.cache.Get("agent-performance"); ok {
		return hit.([]AgentPerformance), nil
	}

	all, err := c.store.GetAllTasks()
	if err != nil {
		return nil, fmt.Errorf("load tasks for agent performance: %w", err)
	}

	byAgent := make(map[string]*AgentPerformance)
	durations := make(map[string][]time.Duration)
	get := func(name string) *AgentPerformance {
		if p, ok := byAgent[name]; ok {
			return p
		}
		p := &AgentPerformance{AgentName: name}
		byAgent[name] = p
		return p
	}

	for _, task := range all {
		if task.AssignedTo == "" {
			continue
		}
		p := get(task.AssignedTo)
		switch task.Status {
		case tasks.StatusCompleted:
			p.TasksCompleted++
			if d, ok := completionDuration(task); ok {
				durations[task.AssignedTo] = append(durations[task.AssignedTo], d)
			}
		case tasks.StatusFailed:
			p.TasksFailed++
		case tasks.StatusInProgress, tasks.StatusPaused:
			p.TasksActive++
		}
	}

	result := make([]AgentPerformance, 0, len(byAgent))
	for name, p := range byAgent {
		if samples := durations[name]; len(samples) > 0 {
			var total time.Duration
			for _, d := range samples {
				total += d
			}
			p.AvgMinutes = total.Minutes() / float64(len(samples))
		}
		result = append(result, *p)
	}

	c.cache.Add("agent-performance", result)
	return result, nil
}

// TaskTrend returns the last `days` days of created/completed/failed counts,
// oldest first. Completed and failed come from the transition history;
// created from task timestamps.
func (c *Collector) TaskTrend(days int) ([]TrendPoint, error) {
	if days <= 0 {
		days = 7
	}
	if days > 90 {
		days = 90
	}
	key := fmt.Sprintf("trend-%d", days)
	if hit, ok := c.cache.Get(key); ok {
		return hit.([]TrendPoint), nil
	}

	now := time.Now()
	start := now.AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)
	points := make([]TrendPoint, days)
	index := make(map[string]int, days)
	for i := 0; i < days; i++ {
		date := start.AddDate(0, 0, i).Format("2006-01-02")
		points[i] = TrendPoint{Date: date}
		index[date] = i
	}

	transitions, err := c.store.GetTransitionsSince(start)
	if err != nil {
		return nil, fmt.Errorf("load transitions for trend: %w", err)
	}
	for _, tr := range transitions {
		i, ok := index[tr.ChangedAt.Format("2006-01-02")]
		if !ok {
			continue
		}
		switch tr.ToStatus {
		case tasks.StatusCompleted:
			points[i].Completed++
		case tasks.StatusFailed:
			points[i].Failed++
		}
	}

	all, err := c.store.GetAllTasks()
	if err != nil {
		return nil, fmt.Errorf("load tasks for trend: %w", err)
	}
	for _, task := range all {
		if i, ok := index[task.CreatedAt.Format("2006-01-02")]; ok {
			points[i].Created++
		}
	}

	c.cache.Add(key, points)
	return points, nil
}

// completionDuration measures assignment to completion. Tasks completed
// without ever being assigned yield no sample.
func completionDuration(task *tasks.Task) (time.Duration, bool) {
	if task.LastAttemptAt == nil {
		return 0, false
	}
	d := task.UpdatedAt.Sub(*task.LastAttemptAt)
	if d <= 0 {
		return 0, false
	}
	return d, true
}

// LogCacheState is a debug helper for the stats endpoint.
func (c *Collector) LogCacheState() {
	log.Printf("[METRICS] Cache holds %d entries", c.cache.Len())
}
