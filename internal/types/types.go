package types

import (
	"time"
)

// AgentState represents the observed state of an agent
type AgentState string

const (
	StateIdle        AgentState = "idle"
	StateWorking     AgentState = "working"
	StateOffline     AgentState = "offline"
	StateError       AgentState = "error"
	StateUnreachable AgentState = "unreachable"
)

// ActivityType classifies what an agent appears to be doing
type ActivityType string

const (
	ActivityCoding           ActivityType = "coding"
	ActivityFileOperation    ActivityType = "file_operation"
	ActivityCommandExecution ActivityType = "command_execution"
	ActivityThinking         ActivityType = "thinking"
	ActivityIdle             ActivityType = "idle"
)

// ActivityInfo is one classification of recent pane output
type ActivityInfo struct {
	ActivityType ActivityType `json:"activity_type"`
	Description  string       `json:"description"`
	Timestamp    time.Time    `json:"timestamp"`
	FileName     string       `json:"file_name,omitempty"`
	Command      string       `json:"command,omitempty"`
}

// AgentConfig describes one roster entry from agents.yaml
type AgentConfig struct {
	Name   string `yaml:"name" json:"name"`
	Target string `yaml:"target" json:"target"`
	Role   string `yaml:"role" json:"role"`
	Color  string `yaml:"color" json:"color"`
}

// AgentStatus is the cached view of one agent, owned by the status cache
type AgentStatus struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Status           AgentState `json:"status"`
	CurrentActivity  string     `json:"current_activity,omitempty"`
	WorkingOnFile    string     `json:"working_on_file,omitempty"`
	ExecutingCommand string     `json:"executing_command,omitempty"`
	LastActivity     time.Time  `json:"last_activity"`
	TerminalOutput   string     `json:"terminal_output,omitempty"`
}

// Clone returns a copy safe to hand to readers.
func (a *AgentStatus) Clone() *AgentStatus {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// HealthLevel summarizes system health
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthDegraded HealthLevel = "degraded"
	HealthCritical HealthLevel = "critical"
)

// SystemHealth is one atomic health snapshot
type SystemHealth struct {
	Sessions      map[string]bool `json:"sessions"`
	Agents        map[string]bool `json:"agents"`
	OverallHealth HealthLevel     `json:"overall_health"`
	Timestamp     time.Time       `json:"timestamp"`
}

// OnlineAgents counts agents reported alive in the snapshot.
func (h *SystemHealth) OnlineAgents() int {
	n := 0
	for _, up := range h.Agents {
		if up {
			n++
		}
	}
	return n
}

// AllSessionsUp reports whether every tracked session is present.
func (h *SystemHealth) AllSessionsUp() bool {
	if len(h.Sessions) == 0 {
		return false
	}
	for _, up := range h.Sessions {
		if !up {
			return false
		}
	}
	return true
}

// MonitorResult is one agent's outcome from a monitor pass
type MonitorResult struct {
	AgentName      string        `json:"agent_name"`
	HasNewActivity bool          `json:"has_new_activity"`
	ActivityInfo   *ActivityInfo `json:"activity_info,omitempty"`
	IsIdle         bool          `json:"is_idle"`
	LastOutput     string        `json:"last_output,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// WSMessage is the envelope for WebSocket traffic in both directions
type WSMessage struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// MonitoringStats aggregates counters from the monitor loops for the dashboard
type MonitoringStats struct {
	MonitorPasses     int64            `json:"monitor_passes"`
	CompletionPasses  int64            `json:"completion_passes"`
	CompletionsFound  int64            `json:"completions_found"`
	CaptureFailures   int64            `json:"capture_failures"`
	FailureStreaks    map[string]int   `json:"failure_streaks"`
	ClassifierHits    int64            `json:"classifier_hits"`
	ClassifierMisses  int64            `json:"classifier_misses"`
	LastPassAt        time.Time        `json:"last_pass_at"`
	CompletionEnabled bool             `json:"completion_enabled"`
	ActivityEnabled   bool             `json:"activity_enabled"`
	Intervals         map[string]int64 `json:"intervals_ms"`
}
