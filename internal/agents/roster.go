package agents

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AGENTMUX/internal/types"
)

// PresidentName is the privileged agent that receives task handoffs.
const PresidentName = "president"

// RosterSize is fixed: the president plus four multiagent workers.
const RosterSize = 5

// RosterConfig is the root of configs/agents.yaml.
type RosterConfig struct {
	Agents []types.AgentConfig `yaml:"agents"`
}

// LoadRoster reads the agent roster from YAML and validates it.
func LoadRoster(path string) ([]types.AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg RosterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	if err := validateRoster(cfg.Agents); err != nil {
		return nil, fmt.Errorf("invalid roster %s: %w", path, err)
	}
	return cfg.Agents, nil
}

// DefaultRoster returns the built-in five-agent roster used when no
// configuration file is present.
func DefaultRoster() []types.AgentConfig {
	return []types.AgentConfig{
		{Name: "president", Target: "president", Role: "Orchestrator", Color: "#f59e0b"},
		{Name: "boss1", Target: "multiagent:0.0", Role: "Team Lead", Color: "#3b82f6"},
		{Name: "worker1", Target: "multiagent:0.1", Role: "Worker", Color: "#10b981"},
		{Name: "worker2", Target: "multiagent:0.2", Role: "Worker", Color: "#8b5cf6"},
		{Name: "worker3", Target: "multiagent:0.3", Role: "Worker", Color: "#ef4444"},
	}
}

func validateRoster(roster []types.AgentConfig) error {
	if len(roster) != RosterSize {
		return fmt.Errorf("expected %d agents, got %d", RosterSize, len(roster))
	}
	seen := make(map[string]bool)
	hasPresident := false
	for _, a := range roster {
		if a.Name == "" || a.Target == "" {
			return fmt.Errorf("agent entries need name and target")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true
		if a.Name == PresidentName {
			hasPresident = true
		}
	}
	if !hasPresident {
		return fmt.Errorf("roster has no %q agent", PresidentName)
	}
	return nil
}

// ByName finds a roster entry.
func ByName(roster []types.AgentConfig, name string) (types.AgentConfig, bool) {
	for _, a := range roster {
		if a.Name == name {
			return a, true
		}
	}
	return types.AgentConfig{}, false
}

// TargetFor resolves an agent name to its pane target.
func TargetFor(roster []types.AgentConfig, name string) (string, bool) {
	a, ok := ByName(roster, name)
	if !ok {
		return "", false
	}
	return a.Target, true
}
