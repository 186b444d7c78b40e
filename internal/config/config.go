package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config groups every tunable the controller uses. Interval and threshold
// values are compiled defaults; only the listener and environment facts come
// from the process environment.
type Config struct {
	// HTTP listener
	Port           int
	FrontendOrigin string
	Production     bool
	StaticDir      string

	// Paths
	DBPath        string
	WorkspaceRoot string
	TmpDir        string
	LockFile      string

	// Embedded NATS event tap (0 disables)
	NATSPort int

	// Monitor cadence
	IdleCheckInterval   time.Duration
	ActiveCheckInterval time.Duration
	ActivityDebounce    time.Duration
	IdleTimeout         time.Duration

	// Completion detection
	CompletionMinimum time.Duration
	CompletionCadence time.Duration
	CompletionDelay   time.Duration

	// Queue and limits
	CacheRefresh    time.Duration
	DispatchCadence time.Duration
	UsageLimitCheck time.Duration

	// Recovery
	RecoveryCooldown time.Duration
	RecoveryFollowUp time.Duration

	// Pane I/O
	CaptureTimeout  time.Duration
	MaxCaptureLines int
}

// Default returns the compiled defaults.
func Default() *Config {
	return &Config{
		Port:           3001,
		FrontendOrigin: "http://localhost:3000",
		Production:     false,
		StaticDir:      "frontend/dist",

		DBPath:        "data/agentmux.db",
		WorkspaceRoot: "workspace",
		TmpDir:        "tmp",
		LockFile:      "data/agentmux.lock",

		NATSPort: 0,

		IdleCheckInterval:   30 * time.Second,
		ActiveCheckInterval: 10 * time.Second,
		ActivityDebounce:    500 * time.Millisecond,
		IdleTimeout:         60 * time.Second,

		CompletionMinimum: 2 * time.Minute,
		CompletionCadence: 45 * time.Second,
		CompletionDelay:   10 * time.Second,

		CacheRefresh:    30 * time.Second,
		DispatchCadence: 30 * time.Second,
		UsageLimitCheck: 60 * time.Second,

		RecoveryCooldown: 5 * time.Minute,
		RecoveryFollowUp: 30 * time.Second,

		CaptureTimeout:  5 * time.Second,
		MaxCaptureLines: 100,
	}
}

// FromEnv layers environment overrides on top of the defaults.
// Recognized variables: PORT, FRONTEND_ORIGIN, PRODUCTION, STATIC_DIR,
// DB_PATH, WORKSPACE_ROOT, NATS_PORT.
func FromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = port
	}
	if v := os.Getenv("FRONTEND_ORIGIN"); v != "" {
		cfg.FrontendOrigin = v
	}
	if v := os.Getenv("PRODUCTION"); v != "" {
		cfg.Production = v == "1" || v == "true"
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("NATS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("invalid NATS_PORT %q", v)
		}
		cfg.NATSPort = port
	}

	return cfg, nil
}

// MonitorInterval returns the supervisor cadence for the given activity state.
func (c *Config) MonitorInterval(anyWorking bool) time.Duration {
	if anyWorking {
		return c.ActiveCheckInterval
	}
	return c.IdleCheckInterval
}
