// Package nats embeds a NATS server and republishes the internal event
// stream so external tooling can tap orchestrator events without a WebSocket
// connection. The tap is best-effort: NATS being down never blocks the
// orchestrator.
package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer wraps an in-process NATS server bound to loopback.
type EmbeddedServer struct {
	mu      sync.RWMutex
	port    int
	server  *server.Server
	running bool
}

// NewEmbeddedServer prepares a server on the given port. Port -1 picks a
// random free port, useful in tests.
func NewEmbeddedServer(port int) *EmbeddedServer {
	if port == 0 {
		port = 4222
	}
	return &EmbeddedServer{port: port}
}

// Start launches the server and waits until it accepts connections.
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("server already running")
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       e.port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("NATS server not ready for connections")
	}

	e.server = ns
	e.running = true
	return nil
}

// Shutdown stops the server and waits for it to finish.
func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.server == nil {
		return
	}
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.running = false
	e.server = nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.server != nil {
		return e.server.ClientURL()
	}
	return fmt.Sprintf("nats://127.0.0.1:%d", e.port)
}

// IsRunning reports whether the server is up.
func (e *EmbeddedServer) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
