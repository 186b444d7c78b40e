package server

import (
	"fmt"
	"log"

	"github.com/AGENTMUX/internal/events"
	natslib "github.com/AGENTMUX/internal/nats"
)

// NATSBridge owns the optional embedded NATS server, its client connection,
// and the event tap that mirrors bus events onto NATS subjects. A bridge
// that fails to start is a warning, never a fatal condition.
type NATSBridge struct {
	bus    *events.Bus
	port   int
	server *natslib.EmbeddedServer
	client *natslib.Client
	tap    *natslib.EventTap
}

// NewNATSBridge prepares a bridge on the given port; port 0 disables it.
func NewNATSBridge(bus *events.Bus, port int) *NATSBridge {
	return &NATSBridge{bus: bus, port: port}
}

// Enabled reports whether a port was configured.
func (b *NATSBridge) Enabled() bool {
	return b.port != 0
}

// Start brings up the embedded server, connects a client, and starts the tap.
func (b *NATSBridge) Start() error {
	if !b.Enabled() {
		return nil
	}

	b.server = natslib.NewEmbeddedServer(b.port)
	if err := b.server.Start(); err != nil {
		b.server = nil
		return fmt.Errorf("embedded NATS: %w", err)
	}

	client, err := natslib.NewClient(b.server.URL())
	if err != nil {
		b.server.Shutdown()
		b.server = nil
		return fmt.Errorf("NATS client: %w", err)
	}
	b.client = client

	b.tap = natslib.NewEventTap(b.bus, b.client)
	b.tap.Start()
	log.Printf("[NATS-BRIDGE] Publishing events on %s", b.server.URL())
	return nil
}

// Stop tears the tap, client, and server down in that order.
func (b *NATSBridge) Stop() {
	if b.tap != nil {
		b.tap.Stop()
		b.tap = nil
	}
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server = nil
	}
}
