package notify

import (
	"fmt"
	"log"
	"sync"

	"github.com/AGENTMUX/internal/events"
	"github.com/AGENTMUX/internal/types"
)

// Notifier watches the bus and maps the events an operator must see onto
// the terminal title and dashboard banner.
type Notifier struct {
	bus      *events.Bus
	terminal *TerminalNotifier
	banner   *BannerNotifier

	mu   sync.Mutex
	ch   <-chan events.Event
	done chan struct{}
}

func NewNotifier(bus *events.Bus, terminal *TerminalNotifier, banner *BannerNotifier) *Notifier {
	return &Notifier{bus: bus, terminal: terminal, banner: banner}
}

// Banner exposes the banner state for the HTTP layer.
func (n *Notifier) Banner() *BannerNotifier {
	return n.banner
}

// Start subscribes to alert-worthy events and begins dispatching.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		return
	}
	n.ch = n.bus.Subscribe(
		events.EventUsageLimitReached,
		events.EventUsageLimitCleared,
		events.EventUsageLimitResolved,
		events.EventSystemHealth,
		events.EventAutoRecoveryFailed,
	)
	n.done = make(chan struct{})
	go n.run(n.ch, n.done)
}

// Stop unsubscribes and waits for the dispatch loop to exit.
func (n *Notifier) Stop() {
	n.mu.Lock()
	ch := n.ch
	done := n.done
	n.ch = nil
	n.done = nil
	n.mu.Unlock()
	if ch == nil {
		return
	}
	n.bus.Unsubscribe(ch)
	<-done
	n.terminal.ClearAlert()
}

func (n *Notifier) run(ch <-chan events.Event, done chan struct{}) {
	defer close(done)
	for ev := range ch {
		n.handle(ev)
	}
}

func (n *Notifier) handle(ev events.Event) {
	switch ev.Type {
	case events.EventUsageLimitReached:
		msg := "Usage limit reached, dispatch paused"
		if p, ok := ev.Payload.(*events.UsageLimitPayload); ok && p.NextRetryAt != nil {
			msg = fmt.Sprintf("Usage limit reached, resuming around %s", p.NextRetryAt.Format("15:04"))
		}
		n.banner.Show(msg, BannerWarning)
		n.publishBanner()
		if err := n.terminal.Flash("usage limit"); err != nil {
			log.Printf("[NOTIFY] Terminal flash failed: %v", err)
		}

	case events.EventUsageLimitCleared, events.EventUsageLimitResolved:
		n.banner.Clear()
		n.publishBanner()
		n.terminal.ClearAlert()

	case events.EventSystemHealth:
		health, ok := ev.Payload.(*types.SystemHealth)
		if !ok {
			return
		}
		switch health.OverallHealth {
		case types.HealthCritical:
			n.banner.Show("System critical: agents offline", BannerCritical)
			n.publishBanner()
			if err := n.terminal.Flash("system critical"); err != nil {
				log.Printf("[NOTIFY] Terminal flash failed: %v", err)
			}
		case types.HealthHealthy:
			// Only take down our own health banner, not a limit warning.
			if s := n.banner.State(); s.Visible && s.Type == BannerCritical {
				n.banner.Clear()
				n.publishBanner()
				n.terminal.ClearAlert()
			}
		}

	case events.EventAutoRecoveryFailed:
		n.banner.Show("Automatic recovery failed, manual intervention needed", BannerCritical)
		n.publishBanner()
		if err := n.terminal.Flash("recovery failed"); err != nil {
			log.Printf("[NOTIFY] Terminal flash failed: %v", err)
		}
	}
}

// publishBanner pushes the new banner state to web clients. The notifier
// only subscribes to the alert tags above, so this cannot loop back.
func (n *Notifier) publishBanner() {
	state := n.banner.State()
	n.bus.Emit(events.EventDashboardBanner, "notify", &state)
}
