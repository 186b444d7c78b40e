// Package notify surfaces operator-facing alerts: the terminal title flash
// and the dashboard banner, driven by bus events.
package notify

import (
	"fmt"
	"os"
	"sync"
)

const defaultTitle = "AGENTMUX"

// TerminalNotifier flashes alerts into the terminal window title using the
// OSC 0 escape sequence.
type TerminalNotifier struct {
	mu            sync.Mutex
	originalTitle string
	out           *os.File
}

// NewTerminalNotifier writes title changes to stdout.
func NewTerminalNotifier() *TerminalNotifier {
	return &TerminalNotifier{originalTitle: defaultTitle, out: os.Stdout}
}

// SetOriginalTitle stores the title restored by ClearAlert.
func (t *TerminalNotifier) SetOriginalTitle(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.originalTitle = title
}

// Flash changes the terminal title to an alert.
func (t *TerminalNotifier) Flash(message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setTitle(fmt.Sprintf("\U0001F514 %s - %s", defaultTitle, message))
}

// ClearAlert restores the original terminal title.
func (t *TerminalNotifier) ClearAlert() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setTitle(t.originalTitle)
}

func (t *TerminalNotifier) setTitle(title string) error {
	if !t.IsSupported() {
		return nil
	}
	_, err := fmt.Fprintf(t.out, "\033]0;%s\007", title)
	return err
}

// IsSupported reports whether stdout is a terminal that can take OSC
// sequences.
func (t *TerminalNotifier) IsSupported() bool {
	info, err := t.out.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
