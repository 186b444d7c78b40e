package notify

import (
	"sync"
	"time"
)

// BannerType is the severity of a dashboard banner.
type BannerType string

const (
	BannerInfo     BannerType = "info"
	BannerWarning  BannerType = "warning"
	BannerCritical BannerType = "critical"
)

// BannerState is the current dashboard banner, served to web clients.
type BannerState struct {
	Visible   bool       `json:"visible"`
	Message   string     `json:"message"`
	Type      BannerType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
}

// BannerNotifier holds the banner state the dashboard polls.
type BannerNotifier struct {
	mu    sync.RWMutex
	state BannerState
}

func NewBannerNotifier() *BannerNotifier {
	return &BannerNotifier{}
}

// Show replaces the banner with a new message.
func (b *BannerNotifier) Show(message string, bannerType BannerType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BannerState{
		Visible:   true,
		Message:   message,
		Type:      bannerType,
		Timestamp: time.Now(),
	}
}

// Clear hides the banner.
func (b *BannerNotifier) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Visible = false
}

// State returns a copy of the current banner.
func (b *BannerNotifier) State() BannerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsVisible reports whether a banner is showing.
func (b *BannerNotifier) IsVisible() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Visible
}
