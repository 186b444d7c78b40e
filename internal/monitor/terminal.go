package monitor

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/AGENTMUX/internal/activity"
	"github.com/AGENTMUX/internal/tmux"
	"github.com/AGENTMUX/internal/types"
	"github.com/AGENTMUX/internal/usagelimit"
)

const (
	captureLines = 100

	// degradedThreshold is how many fully-failed passes in a row put the
	// monitor into degraded mode.
	degradedThreshold = 5

	// unreachableThreshold is how many consecutive capture timeouts mark a
	// pane unreachable even though it exists.
	unreachableThreshold = 3

	// limitCooldown suppresses repeat limit callbacks per agent.
	limitCooldown = time.Minute

	maxOutputTail = 1000
)

// Capturer reads pane contents. Implemented by tmux.Ops.
type Capturer interface {
	Capture(ctx context.Context, target string, lines int) (string, error)
}

type track struct {
	lastCapture   string
	lastAt        time.Time
	failureStreak int
	timeoutStreak int
	lastLimitAt   time.Time
}

// Monitor polls every roster pane, diffs new output, and classifies it.
// One instance is shared by the health supervisor and the stats endpoint.
type Monitor struct {
	panes      Capturer
	classifier *activity.Classifier
	roster     []types.AgentConfig
	onLimit    func(agentName, matchedText string)

	mu              sync.Mutex
	tracks          map[string]*track
	lastResults     map[string]types.MonitorResult
	loopStreak      int
	passes          int64
	captureFailures int64
	lastPassAt      time.Time
}

// New builds a monitor over the given roster.
func New(panes Capturer, classifier *activity.Classifier, roster []types.AgentConfig) *Monitor {
	return &Monitor{
		panes:       panes,
		classifier:  classifier,
		roster:      roster,
		tracks:      make(map[string]*track),
		lastResults: make(map[string]types.MonitorResult),
	}
}

// SetLimitCallback installs the usage-limit hook, called with the matched
// text at most once per agent per cooldown window.
func (m *Monitor) SetLimitCallback(fn func(agentName, matchedText string)) {
	m.onLimit = fn
}

// MonitorAllAgents runs one pass: capture every pane in parallel, diff
// against the previous capture, classify the new output, and fire the
// usage-limit callback where it applies.
func (m *Monitor) MonitorAllAgents(ctx context.Context) []types.MonitorResult {
	type capture struct {
		name string
		text string
		err  error
	}

	captures := make([]capture, len(m.roster))
	var wg sync.WaitGroup
	for i, agent := range m.roster {
		wg.Add(1)
		go func(i int, agent types.AgentConfig) {
			defer wg.Done()
			text, err := m.panes.Capture(ctx, agent.Target, captureLines)
			captures[i] = capture{name: agent.Name, text: text, err: err}
		}(i, agent)
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	results := make([]types.MonitorResult, 0, len(captures))
	succeeded := 0

	for _, c := range captures {
		tr := m.tracks[c.name]
		if tr == nil {
			tr = &track{}
			m.tracks[c.name] = tr
		}

		if c.err != nil {
			m.captureFailures++
			tr.failureStreak++
			if errors.Is(c.err, tmux.ErrTimeout) {
				tr.timeoutStreak++
			} else {
				tr.timeoutStreak = 0
			}
			log.Printf("[MONITOR] Capture failed for %s (streak %d): %v", c.name, tr.failureStreak, c.err)
			res := types.MonitorResult{AgentName: c.name, IsIdle: true, Timestamp: now}
			m.lastResults[c.name] = res
			results = append(results, res)
			continue
		}

		succeeded++
		tr.failureStreak = 0
		tr.timeoutStreak = 0

		fresh := newSuffix(tr.lastCapture, c.text)
		tr.lastCapture = c.text
		tr.lastAt = now

		res := types.MonitorResult{AgentName: c.name, Timestamp: now}
		if strings.TrimSpace(fresh) == "" {
			res.IsIdle = true
		} else {
			info, _ := m.classifier.Analyze(fresh)
			res.HasNewActivity = true
			res.ActivityInfo = &info
			res.IsIdle = info.ActivityType == types.ActivityIdle
			res.LastOutput = tailString(fresh, maxOutputTail)

			if m.onLimit != nil && usagelimit.IsLimitMessage(fresh) && now.Sub(tr.lastLimitAt) >= limitCooldown {
				tr.lastLimitAt = now
				m.onLimit(c.name, limitExcerpt(fresh))
			}
		}
		m.lastResults[c.name] = res
		results = append(results, res)
	}

	if succeeded == 0 && len(captures) > 0 {
		m.loopStreak++
	} else {
		m.loopStreak = 0
	}
	m.passes++
	m.lastPassAt = now
	return results
}

// LastResult returns the most recent pass outcome for one agent.
func (m *Monitor) LastResult(name string) (types.MonitorResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.lastResults[name]
	return res, ok
}

// LastCapture returns the agent's most recent full pane text.
func (m *Monitor) LastCapture(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr := m.tracks[name]; tr != nil {
		return tr.lastCapture
	}
	return ""
}

// FailureStreak returns the agent's consecutive capture failures.
func (m *Monitor) FailureStreak(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr := m.tracks[name]; tr != nil {
		return tr.failureStreak
	}
	return 0
}

// Unreachable reports whether an agent's pane keeps timing out.
func (m *Monitor) Unreachable(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr := m.tracks[name]
	return tr != nil && tr.timeoutStreak >= unreachableThreshold
}

// Degraded reports whether whole passes keep failing, which tells the health
// supervisor to back off and skip classification.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loopStreak >= degradedThreshold
}

// ResetTracks drops capture baselines and streaks, used after a session
// reset so stale screens are not diffed against new ones.
func (m *Monitor) ResetTracks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = make(map[string]*track)
	m.lastResults = make(map[string]types.MonitorResult)
	m.loopStreak = 0
}

// ResetStats zeroes the pass counters without touching per-agent tracks.
func (m *Monitor) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passes = 0
	m.captureFailures = 0
	m.lastPassAt = time.Time{}
}

// Stats reports pass counters for the dashboard.
func (m *Monitor) Stats() (passes, failures int64, streaks map[string]int, lastPass time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	streaks = make(map[string]int, len(m.tracks))
	for name, tr := range m.tracks {
		streaks[name] = tr.failureStreak
	}
	return m.passes, m.captureFailures, streaks, m.lastPassAt
}

// newSuffix returns the lines of cur that were not yet present at the end of
// prev. Captures are sliding windows over the same scrollback, so the first
// lines of cur are matched against the last lines of prev; with no overlap
// (fresh pane, cleared screen) the whole capture is new.
func newSuffix(prev, cur string) string {
	if prev == "" {
		return cur
	}
	if prev == cur {
		return ""
	}
	prevLines := strings.Split(prev, "\n")
	curLines := strings.Split(cur, "\n")
	max := len(prevLines)
	if len(curLines) < max {
		max = len(curLines)
	}
	for k := max; k > 0; k-- {
		if equalLines(prevLines[len(prevLines)-k:], curLines[:k]) {
			return strings.Join(curLines[k:], "\n")
		}
	}
	return cur
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// limitExcerpt extracts the limit line plus its follow-up (which usually
// carries the reset time) for the coordinator.
func limitExcerpt(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if usagelimit.IsLimitMessage(line) {
			end := i + 2
			if end > len(lines) {
				end = len(lines)
			}
			return strings.TrimSpace(strings.Join(lines[i:end], "\n"))
		}
	}
	return strings.TrimSpace(text)
}

func tailString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
