package monitor

import (
	"context"
	"log"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AGENTMUX/internal/tasks"
)

// presidentPatterns is the strict set. Only these three declarations,
// coming from the president's pane, end a task authoritatively.
var presidentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bTASK COMPLETED\b[:\s]*(task-[0-9]+)?`),
	regexp.MustCompile(`(?i)\ball (assigned )?tasks (are |have been )?completed\b`),
	regexp.MustCompile(`(?i)\bmission (is )?(now )?complete\b`),
}

// generalPatterns accept completion claims from worker agents, after the
// exclude set has had its say.
var generalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btask (is |has been )?(now )?(complete|completed|done|finished)\b`),
	regexp.MustCompile(`(?i)\bsuccessfully (completed|finished)\b`),
	regexp.MustCompile(`(?i)\bimplementation (is )?(complete|finished)\b`),
	regexp.MustCompile(`(?i)\ball deliverables (are )?(ready|done|in place)\b`),
	regexp.MustCompile(`(?i)\bwork (is )?(done|finished|complete)\b`),
}

// excludePatterns veto acceptance: negations, future tense, and questions
// about completion must never count as a claim.
var excludePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bnot (yet )?(complete|completed|done|finished)\b`),
	regexp.MustCompile(`(?i)\bhasn'?t (been )?(complete|completed|finished)\b`),
	regexp.MustCompile(`(?i)\bhaven'?t (complete|completed|finished)\b`),
	regexp.MustCompile(`(?i)\b(planning|going|about|trying) to (complete|finish)\b`),
	regexp.MustCompile(`(?i)\bwill (be )?(complete|completed|finish|finished)\b`),
	regexp.MustCompile(`(?i)\b(almost|nearly|partially) (complete|completed|done|finished)\b`),
	regexp.MustCompile(`(?i)\bto be completed\b`),
	regexp.MustCompile(`(?i)\bonce (it|this|the task) (is )?(complete|completed|done)\b`),
	regexp.MustCompile(`(?i)(complete|completed|done|finished)\s*\?`),
	regexp.MustCompile(`(?i)\bis the task (complete|completed|done)\b`),
}

// TaskSource is the slice of the task service the detector needs.
type TaskSource interface {
	ListByStatus(status tasks.TaskStatus) ([]*tasks.Task, error)
	CompleteDetected(id, detectedBy, excerpt string, elapsed time.Duration) (*tasks.Task, error)
}

// Detector scans per-agent output for completion claims. It runs on the
// scheduler's 45-second cadence and stays quiet while nothing is in progress.
type Detector struct {
	monitor   *Monitor
	service   TaskSource
	president string
	minimum   time.Duration
	enabled   atomic.Bool

	// onCleanup schedules the project-completion protocol; wired at boot.
	onCleanup func(projectName string)

	mu       sync.Mutex
	lastSeen map[string]string
	passes   atomic.Int64
	found    atomic.Int64
}

// NewDetector builds a detector over the shared monitor's captures.
func NewDetector(monitor *Monitor, service TaskSource, presidentName string, minimum time.Duration) *Detector {
	if minimum <= 0 {
		minimum = 2 * time.Minute
	}
	d := &Detector{
		monitor:   monitor,
		service:   service,
		president: presidentName,
		minimum:   minimum,
		lastSeen:  make(map[string]string),
	}
	d.enabled.Store(true)
	return d
}

// SetCleanupHook installs the project-completion callback.
func (d *Detector) SetCleanupHook(fn func(projectName string)) {
	d.onCleanup = fn
}

// SetEnabled toggles detection without unscheduling the worker.
func (d *Detector) SetEnabled(on bool) {
	d.enabled.Store(on)
	log.Printf("[COMPLETE] Detection enabled=%v", on)
}

// Enabled reports the toggle state.
func (d *Detector) Enabled() bool {
	return d.enabled.Load()
}

// Stats reports pass and hit counters.
func (d *Detector) Stats() (passes, found int64) {
	return d.passes.Load(), d.found.Load()
}

// ResetStats zeroes the counters.
func (d *Detector) ResetStats() {
	d.passes.Store(0)
	d.found.Store(0)
}

// CheckOnce runs one detection pass. The president's declaration is checked
// first and ends the pass on a hit; worker claims are consulted after.
func (d *Detector) CheckOnce(ctx context.Context) {
	if !d.enabled.Load() {
		return
	}
	d.passes.Add(1)

	inProgress, err := d.service.ListByStatus(tasks.StatusInProgress)
	if err != nil {
		log.Printf("[COMPLETE] Failed to list in-progress tasks: %v", err)
		return
	}
	if len(inProgress) == 0 {
		return
	}

	if d.checkPresident(inProgress) {
		return
	}
	d.checkWorkers(inProgress)
}

// checkPresident matches the strict set against the president's new output.
// Returns true when a task was completed, ending the pass.
func (d *Detector) checkPresident(inProgress []*tasks.Task) bool {
	fresh := d.freshOutput(d.president)
	if fresh == "" {
		return false
	}
	if matchAny(excludePatterns, fresh) {
		return false
	}
	matched := ""
	for _, re := range presidentPatterns {
		if m := re.FindString(fresh); m != "" {
			matched = m
			break
		}
	}
	if matched == "" {
		return false
	}

	for _, task := range inProgress {
		elapsed, old := d.oldEnough(task)
		if !old {
			log.Printf("[COMPLETE] Ignoring declaration for %s, only %.1f min in progress", task.ID, elapsed.Minutes())
			continue
		}
		excerpt := excerptAround(fresh, matched)
		if _, err := d.service.CompleteDetected(task.ID, d.president, excerpt, elapsed); err != nil {
			log.Printf("[COMPLETE] Failed to complete %s: %v", task.ID, err)
			continue
		}
		d.found.Add(1)
		log.Printf("[COMPLETE] President declared %s complete after %.1f min", task.ID, elapsed.Minutes())
		if d.onCleanup != nil {
			d.onCleanup(task.ProjectName)
		}
		return true
	}
	return false
}

// checkWorkers accepts general claims from non-president agents that own a
// task, guarded by the exclude set and the in-progress minimum.
func (d *Detector) checkWorkers(inProgress []*tasks.Task) {
	for _, task := range inProgress {
		if task.AssignedTo == "" || task.AssignedTo == d.president {
			continue
		}
		fresh := d.freshOutput(task.AssignedTo)
		if fresh == "" {
			continue
		}
		if matchAny(excludePatterns, fresh) {
			continue
		}
		matched := ""
		for _, re := range generalPatterns {
			if m := re.FindString(fresh); m != "" {
				matched = m
				break
			}
		}
		if matched == "" {
			continue
		}
		elapsed, old := d.oldEnough(task)
		if !old {
			continue
		}
		excerpt := excerptAround(fresh, matched)
		if _, err := d.service.CompleteDetected(task.ID, task.AssignedTo, excerpt, elapsed); err != nil {
			log.Printf("[COMPLETE] Failed to complete %s: %v", task.ID, err)
			continue
		}
		d.found.Add(1)
		log.Printf("[COMPLETE] %s reported %s complete after %.1f min", task.AssignedTo, task.ID, elapsed.Minutes())
		if d.onCleanup != nil {
			d.onCleanup(task.ProjectName)
		}
	}
}

// freshOutput returns the agent's pane text the detector has not seen yet,
// diffed against its own baseline so the 45-second cadence never re-reads a
// claim the monitor already scrolled past.
func (d *Detector) freshOutput(agentName string) string {
	current := d.monitor.LastCapture(agentName)
	if current == "" {
		return ""
	}
	d.mu.Lock()
	prev := d.lastSeen[agentName]
	d.lastSeen[agentName] = current
	d.mu.Unlock()
	return strings.TrimSpace(newSuffix(prev, current))
}

// ResetBaselines forgets seen output, used after session reset.
func (d *Detector) ResetBaselines() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen = make(map[string]string)
}

func (d *Detector) oldEnough(task *tasks.Task) (time.Duration, bool) {
	start := task.CreatedAt
	if task.LastAttemptAt != nil {
		start = *task.LastAttemptAt
	}
	elapsed := time.Since(start)
	return elapsed, elapsed >= d.minimum
}

func matchAny(set []*regexp.Regexp, text string) bool {
	for _, re := range set {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// excerptAround returns the line containing the match, for the event payload.
func excerptAround(text, matched string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, matched) {
			return strings.TrimSpace(line)
		}
	}
	if len(matched) > 200 {
		return matched[:200]
	}
	return matched
}
