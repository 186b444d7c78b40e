package activity

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AGENTMUX/internal/types"
)

const (
	fastPathSize = 6
	reorderEvery = 100

	confidenceFileBonus    = 0.15
	confidenceCommandBonus = 0.10
	confidenceFenceBonus   = 0.05
)

// Classifier maps a terminal-output snapshot to an ActivityInfo with a
// confidence score. Matching walks a fast path of the hottest rules first,
// then the full priority-ordered set. Results are cached by text digest.
type Classifier struct {
	mu         sync.Mutex
	patterns   []*pattern
	fastPath   []*pattern
	errorRules []*pattern
	cache      *resultCache

	totalMatches int64
	sinceReorder int64
}

// NewClassifier compiles the rule set and builds the fast path.
func NewClassifier() *Classifier {
	c := &Classifier{
		patterns: compilePatterns(),
		cache:    newResultCache(defaultCacheCapacity, defaultCacheTTL),
	}
	for _, p := range c.patterns {
		if p.isError {
			c.errorRules = append(c.errorRules, p)
		}
	}
	c.rebuildFastPath()
	return c
}

// Analyze classifies cleaned terminal output. Repeated calls with the same
// text hit the cache and return an equal classification with a fresh
// timestamp.
func (c *Classifier) Analyze(text string) (types.ActivityInfo, float64) {
	clean := CleanText(text)
	if strings.TrimSpace(clean) == "" {
		return types.ActivityInfo{
			ActivityType: types.ActivityIdle,
			Description:  "Idle",
			Timestamp:    time.Now(),
		}, 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := digest(clean)
	if cached, ok := c.cache.get(key); ok {
		info := cached.info
		info.Timestamp = time.Now()
		return info, cached.confidence
	}

	info, confidence := c.classify(clean)
	c.cache.put(key, cachedResult{info: info, confidence: confidence})

	c.totalMatches++
	c.sinceReorder++
	if c.sinceReorder >= reorderEvery {
		c.sinceReorder = 0
		c.reorder()
	}

	result := info
	result.Timestamp = time.Now()
	return result, confidence
}

// classify runs the matching rules. Caller holds the lock.
func (c *Classifier) classify(clean string) (types.ActivityInfo, float64) {
	matched := c.matchFastPath(clean)
	if matched == nil {
		matched = c.matchFull(clean)
	}

	info := types.ActivityInfo{
		ActivityType: types.ActivityIdle,
		Description:  "Idle",
	}
	var confidence float64

	if matched != nil {
		matched.matches++
		info.ActivityType = matched.activityType
		info.Description = matched.description
		confidence = float64(matched.priority) / float64(maxPriority)
	}

	// Extraction applies regardless of which rule won; an error match keeps
	// type idle but may still name the failing file.
	if file := extractFileName(clean); file != "" {
		info.FileName = file
		confidence += confidenceFileBonus
		if info.ActivityType == types.ActivityCoding || info.ActivityType == types.ActivityFileOperation {
			info.Description = "Working on " + file
		}
	}
	if cmd := extractCommand(clean); cmd != "" {
		info.Command = cmd
		confidence += confidenceCommandBonus
		if info.ActivityType == types.ActivityCommandExecution {
			info.Description = "Running " + cmd
		}
	}
	if info.ActivityType == types.ActivityCoding && codeFenceRe.MatchString(clean) {
		confidence += confidenceFenceBonus
	}
	if confidence > 1 {
		confidence = 1
	}
	return info, confidence
}

func (c *Classifier) matchFastPath(clean string) *pattern {
	for _, p := range c.fastPath {
		if p.re.MatchString(clean) {
			return p
		}
	}
	return nil
}

func (c *Classifier) matchFull(clean string) *pattern {
	for _, p := range c.patterns {
		if p.re.MatchString(clean) {
			return p
		}
	}
	return nil
}

// HasError reports whether the text matches any error rule. Independent of
// classification so callers can flag error states without a full pass.
func (c *Classifier) HasError(text string) bool {
	clean := CleanText(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.errorRules {
		if p.re.MatchString(clean) {
			return true
		}
	}
	return false
}

// reorder re-sorts rules of equal priority by observed hit count and
// rebuilds the fast path. Priority order still dominates so error rules
// never sink. Caller holds the lock.
func (c *Classifier) reorder() {
	sort.SliceStable(c.patterns, func(i, j int) bool {
		if c.patterns[i].priority != c.patterns[j].priority {
			return c.patterns[i].priority > c.patterns[j].priority
		}
		return c.patterns[i].matches > c.patterns[j].matches
	})
	c.rebuildFastPath()
}

// rebuildFastPath picks the hottest rules, kept in priority order so error
// rules still win inside the fast path. Caller holds the lock.
func (c *Classifier) rebuildFastPath() {
	byHits := make([]*pattern, len(c.patterns))
	copy(byHits, c.patterns)
	sort.SliceStable(byHits, func(i, j int) bool {
		return byHits[i].matches > byHits[j].matches
	})

	n := fastPathSize
	if n > len(byHits) {
		n = len(byHits)
	}
	hot := byHits[:n]
	sort.SliceStable(hot, func(i, j int) bool {
		return hot[i].priority > hot[j].priority
	})
	c.fastPath = hot
}

// CacheStats exposes classifier cache counters for the monitoring dashboard.
func (c *Classifier) CacheStats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.cache.stats()
	stats.TotalMatches = c.totalMatches
	return stats
}

// CleanText strips ANSI escapes, normalizes line endings, trims per-line
// trailing whitespace and collapses internal space runs.
func CleanText(text string) string {
	text = ansiRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = spaceRunRe.ReplaceAllString(line, " ")
		lines[i] = strings.TrimRight(line, " \t")
	}
	cleaned := strings.Join(lines, "\n")
	return strings.Trim(cleaned, "\n")
}

func extractFileName(clean string) string {
	for _, re := range filePatterns {
		if m := re.FindStringSubmatch(clean); len(m) > 1 {
			name := strings.TrimSpace(m[1])
			if name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	return ""
}

func extractCommand(clean string) string {
	for _, re := range commandPatterns {
		if m := re.FindStringSubmatch(clean); len(m) > 1 {
			cmd := strings.TrimSpace(m[1])
			// Two characters or fewer is prompt noise, not a command.
			if len(cmd) > 2 {
				return cmd
			}
		}
	}
	return ""
}
