package activity

import (
	"sort"
	"time"

	"github.com/AGENTMUX/internal/types"
)

const (
	defaultCacheCapacity = 500
	defaultCacheTTL      = 5 * time.Minute

	digestMaxLen  = 100
	evictFraction = 0.3

	// Above this aggregate text size the eviction score is size-weighted so
	// large snapshots go first.
	memoryPressureBytes = 256 * 1024
)

type cachedResult struct {
	info       types.ActivityInfo
	confidence float64
}

type cacheEntry struct {
	result       cachedResult
	createdAt    time.Time
	lastAccessed time.Time
	hitCount     int64
	size         int
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Entries      int   `json:"entries"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
	TotalMatches int64 `json:"total_matches"`
}

// resultCache holds recent classifications keyed by text digest. Not safe
// for concurrent use; the classifier's lock covers it.
type resultCache struct {
	entries   map[string]*cacheEntry
	capacity  int
	ttl       time.Duration
	totalSize int

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time
}

func newResultCache(capacity int, ttl time.Duration) *resultCache {
	return &resultCache{
		entries:  make(map[string]*cacheEntry),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// digest derives the cache key: short texts verbatim, long texts reduced to
// first half, an ellipsis, and the last half, clipped to 100 characters.
func digest(clean string) string {
	runes := []rune(clean)
	if len(runes) <= digestMaxLen {
		return clean
	}
	half := (digestMaxLen - 1) / 2
	head := string(runes[:half])
	tail := string(runes[len(runes)-half:])
	return head + "…" + tail
}

func (c *resultCache) get(key string) (cachedResult, bool) {
	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return cachedResult{}, false
	}
	if c.now().Sub(entry.createdAt) > c.ttl {
		c.totalSize -= entry.size
		delete(c.entries, key)
		c.misses++
		return cachedResult{}, false
	}
	entry.hitCount++
	entry.lastAccessed = c.now()
	c.hits++
	return entry.result, true
}

func (c *resultCache) put(key string, result cachedResult) {
	if old, ok := c.entries[key]; ok {
		c.totalSize -= old.size
	}
	now := c.now()
	entry := &cacheEntry{
		result:       result,
		createdAt:    now,
		lastAccessed: now,
		size:         len(key),
	}
	c.entries[key] = entry
	c.totalSize += entry.size

	if len(c.entries) > c.capacity {
		c.evict()
	}
}

// evict drops the worst-ranked slice of entries. Rank is staleness divided
// by hit rate; under memory pressure the score is additionally weighted by
// entry size.
func (c *resultCache) evict() {
	type ranked struct {
		key   string
		score float64
	}

	now := c.now()
	pressured := c.totalSize > memoryPressureBytes

	scored := make([]ranked, 0, len(c.entries))
	for key, entry := range c.entries {
		staleness := now.Sub(entry.lastAccessed).Seconds() + 1
		hitRate := float64(entry.hitCount) + 1
		score := staleness / hitRate
		if pressured {
			score *= float64(entry.size)
		}
		scored = append(scored, ranked{key: key, score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	drop := int(float64(len(scored)) * evictFraction)
	if drop < 1 {
		drop = 1
	}
	for _, r := range scored[:drop] {
		c.totalSize -= c.entries[r.key].size
		delete(c.entries, r.key)
		c.evictions++
	}
}

func (c *resultCache) stats() CacheStats {
	return CacheStats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
