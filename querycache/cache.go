package querycache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"encore.app/pkg/models"
	"encore.app/pkg/utils"
)

// Default cache configuration values.
const (
	DefaultMaxEntries          = 1000
	DefaultTTL                 = 60 * time.Minute
	DefaultMinHitsForExtension = 3

	queryPreviewLen = 100
	topEntriesLimit = 10
)

// CacheConfig holds the tunables for a query cache instance.
type CacheConfig struct {
	Enabled             bool          `json:"enabled"`
	MaxEntries          int           `json:"max_entries"`
	DefaultTTL          time.Duration `json:"default_ttl"`
	MinHitsForExtension int           `json:"min_hits_for_extension"`
}

// DefaultCacheConfig returns the production defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:             true,
		MaxEntries:          DefaultMaxEntries,
		DefaultTTL:          DefaultTTL,
		MinHitsForExtension: DefaultMinHitsForExtension,
	}
}

// cacheEntry is the internal representation of one cached query result.
// Entries are owned exclusively by the cache; every read and mutation happens
// under the cache mutex, so the fields carry no locking of their own.
type cacheEntry struct {
	key          string
	queryPreview string
	result       interface{}
	createdAt    time.Time
	expiresAt    time.Time
	hitCount     int
	ruleType     string
}

// EntryInfo is the externally visible summary of a cache entry.
type EntryInfo struct {
	KeyPrefix       string  `json:"key_prefix"`
	RuleType        string  `json:"rule_type,omitempty"`
	AgeSeconds      float64 `json:"age_seconds"`
	MinutesToExpiry float64 `json:"minutes_to_expiry"`
	HitCount        int     `json:"hit_count"`
	QueryPreview    string  `json:"query_preview"`
	ResultBytes     int     `json:"result_bytes"`
}

// QueryCache caches scan query results keyed by (query, window, rule type).
//
// Trade-offs:
//   - A single mutex over the entry map, entry mutation, and the counters
//     keeps every operation an atomic unit; lookup, lazy expiry, and hot-entry
//     extension can never interleave.
//   - Plain int64 counters under that mutex instead of atomics: the lock is
//     already held on every path that moves a counter.
//   - Eviction is oldest-by-creation (O(n) scan at capacity), not LRU. Scan
//     scheduling produces time-ordered queries whose value decays with age,
//     so creation order approximates usefulness without per-access
//     bookkeeping, and the O(n) scan only runs once the cache is full.
//
// Instances are created with NewQueryCache and passed by reference to every
// consumer; there is no package-level instance.
type QueryCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	config  CacheConfig

	// Lifetime counters. Clear removes entries but never resets these.
	hits          int64
	misses        int64
	evictions     int64
	stores        int64
	invalidations int64
}

// NewQueryCache creates a cache instance. Invalid configuration values fall
// back to defaults rather than failing.
func NewQueryCache(config CacheConfig) *QueryCache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultTTL
	}
	if config.MinHitsForExtension <= 0 {
		config.MinHitsForExtension = DefaultMinHitsForExtension
	}

	return &QueryCache{
		entries: make(map[string]*cacheEntry, config.MaxEntries),
		config:  config,
	}
}

// GenerateKey derives the deterministic cache key for a query execution.
// Exposed so callers can correlate cache entries with scan tasks and logs.
func (c *QueryCache) GenerateKey(query string, start, end time.Time, ruleType string) string {
	return utils.QueryCacheKey(query, start, end, ruleType)
}

// Get looks up a cached result for the given query execution.
//
// Disabled caches always miss and move no counters. Expired entries are
// removed lazily on lookup and reported as misses. A hit increments the
// entry's hit count; once an entry proves hot (hit count at or above
// MinHitsForExtension) its expiry slides forward by the default TTL on every
// further hit, keeping frequently re-requested results resident.
//
// Complexity: O(1).
func (c *QueryCache) Get(query string, start, end time.Time, ruleType string) (interface{}, bool) {
	if !c.config.Enabled {
		return nil, false
	}

	key := utils.QueryCacheKey(query, start, end, ruleType)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	// Lazy expiration
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	entry.hitCount++
	if entry.hitCount >= c.config.MinHitsForExtension {
		entry.expiresAt = now.Add(c.config.DefaultTTL)
	}
	c.hits++

	return entry.result, true
}

// Put stores a query result. No-op when the cache is disabled.
//
// Non-positive TTLs fall back to the default TTL. At capacity, the single
// entry with the oldest creation time is evicted before the insert. Storing
// an existing key overwrites it.
//
// Complexity: O(1) below capacity, O(n) when an eviction scan runs.
func (c *QueryCache) Put(query string, result interface{}, start, end time.Time, ruleType string, ttl time.Duration) {
	if !c.config.Enabled {
		return
	}

	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	key := utils.QueryCacheKey(query, start, end, ruleType)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.config.MaxEntries {
		c.evictOldestLocked()
	}

	c.entries[key] = &cacheEntry{
		key:          key,
		queryPreview: preview(query),
		result:       result,
		createdAt:    now,
		expiresAt:    now.Add(ttl),
		ruleType:     ruleType,
	}
	c.stores++
}

// Invalidate removes entries matching the given filters, OR-combined: entries
// whose rule type equals ruleType, and entries created before olderThan.
// With no filter set it removes nothing; full purges go through Clear.
// Returns the number of entries removed. Disabled caches remove nothing.
func (c *QueryCache) Invalidate(ruleType string, olderThan *time.Time) int {
	if !c.config.Enabled {
		return 0
	}
	if ruleType == "" && olderThan == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if (ruleType != "" && entry.ruleType == ruleType) ||
			(olderThan != nil && entry.createdAt.Before(*olderThan)) {
			delete(c.entries, key)
			removed++
		}
	}

	c.invalidations += int64(removed)
	return removed
}

// InvalidateMatching removes entries whose rule type matches a wildcard
// pattern (e.g. "aws_*" covers a whole detector family). Returns the number
// of entries removed; empty or invalid patterns remove nothing.
func (c *QueryCache) InvalidateMatching(pattern string) int {
	if !c.config.Enabled || pattern == "" {
		return 0
	}

	// Validate the pattern once before walking the entries.
	if _, err := utils.MatchPattern(pattern, ""); err != nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if entry.ruleType == "" {
			continue
		}
		if match, _ := utils.MatchPattern(pattern, entry.ruleType); match {
			delete(c.entries, key)
			removed++
		}
	}

	c.invalidations += int64(removed)
	return removed
}

// Clear removes every entry unconditionally, including when the cache is
// disabled. Lifetime counters are preserved. Returns the number removed.
func (c *QueryCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := len(c.entries)
	c.entries = make(map[string]*cacheEntry, c.config.MaxEntries)
	c.invalidations += int64(removed)
	return removed
}

// RemoveExpired deletes entries whose expiry precedes now and returns the
// count. The background sweep calls this periodically; lazy expiration in Get
// keeps results correct even without it.
func (c *QueryCache) RemoveExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats reports the current cache state with lifetime counters.
func (c *QueryCache) Stats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100
	}

	return models.CacheStats{
		Enabled:           c.config.Enabled,
		Size:              len(c.entries),
		MaxSize:           c.config.MaxEntries,
		Hits:              uint64(c.hits),
		Misses:            uint64(c.misses),
		Evictions:         uint64(c.evictions),
		TotalQueries:      uint64(total),
		HitRate:           hitRate,
		DefaultTTLMinutes: int(c.config.DefaultTTL.Minutes()),
	}
}

// Info returns the ten hottest entries by hit count, for diagnostics. Keys
// are reported as prefixes and query text as capped previews.
func (c *QueryCache) Info() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	all := make([]*cacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		all = append(all, entry)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].hitCount != all[j].hitCount {
			return all[i].hitCount > all[j].hitCount
		}
		return all[i].createdAt.Before(all[j].createdAt)
	})

	if len(all) > topEntriesLimit {
		all = all[:topEntriesLimit]
	}

	infos := make([]EntryInfo, 0, len(all))
	for _, entry := range all {
		infos = append(infos, EntryInfo{
			KeyPrefix:       utils.ShortKey(entry.key, 0),
			RuleType:        entry.ruleType,
			AgeSeconds:      now.Sub(entry.createdAt).Seconds(),
			MinutesToExpiry: entry.expiresAt.Sub(now).Minutes(),
			HitCount:        entry.hitCount,
			QueryPreview:    entry.queryPreview,
			ResultBytes:     utils.EstimateEncodedSize(entry.result),
		})
	}
	return infos
}

// Size returns the current number of entries.
func (c *QueryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Config returns a copy of the active configuration.
func (c *QueryCache) Config() CacheConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// evictOldestLocked removes the entry with the oldest creation time.
// Caller must hold c.mu.
func (c *QueryCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.createdAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// preview caps query text for diagnostics. Full query text never leaves the
// cache; keys are hashes and previews are truncated.
func preview(query string) string {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) <= queryPreviewLen {
		return trimmed
	}
	return trimmed[:queryPreviewLen]
}
