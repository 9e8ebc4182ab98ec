package invalidation

import (
	"strconv"
	"sync"
	"time"

	"encore.app/pkg/models"
)

// EventKind classifies what triggered an invalidation.
type EventKind string

const (
	KindRuleUpdate     EventKind = "rule_update"
	KindConfigChange   EventKind = "config_change"
	KindManualClear    EventKind = "manual_clear"
	KindScheduled      EventKind = "scheduled"
	KindDetectionFound EventKind = "detection_found"
)

// IsValid reports whether the kind is one the policy table handles.
func (k EventKind) IsValid() bool {
	switch k {
	case KindRuleUpdate, KindConfigChange, KindManualClear, KindScheduled, KindDetectionFound:
		return true
	}
	return false
}

// Event describes one invalidation trigger. Which fields matter depends on
// the kind: rule updates and detections carry a rule type, manual clears may
// carry a wildcard pattern, scheduled sweeps need neither.
type Event struct {
	Kind       EventKind         `json:"kind"`
	RuleType   string            `json:"rule_type,omitempty"`
	Pattern    string            `json:"pattern,omitempty"`
	Severity   models.Severity   `json:"severity,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// CacheTarget is the slice of the query cache the invalidator drives.
// Satisfied by *querycache.QueryCache. A nil target is tolerated: policies
// run, remove nothing, and the event is still recorded.
type CacheTarget interface {
	Invalidate(ruleType string, olderThan *time.Time) int
	InvalidateMatching(pattern string) int
	Clear() int
}

// Config holds the invalidator tunables.
type Config struct {
	Enabled                bool          `json:"enabled"`
	InvalidateOnDetection  bool          `json:"invalidate_on_detection"`
	InvalidateOnRuleChange bool          `json:"invalidate_on_rule_change"`
	ScheduledInterval      time.Duration `json:"scheduled_interval"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		InvalidateOnDetection:  true,
		InvalidateOnRuleChange: true,
		ScheduledInterval:      6 * time.Hour,
	}
}

// Record is one processed invalidation event in the in-memory history.
type Record struct {
	Timestamp          time.Time         `json:"timestamp"`
	Kind               EventKind         `json:"kind"`
	EntriesInvalidated int               `json:"entries_invalidated"`
	RuleType           string            `json:"rule_type,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// maxHistoryRecords bounds the in-memory audit history. Older records are
// dropped FIFO; the SQL audit trail keeps the long tail.
const maxHistoryRecords = 100

// Stats is the externally visible invalidator state.
type Stats struct {
	Enabled             bool                 `json:"enabled"`
	TotalInvalidations  int64                `json:"total_invalidations"`
	TotalEntriesRemoved int64                `json:"total_entries_removed"`
	HistorySize         int                  `json:"history_size"`
	EventCounts         map[EventKind]int64  `json:"event_counts"`
	ChangedRules        map[string]time.Time `json:"changed_rules,omitempty"`
	LastScheduled       time.Time            `json:"last_scheduled"`
	NextScheduled       time.Time            `json:"next_scheduled"`
}

// Invalidator applies the event policy table to a cache target and keeps a
// bounded audit history of what every event removed.
//
// Trade-offs:
//   - One mutex over history, counters, and scheduling state: events are
//     infrequent (rule pushes, detections, an hourly sweep), so a single
//     critical section costs nothing and keeps records consistent.
//   - The invalidator never errors. Empty caches, nil targets, and unknown
//     kinds all degrade to "removed 0"; cache purging is an optimization and
//     must not fail the caller that triggered it.
//
// Instances are created with NewInvalidator and wired by the owning service;
// there is no package-level instance.
type Invalidator struct {
	mu       sync.Mutex
	config   Config
	target   CacheTarget
	policies map[EventKind]Policy

	history             []Record
	eventCounts         map[EventKind]int64
	totalEvents         int64
	totalEntriesRemoved int64
	changedRules        map[string]time.Time
	lastScheduled       time.Time
}

// NewInvalidator creates an invalidator bound to the given cache target.
// A nil target is allowed and can be injected later with SetTarget.
func NewInvalidator(config Config, target CacheTarget) *Invalidator {
	if config.ScheduledInterval <= 0 {
		config.ScheduledInterval = DefaultConfig().ScheduledInterval
	}

	return &Invalidator{
		config:       config,
		target:       target,
		policies:     newPolicyTable(config),
		history:      make([]Record, 0, maxHistoryRecords),
		eventCounts:  make(map[EventKind]int64),
		changedRules: make(map[string]time.Time),
	}
}

// SetTarget injects the cache target (for production wiring or testing).
func (inv *Invalidator) SetTarget(target CacheTarget) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.target = target
}

// Enabled reports whether the invalidator processes events at all.
func (inv *Invalidator) Enabled() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.config.Enabled
}

// Config returns a copy of the active configuration.
func (inv *Invalidator) Config() Config {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.config
}

// Invalidate processes one event through the policy table and returns the
// number of cache entries removed.
//
// Disabled invalidators return 0 and record nothing. Unknown kinds are
// ignored the same way. Every processed event is appended to the bounded
// history, including events that removed nothing.
func (inv *Invalidator) Invalidate(event Event) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if !inv.config.Enabled {
		return 0
	}

	policy, ok := inv.policies[event.Kind]
	if !ok {
		return 0
	}

	now := time.Now()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}

	removed := 0
	if inv.target != nil {
		removed = policy.Apply(inv.target, event, now)
	}

	// Scheduling and rule-change state advances even with a nil target: the
	// event itself happened regardless of how many entries it could remove.
	switch event.Kind {
	case KindScheduled:
		inv.lastScheduled = now
	case KindRuleUpdate:
		if inv.config.InvalidateOnRuleChange && event.RuleType != "" {
			inv.changedRules[event.RuleType] = now
		}
	}

	inv.recordLocked(event, removed, now)
	return removed
}

// OnRuleChange handles a detection-rule update for the given rule type.
func (inv *Invalidator) OnRuleChange(ruleType string) int {
	return inv.Invalidate(Event{
		Kind:     KindRuleUpdate,
		RuleType: ruleType,
	})
}

// OnDetection handles a reported detection finding. High and critical
// findings additionally sweep aged entries across all rule types.
func (inv *Invalidator) OnDetection(ruleType string, severity models.Severity, eventCount int) int {
	meta := map[string]string{
		"severity": string(severity),
	}
	if eventCount > 0 {
		meta["event_count"] = strconv.Itoa(eventCount)
	}

	return inv.Invalidate(Event{
		Kind:     KindDetectionFound,
		RuleType: ruleType,
		Severity: severity,
		Metadata: meta,
	})
}

// ShouldRunScheduled reports whether the periodic sweep is due: the
// invalidator is enabled and at least ScheduledInterval has passed since the
// last sweep. A sweep that never ran is always due.
func (inv *Invalidator) ShouldRunScheduled() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if !inv.config.Enabled {
		return false
	}
	if inv.lastScheduled.IsZero() {
		return true
	}
	return time.Since(inv.lastScheduled) >= inv.config.ScheduledInterval
}

// RunScheduled executes the periodic age-based sweep.
func (inv *Invalidator) RunScheduled() int {
	return inv.Invalidate(Event{Kind: KindScheduled})
}

// Stats returns a snapshot of the invalidator state.
func (inv *Invalidator) Stats() Stats {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	counts := make(map[EventKind]int64, len(inv.eventCounts))
	for kind, count := range inv.eventCounts {
		counts[kind] = count
	}

	changed := make(map[string]time.Time, len(inv.changedRules))
	for rule, at := range inv.changedRules {
		changed[rule] = at
	}

	var next time.Time
	if !inv.lastScheduled.IsZero() {
		next = inv.lastScheduled.Add(inv.config.ScheduledInterval)
	}

	return Stats{
		Enabled:             inv.config.Enabled,
		TotalInvalidations:  inv.totalEvents,
		TotalEntriesRemoved: inv.totalEntriesRemoved,
		HistorySize:         len(inv.history),
		EventCounts:         counts,
		ChangedRules:        changed,
		LastScheduled:       inv.lastScheduled,
		NextScheduled:       next,
	}
}

// History returns a copy of the in-memory audit history, oldest first.
func (inv *Invalidator) History() []Record {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	out := make([]Record, len(inv.history))
	copy(out, inv.history)
	return out
}

// recordLocked appends one processed event to the history and counters.
// Caller must hold inv.mu.
func (inv *Invalidator) recordLocked(event Event, removed int, now time.Time) {
	inv.history = append(inv.history, Record{
		Timestamp:          now,
		Kind:               event.Kind,
		EntriesInvalidated: removed,
		RuleType:           event.RuleType,
		Metadata:           event.Metadata,
	})
	if len(inv.history) > maxHistoryRecords {
		inv.history = inv.history[len(inv.history)-maxHistoryRecords:]
	}

	inv.eventCounts[event.Kind]++
	inv.totalEvents++
	inv.totalEntriesRemoved += int64(removed)
}
