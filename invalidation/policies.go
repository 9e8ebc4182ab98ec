package invalidation

import (
	"time"

	"encore.app/pkg/utils"
)

// escalationWindow bounds what survives a high or critical detection: the
// extra sweep drops every entry older than this, across all rule types.
const escalationWindow = 1 * time.Hour

// Policy decides what one event kind purges from the cache target.
// Policies are pure cache actions; invalidator state (history, scheduling,
// changed rules) stays with the Invalidator.
type Policy interface {
	// Apply runs the purge and returns the number of entries removed.
	Apply(target CacheTarget, event Event, now time.Time) int
}

// newPolicyTable builds the kind-to-policy mapping from the configuration.
func newPolicyTable(config Config) map[EventKind]Policy {
	return map[EventKind]Policy{
		KindRuleUpdate:     &RuleUpdatePolicy{Enabled: config.InvalidateOnRuleChange},
		KindConfigChange:   &ConfigChangePolicy{},
		KindManualClear:    &ManualClearPolicy{},
		KindScheduled:      &ScheduledPolicy{Interval: config.ScheduledInterval},
		KindDetectionFound: &DetectionPolicy{Enabled: config.InvalidateOnDetection},
	}
}

// RuleUpdatePolicy purges entries produced by a rule whose definition
// changed. Stale results for the old definition must not satisfy lookups for
// the new one.
type RuleUpdatePolicy struct {
	Enabled bool
}

func (p *RuleUpdatePolicy) Apply(target CacheTarget, event Event, now time.Time) int {
	if !p.Enabled || event.RuleType == "" {
		return 0
	}
	return target.Invalidate(event.RuleType, nil)
}

// ConfigChangePolicy purges everything. Pipeline configuration changes
// (backend endpoints, normalization settings) can silently alter what any
// query returns, so no entry is trustworthy afterwards.
type ConfigChangePolicy struct{}

func (p *ConfigChangePolicy) Apply(target CacheTarget, event Event, now time.Time) int {
	return target.Clear()
}

// ManualClearPolicy serves operator-initiated purges. An empty request
// clears everything; a wildcard pattern purges a rule family; a plain value
// in either field purges that one rule type.
type ManualClearPolicy struct{}

func (p *ManualClearPolicy) Apply(target CacheTarget, event Event, now time.Time) int {
	if event.Pattern != "" {
		if utils.IsWildcard(event.Pattern) {
			return target.InvalidateMatching(event.Pattern)
		}
		return target.Invalidate(event.Pattern, nil)
	}
	if event.RuleType == "" {
		return target.Clear()
	}
	return target.Invalidate(event.RuleType, nil)
}

// ScheduledPolicy is the periodic age sweep: entries older than the
// scheduled interval are dropped regardless of rule type.
type ScheduledPolicy struct {
	Interval time.Duration
}

func (p *ScheduledPolicy) Apply(target CacheTarget, event Event, now time.Time) int {
	cutoff := now.Add(-p.Interval)
	return target.Invalidate("", &cutoff)
}

// DetectionPolicy purges the firing rule's entries so follow-up scans see
// fresh data. High and critical findings additionally drop every entry older
// than the escalation window, whatever its rule type.
type DetectionPolicy struct {
	Enabled bool
}

func (p *DetectionPolicy) Apply(target CacheTarget, event Event, now time.Time) int {
	if !p.Enabled {
		return 0
	}

	removed := 0
	if event.RuleType != "" {
		removed = target.Invalidate(event.RuleType, nil)
	}

	if event.Severity.IsEscalated() {
		cutoff := now.Add(-escalationWindow)
		removed += target.Invalidate("", &cutoff)
	}

	return removed
}
