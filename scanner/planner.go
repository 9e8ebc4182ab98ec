package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"encore.app/pkg/models"
)

// Planner decides which log sources to scan next and in what order.
// Different planners optimize for different failure modes: catching up the
// most-lagged sources, closing known coverage gaps, or fair rotation.
type Planner interface {
	Name() string
	Plan(ctx context.Context, opts PlanOptions) ([]ScanTask, error)
}

// PlanOptions provides the registry view a planner orders.
type PlanOptions struct {
	Sources []SourceSnapshot // Candidate sources with last-scan state
	Gaps    map[string]int   // Recorded gap count per log type
	Now     time.Time        // Planning reference time
	Limit   int              // Maximum number of tasks to generate
}

// SourceSnapshot is the read-only view of a registered log source handed to
// planners.
type SourceSnapshot struct {
	Name       string        `json:"name"`
	Query      string        `json:"query"`
	RuleType   string        `json:"rule_type,omitempty"`
	Interval   time.Duration `json:"interval"`
	LastScan   time.Time     `json:"last_scan"`
	LastStatus string        `json:"last_status,omitempty"`
}

// Lag returns how far past its interval the source is at the reference time.
// Never-scanned sources report the full interval as lag so they sort ahead
// of freshly scanned ones.
func (s SourceSnapshot) Lag(now time.Time) time.Duration {
	if s.LastScan.IsZero() {
		return s.Interval
	}
	return now.Sub(s.LastScan) - s.Interval
}

// Due reports whether the source should be scanned at the reference time.
func (s SourceSnapshot) Due(now time.Time) bool {
	return s.Lag(now) >= 0
}

// ScanTask represents a single scheduled scan of one log source.
type ScanTask struct {
	LogType  string            // Log type to scan
	Query    string            // Query the executor runs for this source
	RuleType string            // Rule type tag for cache entries and events
	Window   models.ScanWindow // Explicit window; zero means compute at execution
	Priority int               // Task priority (higher = more urgent)
	Planner  string            // Planner that created this task
	Reason   string            // "interval", "gap", "manual"
}

// LagFirstPlanner scans the most-overdue sources first. This is the default:
// when the sweep cannot cover every source, the ones furthest behind real
// time are the ones most at risk of exceeding their overlap margin.
type LagFirstPlanner struct {
	name string
}

// NewLagFirstPlanner creates a new lag-first planner.
func NewLagFirstPlanner() Planner {
	return &LagFirstPlanner{name: "lag"}
}

func (p *LagFirstPlanner) Name() string {
	return p.name
}

// Plan generates tasks for due sources ordered by descending lag.
// Complexity: O(n log n) for sorting
func (p *LagFirstPlanner) Plan(ctx context.Context, opts PlanOptions) ([]ScanTask, error) {
	due := dueSources(opts.Sources, opts.Now)
	if len(due) == 0 {
		return []ScanTask{}, nil
	}

	sort.Slice(due, func(i, j int) bool {
		lagI, lagJ := due[i].Lag(opts.Now), due[j].Lag(opts.Now)
		if lagI == lagJ {
			return due[i].Name < due[j].Name
		}
		return lagI > lagJ
	})

	limit := applyLimit(len(due), opts.Limit)
	tasks := make([]ScanTask, 0, limit)
	for i := 0; i < limit; i++ {
		src := due[i]

		// Priority scales with how many intervals behind the source is.
		priority := 50
		if src.Interval > 0 {
			behind := int(src.Lag(opts.Now) / src.Interval)
			priority += behind * 10
			if priority > 100 {
				priority = 100
			}
		}

		tasks = append(tasks, ScanTask{
			LogType:  src.Name,
			Query:    src.Query,
			RuleType: src.RuleType,
			Priority: priority,
			Planner:  p.name,
			Reason:   "interval",
		})
	}

	return tasks, nil
}

// GapFirstPlanner prioritizes sources whose log types have recorded coverage
// gaps, then falls back to lag ordering. Useful after an outage: closing
// holes in already-scanned ranges beats staying current on healthy sources.
type GapFirstPlanner struct {
	name string
}

// NewGapFirstPlanner creates a new gap-first planner.
func NewGapFirstPlanner() Planner {
	return &GapFirstPlanner{name: "gap"}
}

func (p *GapFirstPlanner) Name() string {
	return p.name
}

// Plan generates tasks ordered by recorded gap count (descending), breaking
// ties by lag. Sources without gaps still participate so the sweep degrades
// to lag-first when history is clean.
// Complexity: O(n log n)
func (p *GapFirstPlanner) Plan(ctx context.Context, opts PlanOptions) ([]ScanTask, error) {
	due := dueSources(opts.Sources, opts.Now)
	if len(due) == 0 {
		return []ScanTask{}, nil
	}

	gapCount := func(name string) int {
		if opts.Gaps == nil {
			return 0
		}
		return opts.Gaps[name]
	}

	sort.Slice(due, func(i, j int) bool {
		gapsI, gapsJ := gapCount(due[i].Name), gapCount(due[j].Name)
		if gapsI != gapsJ {
			return gapsI > gapsJ
		}
		lagI, lagJ := due[i].Lag(opts.Now), due[j].Lag(opts.Now)
		if lagI == lagJ {
			return due[i].Name < due[j].Name
		}
		return lagI > lagJ
	})

	limit := applyLimit(len(due), opts.Limit)
	tasks := make([]ScanTask, 0, limit)
	for i := 0; i < limit; i++ {
		src := due[i]

		priority := 50 + gapCount(src.Name)*20
		if priority > 100 {
			priority = 100
		}

		reason := "interval"
		if gapCount(src.Name) > 0 {
			reason = "gap"
		}

		tasks = append(tasks, ScanTask{
			LogType:  src.Name,
			Query:    src.Query,
			RuleType: src.RuleType,
			Priority: priority,
			Planner:  p.name,
			Reason:   reason,
		})
	}

	return tasks, nil
}

// RoundRobinPlanner rotates through sources in stable name order, advancing
// its starting position every sweep so every source gets scheduled even when
// the limit is smaller than the source count.
type RoundRobinPlanner struct {
	name   string
	mu     sync.Mutex
	cursor int
}

// NewRoundRobinPlanner creates a new round-robin planner.
func NewRoundRobinPlanner() Planner {
	return &RoundRobinPlanner{name: "roundrobin"}
}

func (p *RoundRobinPlanner) Name() string {
	return p.name
}

// Plan generates tasks in name order starting at the rotating cursor.
// Complexity: O(n log n)
func (p *RoundRobinPlanner) Plan(ctx context.Context, opts PlanOptions) ([]ScanTask, error) {
	due := dueSources(opts.Sources, opts.Now)
	if len(due) == 0 {
		return []ScanTask{}, nil
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].Name < due[j].Name
	})

	limit := applyLimit(len(due), opts.Limit)

	p.mu.Lock()
	start := p.cursor % len(due)
	p.cursor = (start + limit) % len(due)
	p.mu.Unlock()

	tasks := make([]ScanTask, 0, limit)
	for i := 0; i < limit; i++ {
		src := due[(start+i)%len(due)]
		tasks = append(tasks, ScanTask{
			LogType:  src.Name,
			Query:    src.Query,
			RuleType: src.RuleType,
			Priority: 50,
			Planner:  p.name,
			Reason:   "interval",
		})
	}

	return tasks, nil
}

// dueSources filters the snapshot list down to sources due at the reference
// time.
func dueSources(sources []SourceSnapshot, now time.Time) []SourceSnapshot {
	due := make([]SourceSnapshot, 0, len(sources))
	for _, src := range sources {
		if src.Due(now) {
			due = append(due, src)
		}
	}
	return due
}

// applyLimit clamps a requested task count.
func applyLimit(available, limit int) int {
	if limit <= 0 || limit > available {
		return available
	}
	return limit
}
