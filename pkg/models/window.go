// Package models provides canonical data models shared across the detection
// pipeline's scan scheduling, query caching, and monitoring services.
//
// Design Philosophy:
// - Immutable window values (safe to copy, store, and publish without locks)
// - Minimal allocations on hot paths
// - Explicit effective-range semantics for overlap handling
// - Clean serialization via json tags
package models

import (
	"fmt"
	"strings"
	"time"
)

// ScanWindow describes one continuous-scan time range for a log type.
//
// The nominal range is [Start, End]. The effective range widens the nominal
// start backwards by OverlapSeconds so that late-arriving log events near the
// previous boundary are scanned again: EffectiveStart = Start - OverlapSeconds.
//
// Thread Safety: windows are immutable after construction and are stored and
// passed by value. No locking is required to share them.
type ScanWindow struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	OverlapSeconds int       `json:"overlap_seconds"`
}

// NewScanWindow creates a scan window. Negative overlap is clamped to zero so
// the effective start can never drift later than the nominal start.
func NewScanWindow(start, end time.Time, overlapSeconds int) ScanWindow {
	if overlapSeconds < 0 {
		overlapSeconds = 0
	}
	return ScanWindow{
		Start:          start,
		End:            end,
		OverlapSeconds: overlapSeconds,
	}
}

// EffectiveStart returns the point scanning actually begins from, the nominal
// start pulled back by the overlap.
// Complexity: O(1)
func (w ScanWindow) EffectiveStart() time.Time {
	return w.Start.Add(-time.Duration(w.OverlapSeconds) * time.Second)
}

// EffectiveEnd returns the end of the effective range. Overlap only widens the
// start, so this is always the nominal end.
func (w ScanWindow) EffectiveEnd() time.Time {
	return w.End
}

// Duration returns the length of the nominal range.
func (w ScanWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// EffectiveDuration returns the length of the range actually scanned,
// including the overlap region.
func (w ScanWindow) EffectiveDuration() time.Duration {
	return w.End.Sub(w.EffectiveStart())
}

// Covers reports whether t falls inside the effective range [EffectiveStart, End).
//
// Example:
//   w := NewScanWindow(start, end, 300)
//   if w.Covers(eventTime) {
//       // event would be picked up by this scan
//   }
func (w ScanWindow) Covers(t time.Time) bool {
	return !t.Before(w.EffectiveStart()) && t.Before(w.End)
}

// IsZero reports whether the window is the zero value.
func (w ScanWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero() && w.OverlapSeconds == 0
}

// Validate checks that the window is well-formed. Used by API handlers to
// reject caller-supplied windows; internally constructed windows are always
// built in order.
func (w ScanWindow) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("scan window requires both start and end")
	}
	if w.End.Before(w.Start) {
		return fmt.Errorf("scan window end %s precedes start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// String renders the window in a compact diagnostic form.
func (w ScanWindow) String() string {
	return fmt.Sprintf("[%s .. %s] overlap=%ds",
		w.EffectiveStart().Format(time.RFC3339), w.End.Format(time.RFC3339), w.OverlapSeconds)
}

// Gap records a span of log time that no recorded scan window covered.
type Gap struct {
	LogType  string        `json:"log_type"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
}

// NewGap creates a gap record for the span [start, end).
func NewGap(logType string, start, end time.Time) Gap {
	return Gap{
		LogType:  logType,
		Start:    start,
		End:      end,
		Duration: end.Sub(start),
	}
}

// Severity classifies a detection finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps free-form input to a known severity. Unrecognized values
// fall back to medium rather than failing; severity inputs arrive from
// external callers and must never abort an invalidation.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow
	case SeverityMedium:
		return SeverityMedium
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// IsEscalated reports whether the severity triggers escalated invalidation
// handling (high and critical findings widen the purge beyond the rule type).
func (s Severity) IsEscalated() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// ContinuityStatus summarizes whether the recorded scan windows for a log type
// form an unbroken sequence.
//
// ContinuityUnknown means fewer than two windows have been recorded and there
// is not yet enough history to judge. IsContinuous reports false for it, so
// consumers that only distinguish "verified continuous" from everything else
// treat sparse history conservatively.
type ContinuityStatus string

const (
	ContinuityUnknown       ContinuityStatus = "unknown"
	ContinuityContinuous    ContinuityStatus = "continuous"
	ContinuityDiscontinuous ContinuityStatus = "discontinuous"
)

// IsContinuous reports whether continuity has been positively verified.
func (c ContinuityStatus) IsContinuous() bool {
	return c == ContinuityContinuous
}

// String returns the status name, defaulting unknown for the zero value.
func (c ContinuityStatus) String() string {
	if c == "" {
		return string(ContinuityUnknown)
	}
	return string(c)
}
