package scanner

import (
	"math"
	"sort"
	"sync"
	"time"

	"encore.app/pkg/models"
)

// OverlapManager computes scan windows with overlap handling and tracks the
// recorded window history per log type for gap detection and continuity
// validation.
//
// Overlap model:
//   - Every window's effective start is pulled back by an overlap margin so
//     that log events which arrived late (ingestion delay, clock skew) near
//     the previous boundary are scanned again.
//   - Overlap resolution order: explicit force value, per-type configuration,
//     default. The result is always clamped to [0, MaxOverlapSeconds].
//   - Adaptive overlap widens the margin for types whose pipelines are slow
//     or flaky, bounded so rescanning cost cannot grow without limit.
//
// Thread Safety: all methods are safe for concurrent use. A single RWMutex
// guards the history map; windows themselves are immutable values.
type OverlapManager struct {
	config ManagerConfig

	mu      sync.RWMutex
	history map[string][]models.ScanWindow
}

// ManagerConfig holds overlap and history tuning for the manager.
type ManagerConfig struct {
	DefaultOverlapSeconds int            `json:"default_overlap_seconds"` // Fallback overlap margin
	PerTypeOverlaps       map[string]int `json:"per_type_overlaps"`       // Per-log-type overrides
	MaxOverlapSeconds     int            `json:"max_overlap_seconds"`     // Hard cap on any overlap
	MaxHistoryEntries     int            `json:"max_history_entries"`     // Windows retained per type (FIFO)
}

// DefaultManagerConfig returns the standard overlap configuration.
//
// The per-type overrides reflect observed ingestion delays: VPC flow logs
// batch up to several minutes behind real time, firewall exports land faster
// but still lag interactive sources.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultOverlapSeconds: 60,
		PerTypeOverlaps: map[string]int{
			"vpc_flow": 300,
			"firewall": 120,
		},
		MaxOverlapSeconds: 600,
		MaxHistoryEntries: 100,
	}
}

// NewOverlapManager creates a manager with the given configuration.
// Invalid values are normalized to defaults rather than rejected.
func NewOverlapManager(config ManagerConfig) *OverlapManager {
	defaults := DefaultManagerConfig()
	if config.DefaultOverlapSeconds <= 0 {
		config.DefaultOverlapSeconds = defaults.DefaultOverlapSeconds
	}
	if config.MaxOverlapSeconds <= 0 {
		config.MaxOverlapSeconds = defaults.MaxOverlapSeconds
	}
	if config.MaxHistoryEntries <= 0 {
		config.MaxHistoryEntries = defaults.MaxHistoryEntries
	}
	if config.PerTypeOverlaps == nil {
		config.PerTypeOverlaps = defaults.PerTypeOverlaps
	}

	return &OverlapManager{
		config:  config,
		history: make(map[string][]models.ScanWindow),
	}
}

// CalculateScanWindow produces the window for one scan cycle and records it
// in the log type's history.
//
// Overlap resolution: forceOverlap when non-nil (clamped to the configured
// maximum), else the per-type override, else the default. The final value is
// always within [0, MaxOverlapSeconds].
//
// Side effect: the produced window is appended to the type's history, with
// the oldest entries dropped beyond MaxHistoryEntries.
//
// Complexity: O(1) amortized
func (m *OverlapManager) CalculateScanWindow(logType string, lastScanTime, currentTime time.Time, forceOverlap *int) models.ScanWindow {
	overlap := m.resolveOverlap(logType, forceOverlap)
	window := models.NewScanWindow(lastScanTime, currentTime, overlap)

	m.mu.Lock()
	entries := append(m.history[logType], window)
	if excess := len(entries) - m.config.MaxHistoryEntries; excess > 0 {
		entries = entries[excess:]
	}
	m.history[logType] = entries
	m.mu.Unlock()

	return window
}

// resolveOverlap applies the force > per-type > default precedence with the
// final clamp to [0, MaxOverlapSeconds].
func (m *OverlapManager) resolveOverlap(logType string, forceOverlap *int) int {
	overlap := m.config.DefaultOverlapSeconds
	if perType, ok := m.config.PerTypeOverlaps[logType]; ok {
		overlap = perType
	}
	if forceOverlap != nil {
		overlap = *forceOverlap
	}

	if overlap < 0 {
		overlap = 0
	}
	if overlap > m.config.MaxOverlapSeconds {
		overlap = m.config.MaxOverlapSeconds
	}
	return overlap
}

// DetectGaps reports the span of log time between the most recently recorded
// window for the type and a proposed next window, if any.
//
// Returns:
//   - No history: the proposed window's entire effective range as a
//     zero-overlap window (nothing has ever been scanned, so nothing the
//     window would cover is verified).
//   - Proposed effective start after the last recorded end: a synthetic
//     zero-overlap window spanning [lastEnd, effectiveStart) that the caller
//     should additionally scan to close the gap.
//   - Otherwise nil.
//
// Call this before CalculateScanWindow records the proposed window; once
// recorded, the proposal is itself the most recent entry.
func (m *OverlapManager) DetectGaps(logType string, proposed models.ScanWindow) *models.ScanWindow {
	m.mu.RLock()
	entries := m.history[logType]
	var lastEnd time.Time
	if len(entries) > 0 {
		lastEnd = entries[len(entries)-1].End
	}
	m.mu.RUnlock()

	effectiveStart := proposed.EffectiveStart()

	if lastEnd.IsZero() {
		gap := models.NewScanWindow(effectiveStart, proposed.End, 0)
		return &gap
	}

	if effectiveStart.After(lastEnd) {
		gap := models.NewScanWindow(lastEnd, effectiveStart, 0)
		return &gap
	}

	return nil
}

// GetAdaptiveOverlap widens the base overlap for a type whose pipeline is
// running behind or failing often.
//
// delayFactor = min(2.0, 1 + delay/60), applied only when the observed
// processing delay exceeds 30 seconds. errorFactor = min(2.0, 1 + 2*rate),
// applied only when the error rate exceeds 5%. The adjusted overlap is
// clamped to [DefaultOverlapSeconds, MaxOverlapSeconds], so it is always at
// least the default and never above the hard cap.
//
// The result is monotonically non-decreasing in both inputs.
func (m *OverlapManager) GetAdaptiveOverlap(logType string, processingDelaySeconds, errorRate float64) int {
	base := m.config.DefaultOverlapSeconds
	if perType, ok := m.config.PerTypeOverlaps[logType]; ok {
		base = perType
	}

	delayFactor := 1.0
	if processingDelaySeconds > 30 {
		delayFactor = math.Min(2.0, 1.0+processingDelaySeconds/60.0)
	}

	errorFactor := 1.0
	if errorRate > 0.05 {
		errorFactor = math.Min(2.0, 1.0+2.0*errorRate)
	}

	adjusted := int(float64(base) * delayFactor * errorFactor)

	if adjusted < m.config.DefaultOverlapSeconds {
		adjusted = m.config.DefaultOverlapSeconds
	}
	if adjusted > m.config.MaxOverlapSeconds {
		adjusted = m.config.MaxOverlapSeconds
	}
	return adjusted
}

// ValidateScanContinuity walks the recorded windows for a type pairwise and
// collects every span where a window's effective start exceeds its
// predecessor's end.
//
// With fewer than two recorded windows continuity cannot be assessed:
// the status is ContinuityUnknown (IsContinuous reports false) with an
// empty gap list.
func (m *OverlapManager) ValidateScanContinuity(logType string) (models.ContinuityStatus, []models.Gap) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateContinuityLocked(logType)
}

// validateContinuityLocked implements the pairwise walk. Caller holds mu.
func (m *OverlapManager) validateContinuityLocked(logType string) (models.ContinuityStatus, []models.Gap) {
	entries := m.history[logType]
	gaps := make([]models.Gap, 0)

	if len(entries) < 2 {
		return models.ContinuityUnknown, gaps
	}

	for i := 1; i < len(entries); i++ {
		effectiveStart := entries[i].EffectiveStart()
		if effectiveStart.After(entries[i-1].End) {
			gaps = append(gaps, models.NewGap(logType, entries[i-1].End, effectiveStart))
		}
	}

	if len(gaps) > 0 {
		return models.ContinuityDiscontinuous, gaps
	}
	return models.ContinuityContinuous, gaps
}

// GetScanStatistics summarizes the recorded history for every tracked type:
// window count, average overlap, continuity status, gap count, and the
// first/last recorded bounds.
//
// Complexity: O(types * windows)
func (m *OverlapManager) GetScanStatistics() map[string]models.TypeStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]models.TypeStatistics, len(m.history))
	for logType, entries := range m.history {
		if len(entries) == 0 {
			continue
		}

		overlapSum := 0
		for _, w := range entries {
			overlapSum += w.OverlapSeconds
		}

		continuity, gaps := m.validateContinuityLocked(logType)

		stats[logType] = models.TypeStatistics{
			LogType:           logType,
			WindowCount:       len(entries),
			AvgOverlapSeconds: float64(overlapSum) / float64(len(entries)),
			Continuity:        continuity,
			GapCount:          len(gaps),
			FirstStart:        entries[0].Start,
			LastEnd:           entries[len(entries)-1].End,
		}
	}

	return stats
}

// History returns a copy of the recorded windows for a type.
// Diagnostics only; the returned slice is the caller's to mutate.
func (m *OverlapManager) History(logType string) []models.ScanWindow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[logType]
	out := make([]models.ScanWindow, len(entries))
	copy(out, entries)
	return out
}

// TrackedTypes returns the log types with recorded history, sorted by name.
func (m *OverlapManager) TrackedTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	types := make([]string, 0, len(m.history))
	for logType := range m.history {
		types = append(types, logType)
	}
	sort.Strings(types)
	return types
}

// LastScanEnd returns the end of the most recently recorded window for a
// type, and whether any history exists.
func (m *OverlapManager) LastScanEnd(logType string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[logType]
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[len(entries)-1].End, true
}

// Config returns the manager configuration.
func (m *OverlapManager) Config() ManagerConfig {
	return m.config
}
