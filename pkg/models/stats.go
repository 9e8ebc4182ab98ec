package models

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// CacheStats is the externally reported state of a query cache instance.
// Counters are lifetime totals and survive Clear.
type CacheStats struct {
	Enabled           bool    `json:"enabled"`
	Size              int     `json:"size"`
	MaxSize           int     `json:"max_size"`
	Hits              uint64  `json:"hits"`
	Misses            uint64  `json:"misses"`
	Evictions         uint64  `json:"evictions"`
	TotalQueries      uint64  `json:"total_queries"`
	HitRate           float64 `json:"hit_rate"` // percent, 0-100
	DefaultTTLMinutes int     `json:"default_ttl_minutes"`
}

// MergeCacheStats combines stats from multiple cache instances. Rates are
// recalculated from the summed counters; Enabled is true if any instance is.
func MergeCacheStats(a, b CacheStats) CacheStats {
	merged := CacheStats{
		Enabled:           a.Enabled || b.Enabled,
		Size:              a.Size + b.Size,
		MaxSize:           a.MaxSize + b.MaxSize,
		Hits:              a.Hits + b.Hits,
		Misses:            a.Misses + b.Misses,
		Evictions:         a.Evictions + b.Evictions,
		TotalQueries:      a.TotalQueries + b.TotalQueries,
		DefaultTTLMinutes: a.DefaultTTLMinutes,
	}
	if merged.TotalQueries > 0 {
		merged.HitRate = float64(merged.Hits) / float64(merged.TotalQueries) * 100
	}
	return merged
}

// TypeStatistics summarizes the recorded scan history for one log type.
type TypeStatistics struct {
	LogType           string           `json:"log_type"`
	WindowCount       int              `json:"window_count"`
	AvgOverlapSeconds float64          `json:"avg_overlap_seconds"`
	Continuity        ContinuityStatus `json:"continuity"`
	GapCount          int              `json:"gap_count"`
	FirstStart        time.Time        `json:"first_start"`
	LastEnd           time.Time        `json:"last_end"`
}

// PipelineSnapshot is a point-in-time snapshot of pipeline-wide metrics,
// suitable for merging across instances and for export.
//
// Design: Uses primitive types for zero-allocation access in hot paths.
// All fields are exported for direct access but should be treated as immutable
// after creation.
type PipelineSnapshot struct {
	Timestamp time.Time

	// Counter metrics
	ScansCompleted uint64
	GapsDetected   uint64
	WindowsWidened uint64
	CacheHits      uint64
	CacheMisses    uint64
	CacheEvictions uint64
	Invalidations  uint64
	Detections     uint64
	QueryErrors    uint64

	// Size metrics
	CacheSize       uint64
	TrackedLogTypes uint64

	// Latency metrics
	Latency LatencySummary

	// Derived metrics (calculated fields)
	HitRate   float64
	ErrorRate float64
}

// NewPipelineSnapshot stamps the snapshot with the current time and fills in
// the derived rates from the counters already set.
func NewPipelineSnapshot(s PipelineSnapshot) PipelineSnapshot {
	s.Timestamp = time.Now()
	s.HitRate = 0
	s.ErrorRate = 0

	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.HitRate = float64(s.CacheHits) / float64(lookups)
	}
	if attempts := s.ScansCompleted + s.QueryErrors; attempts > 0 {
		s.ErrorRate = float64(s.QueryErrors) / float64(attempts)
	}
	return s
}

// TotalLookups returns the total number of cache lookups in the snapshot.
func (s *PipelineSnapshot) TotalLookups() uint64 {
	return s.CacheHits + s.CacheMisses
}

// GapRate returns gaps detected per completed scan (0-1 range).
func (s *PipelineSnapshot) GapRate() float64 {
	if s.ScansCompleted == 0 {
		return 0
	}
	return float64(s.GapsDetected) / float64(s.ScansCompleted)
}

// MergeSnapshots combines two pipeline snapshots.
// Complexity: O(1)
//
// Usage:
//   combined := MergeSnapshots(GetSnapshot(nodeA), GetSnapshot(nodeB))
func MergeSnapshots(a, b PipelineSnapshot) PipelineSnapshot {
	return NewPipelineSnapshot(PipelineSnapshot{
		ScansCompleted: a.ScansCompleted + b.ScansCompleted,
		GapsDetected:   a.GapsDetected + b.GapsDetected,
		WindowsWidened: a.WindowsWidened + b.WindowsWidened,
		CacheHits:      a.CacheHits + b.CacheHits,
		CacheMisses:    a.CacheMisses + b.CacheMisses,
		CacheEvictions: a.CacheEvictions + b.CacheEvictions,
		Invalidations:  a.Invalidations + b.Invalidations,
		Detections:     a.Detections + b.Detections,
		QueryErrors:    a.QueryErrors + b.QueryErrors,

		CacheSize:       a.CacheSize + b.CacheSize,
		TrackedLogTypes: a.TrackedLogTypes + b.TrackedLogTypes,

		Latency: MergeLatencySummaries(a.Latency, b.Latency),
	})
}

// LatencySummary provides a statistical summary of latency measurements.
//
// Memory: Fixed size struct (no allocations for updates).
// Thread Safety: Caller must synchronize access.
type LatencySummary struct {
	Count uint64        // Number of samples
	Sum   time.Duration // Sum of all samples
	Min   time.Duration // Minimum latency
	Max   time.Duration // Maximum latency
	P50   time.Duration // 50th percentile (median)
	P95   time.Duration // 95th percentile
	P99   time.Duration // 99th percentile
}

// MergeLatencySummaries combines two latency summaries.
// Note: Percentiles are approximated by a count-weighted average. Exact merged
// percentiles would require the original sample data.
func MergeLatencySummaries(a, b LatencySummary) LatencySummary {
	if a.Count == 0 {
		return b
	}
	if b.Count == 0 {
		return a
	}

	totalCount := a.Count + b.Count
	weightA := float64(a.Count) / float64(totalCount)
	weightB := float64(b.Count) / float64(totalCount)

	return LatencySummary{
		Count: totalCount,
		Sum:   a.Sum + b.Sum,
		Min:   minDuration(a.Min, b.Min),
		Max:   maxDuration(a.Max, b.Max),
		P50:   time.Duration(float64(a.P50)*weightA + float64(b.P50)*weightB),
		P95:   time.Duration(float64(a.P95)*weightA + float64(b.P95)*weightB),
		P99:   time.Duration(float64(a.P99)*weightA + float64(b.P99)*weightB),
	}
}

// UpdateLatency folds a new sample into the summary. Only Count, Sum, Min and
// Max move; percentiles must be recalculated from raw samples with
// CalculateLatencySummary.
func UpdateLatency(summary *LatencySummary, sample time.Duration) {
	if summary.Count == 0 {
		summary.Min = sample
		summary.Max = sample
	} else {
		if sample < summary.Min {
			summary.Min = sample
		}
		if sample > summary.Max {
			summary.Max = sample
		}
	}

	summary.Count++
	summary.Sum += sample
}

// CalculateLatencySummary computes an accurate summary from raw samples.
// Complexity: O(n log n) due to sorting for percentiles.
func CalculateLatencySummary(samples []time.Duration) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, sample := range sorted {
		sum += sample
	}

	return LatencySummary{
		Count: uint64(len(sorted)),
		Sum:   sum,
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   percentileDuration(sorted, 0.50),
		P95:   percentileDuration(sorted, 0.95),
		P99:   percentileDuration(sorted, 0.99),
	}
}

// AvgLatency returns the average latency.
func (ls *LatencySummary) AvgLatency() time.Duration {
	if ls.Count == 0 {
		return 0
	}
	return ls.Sum / time.Duration(ls.Count)
}

// SnapshotToPrometheusFormat converts a snapshot to a Prometheus-compatible
// metrics map of metric_name -> value, ready for exposition-format rendering.
func SnapshotToPrometheusFormat(snapshot PipelineSnapshot, prefix string) map[string]float64 {
	metrics := make(map[string]float64)

	// Counter metrics
	metrics[fmt.Sprintf("%s_scans_total", prefix)] = float64(snapshot.ScansCompleted)
	metrics[fmt.Sprintf("%s_gaps_total", prefix)] = float64(snapshot.GapsDetected)
	metrics[fmt.Sprintf("%s_windows_widened_total", prefix)] = float64(snapshot.WindowsWidened)
	metrics[fmt.Sprintf("%s_hits_total", prefix)] = float64(snapshot.CacheHits)
	metrics[fmt.Sprintf("%s_misses_total", prefix)] = float64(snapshot.CacheMisses)
	metrics[fmt.Sprintf("%s_evictions_total", prefix)] = float64(snapshot.CacheEvictions)
	metrics[fmt.Sprintf("%s_invalidations_total", prefix)] = float64(snapshot.Invalidations)
	metrics[fmt.Sprintf("%s_detections_total", prefix)] = float64(snapshot.Detections)
	metrics[fmt.Sprintf("%s_query_errors_total", prefix)] = float64(snapshot.QueryErrors)

	// Gauge metrics
	metrics[fmt.Sprintf("%s_hit_rate", prefix)] = snapshot.HitRate
	metrics[fmt.Sprintf("%s_error_rate", prefix)] = snapshot.ErrorRate
	metrics[fmt.Sprintf("%s_cache_size", prefix)] = float64(snapshot.CacheSize)
	metrics[fmt.Sprintf("%s_tracked_log_types", prefix)] = float64(snapshot.TrackedLogTypes)

	// Latency metrics (in milliseconds)
	metrics[fmt.Sprintf("%s_latency_avg_ms", prefix)] = float64(snapshot.Latency.AvgLatency().Milliseconds())
	metrics[fmt.Sprintf("%s_latency_min_ms", prefix)] = float64(snapshot.Latency.Min.Milliseconds())
	metrics[fmt.Sprintf("%s_latency_max_ms", prefix)] = float64(snapshot.Latency.Max.Milliseconds())
	metrics[fmt.Sprintf("%s_latency_p50_ms", prefix)] = float64(snapshot.Latency.P50.Milliseconds())
	metrics[fmt.Sprintf("%s_latency_p95_ms", prefix)] = float64(snapshot.Latency.P95.Milliseconds())
	metrics[fmt.Sprintf("%s_latency_p99_ms", prefix)] = float64(snapshot.Latency.P99.Milliseconds())

	return metrics
}

// Helper functions

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// percentileDuration calculates the p-th percentile from sorted durations.
// Assumes samples is already sorted.
func percentileDuration(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}

	index := p * float64(len(samples)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return samples[lower]
	}

	// Linear interpolation
	weight := index - float64(lower)
	return time.Duration(float64(samples[lower])*(1-weight) + float64(samples[upper])*weight)
}
