package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"encore.app/pkg/middleware"
	"encore.app/pkg/models"
)

// Reporter assembles visualization-ready views over the collected metrics.
//
// Design Philosophy:
// - Pre-computed aggregations for fast rendering
// - Time-series data optimized for charting libraries
// - Drill-down into per-log-type scan continuity
// - Export paths for external monitoring systems
type Reporter struct {
	aggregator *Aggregator
	collector  *MetricsCollector
	alertMgr   *AlertManager
	detector   *AnomalyDetector
}

// NewReporter creates a new reporter instance.
func NewReporter(aggregator *Aggregator, collector *MetricsCollector, alertMgr *AlertManager) *Reporter {
	return &Reporter{
		aggregator: aggregator,
		collector:  collector,
		alertMgr:   alertMgr,
		detector:   aggregator.detector,
	}
}

// Request and response types for reporting endpoints

type GetOverviewRequest struct {
	TimeRange time.Duration `json:"time_range"` // e.g., 1h, 24h
}

type GetOverviewResponse struct {
	Summary         SummaryStats    `json:"summary"`
	Timeline        []TimelinePoint `json:"timeline"`
	TypeStates      []TypeScanState `json:"type_states"`
	SystemHealth    SystemHealth    `json:"system_health"`
	RecentAlerts    []Alert         `json:"recent_alerts"`
	RecentAnomalies []Anomaly       `json:"recent_anomalies"`
}

type SummaryStats struct {
	ScansCompleted int64   `json:"scans_completed"`
	ScansFailed    int64   `json:"scans_failed"`
	ScanRate       float64 `json:"scan_rate"`
	FailureRate    float64 `json:"failure_rate"`
	GapRate        float64 `json:"gap_rate"`
	HitRate        float64 `json:"hit_rate"`
	AvgLatency     float64 `json:"avg_latency_ms"`
	P95Latency     float64 `json:"p95_latency_ms"`
	Detections     int64   `json:"detections"`
	TrendScanRate  string  `json:"trend_scan_rate"` // "up", "down", "stable"
	TrendHitRate   string  `json:"trend_hit_rate"`
	TrendLatency   string  `json:"trend_latency"`
}

type TimelinePoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Scans       int64     `json:"scans"`
	ScanRate    float64   `json:"scan_rate"`
	FailureRate float64   `json:"failure_rate"`
	GapRate     float64   `json:"gap_rate"`
	HitRate     float64   `json:"hit_rate"`
	AvgLatency  float64   `json:"avg_latency_ms"`
	P50Latency  float64   `json:"p50_latency_ms"`
	P95Latency  float64   `json:"p95_latency_ms"`
	P99Latency  float64   `json:"p99_latency_ms"`
}

type SystemHealth struct {
	Status          string        `json:"status"` // "healthy", "degraded", "critical"
	Score           float64       `json:"score"`  // 0-100
	Issues          []HealthIssue `json:"issues"`
	Recommendations []string      `json:"recommendations"`
}

type HealthIssue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Impact   string `json:"impact"`
}

type GetLatencyDistributionRequest struct {
	Window time.Duration `json:"window"`
}

type GetLatencyDistributionResponse struct {
	Buckets []LatencyBucket `json:"buckets"`
	Stats   LatencyStats    `json:"stats"`
}

type LatencyBucket struct {
	MinMs   float64 `json:"min_ms"`
	MaxMs   float64 `json:"max_ms"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

type GetContinuityResponse struct {
	Timestamp time.Time       `json:"timestamp"`
	Types     []TypeScanState `json:"types"`
}

type GetComparisonRequest struct {
	Period1Start time.Time `json:"period1_start"`
	Period1End   time.Time `json:"period1_end"`
	Period2Start time.Time `json:"period2_start"`
	Period2End   time.Time `json:"period2_end"`
}

type GetComparisonResponse struct {
	Period1     ComparisonPeriod `json:"period1"`
	Period2     ComparisonPeriod `json:"period2"`
	Differences DifferenceStats  `json:"differences"`
}

type ComparisonPeriod struct {
	Label       string  `json:"label"`
	Scans       int64   `json:"scans"`
	ScanRate    float64 `json:"scan_rate"`
	FailureRate float64 `json:"failure_rate"`
	HitRate     float64 `json:"hit_rate"`
	AvgLatency  float64 `json:"avg_latency_ms"`
	P95Latency  float64 `json:"p95_latency_ms"`
}

type DifferenceStats struct {
	ScansDiff       int64   `json:"scans_diff"`
	ScansPct        float64 `json:"scans_pct"`
	ScanRateDiff    float64 `json:"scan_rate_diff"`
	ScanRatePct     float64 `json:"scan_rate_pct"`
	FailureRateDiff float64 `json:"failure_rate_diff"`
	HitRateDiff     float64 `json:"hit_rate_diff"`
	LatencyDiff     float64 `json:"latency_diff"`
	LatencyPct      float64 `json:"latency_pct"`
}

// GetOverview returns a comprehensive pipeline overview.
//encore:api public method=POST path=/monitoring/overview
func GetOverview(ctx context.Context, req *GetOverviewRequest) (*GetOverviewResponse, error) {
	if svc == nil || svc.collector == nil {
		return nil, errors.New("service not initialized")
	}

	reporter := NewReporter(svc.aggregator, svc.collector, svc.alertMgr)
	return reporter.GetOverview(ctx, req)
}

func (r *Reporter) GetOverview(ctx context.Context, req *GetOverviewRequest) (*GetOverviewResponse, error) {
	timeRange := req.TimeRange
	if timeRange == 0 {
		timeRange = 1 * time.Hour
	}

	now := time.Now()
	startTime := now.Add(-timeRange)

	// Current stats plus the previous period for trend calculation
	currentStats := r.aggregator.GetStats(startTime, now)
	previousStats := r.aggregator.GetStats(startTime.Add(-timeRange), startTime)

	summary := SummaryStats{
		ScansCompleted: currentStats.ScansCompleted,
		ScansFailed:    currentStats.ScansFailed,
		ScanRate:       currentStats.ScanRate,
		FailureRate:    currentStats.FailureRate,
		GapRate:        currentStats.GapRate,
		HitRate:        currentStats.HitRate,
		AvgLatency:     currentStats.AvgLatency,
		P95Latency:     currentStats.P95Latency,
		Detections:     currentStats.Detections,
		TrendScanRate:  calculateTrend(currentStats.ScanRate, previousStats.ScanRate),
		TrendHitRate:   calculateTrend(currentStats.HitRate, previousStats.HitRate),
		TrendLatency:   calculateTrend(currentStats.P95Latency, previousStats.P95Latency),
	}

	// Generate timeline (60 data points)
	timeline := r.generateTimeline(startTime, now, 60)

	systemHealth := r.calculateSystemHealth(currentStats)

	recentAlerts := r.alertMgr.GetRecentResolvedAlerts(5)
	activeAlerts := r.alertMgr.GetActiveAlerts()
	recentAlerts = append(activeAlerts, recentAlerts...)

	recentAnomalies := r.detector.GetRecentAnomalies(timeRange)

	return &GetOverviewResponse{
		Summary:         summary,
		Timeline:        timeline,
		TypeStates:      r.collector.TypeStates(),
		SystemHealth:    systemHealth,
		RecentAlerts:    recentAlerts,
		RecentAnomalies: recentAnomalies,
	}, nil
}

// GetLatencyDistribution returns a query latency histogram.
//encore:api public method=POST path=/monitoring/latency-distribution
func GetLatencyDistribution(ctx context.Context, req *GetLatencyDistributionRequest) (*GetLatencyDistributionResponse, error) {
	if svc == nil || svc.collector == nil {
		return nil, errors.New("service not initialized")
	}

	reporter := NewReporter(svc.aggregator, svc.collector, svc.alertMgr)
	return reporter.GetLatencyDistribution(ctx, req)
}

func (r *Reporter) GetLatencyDistribution(ctx context.Context, req *GetLatencyDistributionRequest) (*GetLatencyDistributionResponse, error) {
	window := req.Window
	if window == 0 {
		window = 5 * time.Minute
	}

	samples := r.collector.latencyBuffer.GetRecent(window)
	if len(samples) == 0 {
		return &GetLatencyDistributionResponse{
			Buckets: []LatencyBucket{},
			Stats:   LatencyStats{},
		}, nil
	}

	stats := calculateLatencyStats(samples)

	// Bucket boundaries sized for log-scan queries, which run for seconds
	// rather than milliseconds.
	buckets := []LatencyBucket{
		{MinMs: 0, MaxMs: 50},
		{MinMs: 50, MaxMs: 100},
		{MinMs: 100, MaxMs: 250},
		{MinMs: 250, MaxMs: 500},
		{MinMs: 500, MaxMs: 1000},
		{MinMs: 1000, MaxMs: 2500},
		{MinMs: 2500, MaxMs: 5000},
		{MinMs: 5000, MaxMs: 10000},
		{MinMs: 10000, MaxMs: 30000},
		{MinMs: 30000, MaxMs: math.MaxFloat64},
	}

	for _, sample := range samples {
		for i := range buckets {
			if sample.Value >= buckets[i].MinMs && sample.Value < buckets[i].MaxMs {
				buckets[i].Count++
				break
			}
		}
	}

	total := len(samples)
	for i := range buckets {
		buckets[i].Percent = float64(buckets[i].Count) / float64(total) * 100
	}

	return &GetLatencyDistributionResponse{
		Buckets: buckets,
		Stats:   stats,
	}, nil
}

// GetContinuity returns the per-log-type scan state as observed from the
// completion event stream.
//encore:api public method=GET path=/monitoring/continuity
func GetContinuity(ctx context.Context) (*GetContinuityResponse, error) {
	if svc == nil || svc.collector == nil {
		return nil, errors.New("service not initialized")
	}

	return &GetContinuityResponse{
		Timestamp: time.Now(),
		Types:     svc.collector.TypeStates(),
	}, nil
}

// GetComparison returns a comparison between two time periods.
//encore:api public method=POST path=/monitoring/comparison
func GetComparison(ctx context.Context, req *GetComparisonRequest) (*GetComparisonResponse, error) {
	if svc == nil || svc.aggregator == nil {
		return nil, errors.New("service not initialized")
	}

	reporter := NewReporter(svc.aggregator, svc.collector, svc.alertMgr)
	return reporter.GetComparison(ctx, req)
}

func (r *Reporter) GetComparison(ctx context.Context, req *GetComparisonRequest) (*GetComparisonResponse, error) {
	stats1 := r.aggregator.GetStats(req.Period1Start, req.Period1End)
	stats2 := r.aggregator.GetStats(req.Period2Start, req.Period2End)

	scans1 := stats1.ScansCompleted + stats1.ScansFailed
	scans2 := stats2.ScansCompleted + stats2.ScansFailed

	period1 := ComparisonPeriod{
		Label:       "Period 1",
		Scans:       scans1,
		ScanRate:    stats1.ScanRate,
		FailureRate: stats1.FailureRate,
		HitRate:     stats1.HitRate,
		AvgLatency:  stats1.AvgLatency,
		P95Latency:  stats1.P95Latency,
	}

	period2 := ComparisonPeriod{
		Label:       "Period 2",
		Scans:       scans2,
		ScanRate:    stats2.ScanRate,
		FailureRate: stats2.FailureRate,
		HitRate:     stats2.HitRate,
		AvgLatency:  stats2.AvgLatency,
		P95Latency:  stats2.P95Latency,
	}

	differences := DifferenceStats{
		ScansDiff:       scans2 - scans1,
		ScansPct:        calculatePercentChange(float64(scans1), float64(scans2)),
		ScanRateDiff:    stats2.ScanRate - stats1.ScanRate,
		ScanRatePct:     calculatePercentChange(stats1.ScanRate, stats2.ScanRate),
		FailureRateDiff: stats2.FailureRate - stats1.FailureRate,
		HitRateDiff:     stats2.HitRate - stats1.HitRate,
		LatencyDiff:     stats2.P95Latency - stats1.P95Latency,
		LatencyPct:      calculatePercentChange(stats1.P95Latency, stats2.P95Latency),
	}

	return &GetComparisonResponse{
		Period1:     period1,
		Period2:     period2,
		Differences: differences,
	}, nil
}

// Helper functions

// generateTimeline creates timeline data points for charting.
func (r *Reporter) generateTimeline(start, end time.Time, numPoints int) []TimelinePoint {
	duration := end.Sub(start)
	interval := duration / time.Duration(numPoints)

	timeline := make([]TimelinePoint, 0, numPoints)
	currentTime := start

	for i := 0; i < numPoints && currentTime.Before(end); i++ {
		nextTime := currentTime.Add(interval)
		stats := r.aggregator.GetStats(currentTime, nextTime)

		timeline = append(timeline, TimelinePoint{
			Timestamp:   currentTime,
			Scans:       stats.ScansCompleted + stats.ScansFailed,
			ScanRate:    stats.ScanRate,
			FailureRate: stats.FailureRate,
			GapRate:     stats.GapRate,
			HitRate:     stats.HitRate,
			AvgLatency:  stats.AvgLatency,
			P50Latency:  stats.P50Latency,
			P95Latency:  stats.P95Latency,
			P99Latency:  stats.P99Latency,
		})

		currentTime = nextTime
	}

	return timeline
}

// calculateSystemHealth computes an overall pipeline health score.
func (r *Reporter) calculateSystemHealth(stats AggregatedStats) SystemHealth {
	score := 100.0
	issues := make([]HealthIssue, 0)
	recommendations := make([]string, 0)

	// Check hit rate, with a volume guard to ignore idle periods
	if stats.TotalLookups > 100 && stats.HitRate < 0.7 {
		score -= 20
		issues = append(issues, HealthIssue{
			Type:     "cache_efficiency",
			Severity: "warning",
			Message:  fmt.Sprintf("Cache hit rate is low (%.1f%%)", stats.HitRate*100),
			Impact:   "Repeated scan queries hit the log backend instead of the cache",
		})
		recommendations = append(recommendations, "Consider increasing cache capacity or TTL values")
	}

	// Check query latency
	if stats.P95Latency > 10000 {
		score -= 15
		severity := "warning"
		if stats.P95Latency > 20000 {
			severity = "critical"
			score -= 15
		}
		issues = append(issues, HealthIssue{
			Type:     "performance",
			Severity: severity,
			Message:  fmt.Sprintf("P95 query latency is elevated (%.0fms)", stats.P95Latency),
			Impact:   "Scan throughput drops and windows fall behind",
		})
		recommendations = append(recommendations, "Investigate slow log queries and narrow scan windows")
	}

	// Check scan failure rate
	if stats.FailureRate > 0.01 {
		score -= 25
		severity := "warning"
		if stats.FailureRate > 0.05 {
			severity = "critical"
			score -= 25
		}
		issues = append(issues, HealthIssue{
			Type:     "reliability",
			Severity: severity,
			Message:  fmt.Sprintf("Scan failure rate is high (%.2f%%)", stats.FailureRate*100),
			Impact:   "Failed scans leave log ranges uncovered until retried",
		})
		recommendations = append(recommendations, "Review scan errors and log backend availability")
	}

	// Check gap rate
	if stats.GapRate > 0.05 {
		score -= 10
		issues = append(issues, HealthIssue{
			Type:     "coverage",
			Severity: "warning",
			Message:  fmt.Sprintf("Scans are opening coverage gaps (%.1f%% of scans)", stats.GapRate*100),
			Impact:   "Log events may go unscanned until gap closers run",
		})
		recommendations = append(recommendations, "Increase worker capacity or shorten per-type scan intervals")
	}

	status := "healthy"
	if score < 80 {
		status = "degraded"
	}
	if score < 60 {
		status = "critical"
	}

	return SystemHealth{
		Status:          status,
		Score:           math.Max(0, score),
		Issues:          issues,
		Recommendations: recommendations,
	}
}

// calculateTrend determines if a metric is trending up, down, or stable.
func calculateTrend(current, previous float64) string {
	if previous == 0 {
		return "stable"
	}

	change := (current - previous) / previous

	if change > 0.05 {
		return "up"
	} else if change < -0.05 {
		return "down"
	}
	return "stable"
}

// calculatePercentChange calculates percent change between two values.
func calculatePercentChange(oldVal, newVal float64) float64 {
	if oldVal == 0 {
		return 0
	}
	return ((newVal - oldVal) / oldVal) * 100
}

// Export functionality for external monitoring systems

type ExportFormat string

const (
	ExportFormatJSON       ExportFormat = "json"
	ExportFormatPrometheus ExportFormat = "prometheus"
	ExportFormatCSV        ExportFormat = "csv"
)

type ExportRequest struct {
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time"`
	Format    ExportFormat `json:"format"`
	Metrics   []string     `json:"metrics"` // Specific metrics to export
}

type ExportResponse struct {
	Format   ExportFormat `json:"format"`
	Data     string       `json:"data"`
	Filename string       `json:"filename"`
	Size     int          `json:"size"`
}

// ExportMetrics exports metrics in various formats.
//encore:api public method=POST path=/monitoring/export
func ExportMetrics(ctx context.Context, req *ExportRequest) (*ExportResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}

	reporter := NewReporter(svc.aggregator, svc.collector, svc.alertMgr)
	return reporter.ExportMetrics(ctx, req)
}

func (r *Reporter) ExportMetrics(ctx context.Context, req *ExportRequest) (*ExportResponse, error) {
	buckets := r.collector.timeSeries.GetRange(req.StartTime, req.EndTime)

	var data string
	var filename string

	switch req.Format {
	case ExportFormatJSON:
		data = r.exportJSON(buckets, req.Metrics)
		filename = fmt.Sprintf("pipeline-metrics-%s.json", time.Now().Format("20060102-150405"))

	case ExportFormatPrometheus:
		data = r.renderPrometheus()
		filename = fmt.Sprintf("pipeline-metrics-%s.txt", time.Now().Format("20060102-150405"))

	case ExportFormatCSV:
		data = r.exportCSV(buckets, req.Metrics)
		filename = fmt.Sprintf("pipeline-metrics-%s.csv", time.Now().Format("20060102-150405"))

	default:
		return nil, fmt.Errorf("unsupported export format: %s", req.Format)
	}

	return &ExportResponse{
		Format:   req.Format,
		Data:     data,
		Filename: filename,
		Size:     len(data),
	}, nil
}

// exportJSON exports per-second metric buckets as JSON.
func (r *Reporter) exportJSON(buckets []*Bucket, metrics []string) string {
	type JSONPoint struct {
		Timestamp      time.Time `json:"timestamp"`
		ScansCompleted int64     `json:"scans_completed,omitempty"`
		ScansFailed    int64     `json:"scans_failed,omitempty"`
		GapsDetected   int64     `json:"gaps_detected,omitempty"`
		CacheHits      int64     `json:"cache_hits,omitempty"`
		CacheMisses    int64     `json:"cache_misses,omitempty"`
		HitRate        float64   `json:"hit_rate,omitempty"`
		AvgLatency     float64   `json:"avg_latency_ms,omitempty"`
		P95Latency     float64   `json:"p95_latency_ms,omitempty"`
		Invalidations  int64     `json:"invalidations,omitempty"`
		EntriesPurged  int64     `json:"entries_purged,omitempty"`
		Detections     int64     `json:"detections,omitempty"`
		Errors         int64     `json:"errors,omitempty"`
	}

	points := make([]JSONPoint, 0, len(buckets))
	for _, bucket := range buckets {
		point := JSONPoint{
			Timestamp: bucket.Timestamp,
		}

		// Include only requested metrics
		if len(metrics) == 0 || contains(metrics, "scans") {
			point.ScansCompleted = bucket.ScansCompleted
			point.ScansFailed = bucket.ScansFailed
		}
		if len(metrics) == 0 || contains(metrics, "gaps") {
			point.GapsDetected = bucket.GapsDetected
		}
		if len(metrics) == 0 || contains(metrics, "cache") {
			point.CacheHits = bucket.CacheHits
			point.CacheMisses = bucket.CacheMisses
			point.HitRate = calculateHitRate(bucket.CacheHits, bucket.CacheMisses)
		}
		if len(metrics) == 0 || contains(metrics, "latency") {
			if len(bucket.Latencies) > 0 {
				sum := 0.0
				for _, lat := range bucket.Latencies {
					sum += lat
				}
				point.AvgLatency = sum / float64(len(bucket.Latencies))

				sorted := make([]float64, len(bucket.Latencies))
				copy(sorted, bucket.Latencies)
				sort.Float64s(sorted)
				point.P95Latency = percentile(sorted, 0.95)
			}
		}
		if len(metrics) == 0 || contains(metrics, "invalidations") {
			point.Invalidations = bucket.Invalidations
			point.EntriesPurged = bucket.EntriesPurged
		}
		if len(metrics) == 0 || contains(metrics, "detections") {
			point.Detections = bucket.Detections
		}
		if len(metrics) == 0 || contains(metrics, "errors") {
			point.Errors = bucket.Errors
		}

		points = append(points, point)
	}

	jsonData, _ := json.MarshalIndent(points, "", "  ")
	return string(jsonData)
}

// renderPrometheus renders the lifetime pipeline counters in the Prometheus
// exposition format.
func (r *Reporter) renderPrometheus() string {
	snapshot := r.pipelineSnapshot()
	metrics := models.SnapshotToPrometheusFormat(snapshot, "logscan")

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	timestamp := snapshot.Timestamp.UnixMilli()

	for _, name := range names {
		metricType := "gauge"
		if strings.HasSuffix(name, "_total") {
			metricType = "counter"
		}
		fmt.Fprintf(&b, "# HELP %s %s\n", name, prometheusHelp(name))
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, metricType)
		fmt.Fprintf(&b, "%s %.4f %d\n", name, metrics[name], timestamp)
	}

	return b.String()
}

// prometheusHelp returns the help text for an exported metric name.
func prometheusHelp(name string) string {
	switch {
	case strings.HasSuffix(name, "_scans_total"):
		return "Total number of completed scans"
	case strings.HasSuffix(name, "_gaps_total"):
		return "Total number of coverage gaps detected"
	case strings.HasSuffix(name, "_windows_widened_total"):
		return "Total number of scan windows widened by adaptive overlap"
	case strings.HasSuffix(name, "_hits_total"):
		return "Total number of query cache hits"
	case strings.HasSuffix(name, "_misses_total"):
		return "Total number of query cache misses"
	case strings.HasSuffix(name, "_evictions_total"):
		return "Total number of query cache evictions"
	case strings.HasSuffix(name, "_invalidations_total"):
		return "Total number of cache invalidations"
	case strings.HasSuffix(name, "_detections_total"):
		return "Total number of detection findings"
	case strings.HasSuffix(name, "_query_errors_total"):
		return "Total number of failed scan queries"
	case strings.HasSuffix(name, "_hit_rate"):
		return "Query cache hit rate (0-1)"
	case strings.HasSuffix(name, "_error_rate"):
		return "Scan query error rate (0-1)"
	case strings.HasSuffix(name, "_cache_size"):
		return "Current query cache entry count"
	case strings.HasSuffix(name, "_tracked_log_types"):
		return "Number of log types with recorded scan state"
	default:
		return "Query latency in milliseconds"
	}
}

// pipelineSnapshot builds a mergeable snapshot from the lifetime counters.
func (r *Reporter) pipelineSnapshot() models.PipelineSnapshot {
	counters := r.collector.GetCounters()
	latency := r.collector.GetLatencyStats()

	return models.NewPipelineSnapshot(models.PipelineSnapshot{
		ScansCompleted:  uint64(counters.ScansCompleted),
		GapsDetected:    uint64(counters.GapsDetected),
		WindowsWidened:  uint64(counters.WindowsWidened),
		CacheHits:       uint64(counters.CacheHits),
		CacheMisses:     uint64(counters.CacheMisses),
		CacheEvictions:  uint64(counters.CacheEvictions),
		Invalidations:   uint64(counters.Invalidations),
		Detections:      uint64(counters.Detections),
		QueryErrors:     uint64(counters.Errors),
		CacheSize:       uint64(r.collector.LastCacheSize()),
		TrackedLogTypes: uint64(r.collector.TrackedTypes()),
		Latency: models.LatencySummary{
			Count: uint64(latency.Count),
			Sum:   time.Duration(latency.Avg*float64(latency.Count)) * time.Millisecond,
			Min:   time.Duration(latency.Min) * time.Millisecond,
			Max:   time.Duration(latency.Max) * time.Millisecond,
			P50:   time.Duration(latency.P50) * time.Millisecond,
			P95:   time.Duration(latency.P95) * time.Millisecond,
			P99:   time.Duration(latency.P99) * time.Millisecond,
		},
	})
}

// exportCSV exports per-second metric buckets as CSV.
func (r *Reporter) exportCSV(buckets []*Bucket, metrics []string) string {
	var b strings.Builder

	headers := []string{"timestamp"}
	if len(metrics) == 0 || contains(metrics, "scans") {
		headers = append(headers, "scans_completed", "scans_failed")
	}
	if len(metrics) == 0 || contains(metrics, "gaps") {
		headers = append(headers, "gaps_detected")
	}
	if len(metrics) == 0 || contains(metrics, "cache") {
		headers = append(headers, "cache_hits", "cache_misses", "hit_rate")
	}
	if len(metrics) == 0 || contains(metrics, "latency") {
		headers = append(headers, "avg_latency_ms", "p95_latency_ms")
	}
	if len(metrics) == 0 || contains(metrics, "invalidations") {
		headers = append(headers, "invalidations", "entries_purged")
	}
	if len(metrics) == 0 || contains(metrics, "detections") {
		headers = append(headers, "detections")
	}
	if len(metrics) == 0 || contains(metrics, "errors") {
		headers = append(headers, "errors")
	}

	b.WriteString(strings.Join(headers, ","))
	b.WriteString("\n")

	for _, bucket := range buckets {
		row := []string{bucket.Timestamp.Format(time.RFC3339)}

		if len(metrics) == 0 || contains(metrics, "scans") {
			row = append(row, fmt.Sprintf("%d", bucket.ScansCompleted), fmt.Sprintf("%d", bucket.ScansFailed))
		}
		if len(metrics) == 0 || contains(metrics, "gaps") {
			row = append(row, fmt.Sprintf("%d", bucket.GapsDetected))
		}
		if len(metrics) == 0 || contains(metrics, "cache") {
			hitRate := calculateHitRate(bucket.CacheHits, bucket.CacheMisses)
			row = append(row, fmt.Sprintf("%d", bucket.CacheHits), fmt.Sprintf("%d", bucket.CacheMisses), fmt.Sprintf("%.4f", hitRate))
		}
		if len(metrics) == 0 || contains(metrics, "latency") {
			if len(bucket.Latencies) > 0 {
				sum := 0.0
				for _, lat := range bucket.Latencies {
					sum += lat
				}
				avgLatency := sum / float64(len(bucket.Latencies))

				sorted := make([]float64, len(bucket.Latencies))
				copy(sorted, bucket.Latencies)
				sort.Float64s(sorted)
				p95Latency := percentile(sorted, 0.95)

				row = append(row, fmt.Sprintf("%.2f", avgLatency), fmt.Sprintf("%.2f", p95Latency))
			} else {
				row = append(row, "0", "0")
			}
		}
		if len(metrics) == 0 || contains(metrics, "invalidations") {
			row = append(row, fmt.Sprintf("%d", bucket.Invalidations), fmt.Sprintf("%d", bucket.EntriesPurged))
		}
		if len(metrics) == 0 || contains(metrics, "detections") {
			row = append(row, fmt.Sprintf("%d", bucket.Detections))
		}
		if len(metrics) == 0 || contains(metrics, "errors") {
			row = append(row, fmt.Sprintf("%d", bucket.Errors))
		}

		b.WriteString(strings.Join(row, ","))
		b.WriteString("\n")
	}

	return b.String()
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// Prometheus scrape endpoint

// Scrapers poll aggressively; cap them without touching the JSON API quota.
var scrapeLimiter = middleware.NewTokenBucket(5, 10)

var scrapeHandler = middleware.RequestLogger(middleware.RateLimitMiddleware(
	http.HandlerFunc(servePrometheus),
	scrapeLimiter,
	middleware.KeyByIP,
))

// PrometheusScrape serves the lifetime pipeline counters in the Prometheus
// exposition format, with request logging and per-client rate limiting.
//encore:api public raw method=GET path=/monitoring/prometheus
func PrometheusScrape(w http.ResponseWriter, req *http.Request) {
	scrapeHandler.ServeHTTP(w, req)
}

func servePrometheus(w http.ResponseWriter, req *http.Request) {
	if svc == nil {
		http.Error(w, "service not initialized", http.StatusServiceUnavailable)
		return
	}

	reporter := NewReporter(svc.aggregator, svc.collector, svc.alertMgr)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(reporter.renderPrometheus()))
}
