// Package monitoring provides observability for the log-scan pipeline.
//
// Design Philosophy:
// - Lock-free or minimal-lock metrics collection for high throughput
// - Sliding window aggregation for real-time statistics
// - Anomaly detection for proactive alerting
// - Low memory overhead with bounded buffers
//
// Architecture:
// - Event-driven ingestion via Pub/Sub subscriptions to the scanner,
//   querycache, and invalidation services
// - In-memory time-series store with circular buffers
// - Real-time aggregation with configurable windows
// - Per-log-type scan state for continuity reporting
// - Anomaly detection using statistical methods
// - Alert engine with threshold-based and dynamic rules
package monitoring

import (
	"context"
	"errors"
	"time"
)

//encore:service
type Service struct {
	collector  *MetricsCollector
	aggregator *Aggregator
	alertMgr   *AlertManager
	config     Config
}

// Config holds monitoring service configuration.
type Config struct {
	MetricsRetention  time.Duration // How long to keep raw metrics
	AggregationWindow time.Duration // Aggregation tick interval
	AlertEvalInterval time.Duration // How often to evaluate alerts
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MetricsRetention:  1 * time.Hour,
		AggregationWindow: 1 * time.Second,
		AlertEvalInterval: 10 * time.Second,
	}
}

// MetricType represents the type of metric being recorded.
type MetricType string

const (
	MetricScanCompleted MetricType = "scan.completed"
	MetricScanFailed    MetricType = "scan.failed"
	MetricScanSkipped   MetricType = "scan.skipped"
	MetricGapDetected   MetricType = "scan.gap"
	MetricWindowWidened MetricType = "scan.window_widened"
	MetricCacheHit      MetricType = "cache.hit"
	MetricCacheMiss     MetricType = "cache.miss"
	MetricCacheStore    MetricType = "cache.store"
	MetricCacheEviction MetricType = "cache.eviction"
	MetricInvalidation  MetricType = "invalidation"
	MetricDetection     MetricType = "detection"
	MetricError         MetricType = "error"
	MetricLatency       MetricType = "latency"
)

// MetricEvent represents a single metric event from any service.
type MetricEvent struct {
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"` // "scanner", "querycache", "invalidation"
	Labels    map[string]string `json:"labels,omitempty"`
}

// Request and response types

type GetMetricsRequest struct {
	Window time.Duration `json:"window"` // Time window (e.g., 1m, 5m, 1h)
}

type GetMetricsResponse struct {
	Timestamp      time.Time     `json:"timestamp"`
	Window         time.Duration `json:"window"`
	ScansCompleted int64         `json:"scans_completed"`
	ScansFailed    int64         `json:"scans_failed"`
	ScanRate       float64       `json:"scan_rate"`
	FailureRate    float64       `json:"failure_rate"`
	GapsDetected   int64         `json:"gaps_detected"`
	GapRate        float64       `json:"gap_rate"`
	TotalLookups   int64         `json:"total_lookups"`
	CacheHits      int64         `json:"cache_hits"`
	CacheMisses    int64         `json:"cache_misses"`
	HitRate        float64       `json:"hit_rate"`
	AvgLatency     float64       `json:"avg_latency_ms"`
	P50Latency     float64       `json:"p50_latency_ms"`
	P90Latency     float64       `json:"p90_latency_ms"`
	P95Latency     float64       `json:"p95_latency_ms"`
	P99Latency     float64       `json:"p99_latency_ms"`
	ErrorRate      float64       `json:"error_rate"`
	Invalidations  int64         `json:"invalidations"`
	EntriesPurged  int64         `json:"entries_purged"`
	Detections     int64         `json:"detections"`
}

type GetAggregatedRequest struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Interval  time.Duration `json:"interval"` // Aggregation interval
}

type AggregatedDataPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Scans       int64     `json:"scans"`
	ScanRate    float64   `json:"scan_rate"`
	FailureRate float64   `json:"failure_rate"`
	GapRate     float64   `json:"gap_rate"`
	HitRate     float64   `json:"hit_rate"`
	AvgLatency  float64   `json:"avg_latency_ms"`
	P95Latency  float64   `json:"p95_latency_ms"`
	ErrorRate   float64   `json:"error_rate"`
}

type GetAggregatedResponse struct {
	DataPoints []AggregatedDataPoint `json:"data_points"`
	Summary    GetMetricsResponse    `json:"summary"`
}

type GetAlertsResponse struct {
	ActiveAlerts []Alert    `json:"active_alerts"`
	RecentAlerts []Alert    `json:"recent_alerts"` // Last 10 resolved alerts
	AlertStats   AlertStats `json:"alert_stats"`
}

type AlertStats struct {
	TotalTriggered int64   `json:"total_triggered"`
	TotalResolved  int64   `json:"total_resolved"`
	ActiveCount    int     `json:"active_count"`
	AvgDuration    float64 `json:"avg_duration_seconds"`
}

// Global service instance
var svc *Service

// initService initializes the monitoring service.
func initService() (*Service, error) {
	config := DefaultConfig()

	collector := NewMetricsCollector(config)
	aggregator := NewAggregator(collector, config)
	alertMgr := NewAlertManager(aggregator, config)

	s := &Service{
		collector:  collector,
		aggregator: aggregator,
		alertMgr:   alertMgr,
		config:     config,
	}

	// Start background workers
	go aggregator.Run()
	go alertMgr.Run()

	return s, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(err)
	}
}

// GetMetrics returns current pipeline metrics for a time window.
//encore:api public method=GET path=/monitoring/metrics
func GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx, req)
}

func (s *Service) GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	window := req.Window
	if window == 0 {
		window = 1 * time.Minute // Default window
	}

	now := time.Now()
	stats := s.aggregator.GetStats(now.Add(-window), now)

	return metricsResponse(stats, now, window), nil
}

// metricsResponse maps aggregated stats onto the response shape.
func metricsResponse(stats AggregatedStats, timestamp time.Time, window time.Duration) *GetMetricsResponse {
	return &GetMetricsResponse{
		Timestamp:      timestamp,
		Window:         window,
		ScansCompleted: stats.ScansCompleted,
		ScansFailed:    stats.ScansFailed,
		ScanRate:       stats.ScanRate,
		FailureRate:    stats.FailureRate,
		GapsDetected:   stats.GapsDetected,
		GapRate:        stats.GapRate,
		TotalLookups:   stats.TotalLookups,
		CacheHits:      stats.CacheHits,
		CacheMisses:    stats.CacheMisses,
		HitRate:        stats.HitRate,
		AvgLatency:     stats.AvgLatency,
		P50Latency:     stats.P50Latency,
		P90Latency:     stats.P90Latency,
		P95Latency:     stats.P95Latency,
		P99Latency:     stats.P99Latency,
		ErrorRate:      stats.ErrorRate,
		Invalidations:  stats.Invalidations,
		EntriesPurged:  stats.EntriesPurged,
		Detections:     stats.Detections,
	}
}

// GetAggregated returns time-series aggregated metrics.
//encore:api public method=POST path=/monitoring/aggregated
func GetAggregated(ctx context.Context, req *GetAggregatedRequest) (*GetAggregatedResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAggregated(ctx, req)
}

func (s *Service) GetAggregated(ctx context.Context, req *GetAggregatedRequest) (*GetAggregatedResponse, error) {
	// Validate request
	if req.EndTime.Before(req.StartTime) {
		return nil, errors.New("end_time must be after start_time")
	}

	interval := req.Interval
	if interval == 0 {
		interval = 1 * time.Minute // Default interval
	}

	// Generate data points
	dataPoints := make([]AggregatedDataPoint, 0)
	currentTime := req.StartTime

	for currentTime.Before(req.EndTime) {
		nextTime := currentTime.Add(interval)
		if nextTime.After(req.EndTime) {
			nextTime = req.EndTime
		}

		stats := s.aggregator.GetStats(currentTime, nextTime)

		dataPoints = append(dataPoints, AggregatedDataPoint{
			Timestamp:   currentTime,
			Scans:       stats.ScansCompleted + stats.ScansFailed,
			ScanRate:    stats.ScanRate,
			FailureRate: stats.FailureRate,
			GapRate:     stats.GapRate,
			HitRate:     stats.HitRate,
			AvgLatency:  stats.AvgLatency,
			P95Latency:  stats.P95Latency,
			ErrorRate:   stats.ErrorRate,
		})

		currentTime = nextTime
	}

	// Calculate overall summary
	overallStats := s.aggregator.GetStats(req.StartTime, req.EndTime)
	summary := metricsResponse(overallStats, req.EndTime, req.EndTime.Sub(req.StartTime))

	return &GetAggregatedResponse{
		DataPoints: dataPoints,
		Summary:    *summary,
	}, nil
}

// GetAlerts returns current active alerts and alert statistics.
//encore:api public method=GET path=/monitoring/alerts
func GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAlerts(ctx)
}

func (s *Service) GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	activeAlerts := s.alertMgr.GetActiveAlerts()
	recentAlerts := s.alertMgr.GetRecentResolvedAlerts(10)
	stats := s.alertMgr.GetStats()

	return &GetAlertsResponse{
		ActiveAlerts: activeAlerts,
		RecentAlerts: recentAlerts,
		AlertStats:   stats,
	}, nil
}

// Shutdown gracefully stops the monitoring service.
func (s *Service) Shutdown() {
	s.aggregator.Stop()
	s.alertMgr.Stop()
}
