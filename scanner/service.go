// Package scanner schedules continuous log scans with overlap handling, gap
// detection, and adaptive widening for the detection pipeline.
//
// Design Philosophy:
// - Never miss log events: every window's effective start is pulled back by
//   an overlap margin, widened adaptively when a pipeline runs slow or flaky
// - Detect and close coverage gaps instead of silently skipping time ranges
// - Protect the query backend with rate limiting and an emergency stop
// - Worker pool for concurrent scanning with per-window deduplication
// - Observable via metrics and published scan events
//
// Performance Characteristics:
// - Worker pool processes N scans concurrently (configurable ConcurrentScanners)
// - Rate limiter bounds backend query load (configurable MaxQueryRPS)
// - Deduplication prevents redundant scans of the same (type, window)
// - Window calculation and gap detection are pure in-memory operations
//
// Trade-offs:
// - In-memory task queue for simplicity; a dropped task is replanned by the
//   next sweep rather than persisted
// - Scan history is bounded per type, so continuity validation covers the
//   recent past, not all time
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/pubsub"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"encore.app/pkg/models"
	events "encore.app/pkg/pubsub"
)

//encore:service
type Service struct {
	config        Config
	manager       *OverlapManager
	tracker       *HealthTracker
	planners      map[string]Planner
	sources       map[string]*LogSource
	queryExecutor QueryExecutor
	cacheClient   CacheClient
	workerPool    *WorkerPool
	metrics       *Metrics
	rateLimiter   *rate.Limiter
	deduper       singleflight.Group
	emergencyStop atomic.Bool
	mu            sync.RWMutex
}

// Config holds runtime configuration for the scanner service.
type Config struct {
	ConcurrentScanners int           `json:"concurrent_scanners"` // Number of concurrent worker goroutines
	MaxQueryRPS        int           `json:"max_query_rps"`       // Max queries per second to the log backend
	QueryTimeout       time.Duration `json:"query_timeout"`       // Timeout for a single query execution
	RetryAttempts      int           `json:"retry_attempts"`      // Number of retry attempts on failure
	BackoffBase        time.Duration `json:"backoff_base"`        // Base duration for exponential backoff
	EmergencyThreshold time.Duration `json:"emergency_threshold"` // Query latency threshold for emergency stop
	DefaultPlanner     string        `json:"default_planner"`     // Planner used by sweeps
	SweepLimit         int           `json:"sweep_limit"`         // Max tasks queued per sweep
	DefaultInterval    time.Duration `json:"default_interval"`    // Scan interval for sources without one
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ConcurrentScanners: 4,
		MaxQueryRPS:        50,
		QueryTimeout:       30 * time.Second,
		RetryAttempts:      3,
		BackoffBase:        100 * time.Millisecond,
		EmergencyThreshold: 5 * time.Second,
		DefaultPlanner:     "lag",
		SweepLimit:         16,
		DefaultInterval:    5 * time.Minute,
	}
}

// Metrics tracks scanner service performance.
type Metrics struct {
	ScansTotal      atomic.Int64
	SuccessTotal    atomic.Int64
	FailureTotal    atomic.Int64
	SkippedTotal    atomic.Int64
	CacheHits       atomic.Int64
	GapsDetected    atomic.Int64
	GapTasksQueued  atomic.Int64
	WindowsWidened  atomic.Int64
	QueryExecutions atomic.Int64
	RateLimitHits   atomic.Int64
	EmergencyStops  atomic.Int64
	Detections      atomic.Int64
	TotalDuration   atomic.Int64 // Cumulative milliseconds
}

// QueryExecutor abstracts the log query backend. The scanner never talks to
// a backend directly; the embedding process injects whatever engine serves
// its log store.
type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, query string, window models.ScanWindow) (result interface{}, eventCount int, err error)
}

// CacheClient abstracts the query-result cache used to skip re-executing
// identical recent scans. Satisfied by the querycache service's cache.
type CacheClient interface {
	Get(query string, start, end time.Time, ruleType string) (interface{}, bool)
	Put(query string, result interface{}, start, end time.Time, ruleType string, ttl time.Duration)
}

// LogSource is a registered log source the sweep scans on an interval.
type LogSource struct {
	Name         string        `json:"name"`
	Query        string        `json:"query"`
	RuleType     string        `json:"rule_type,omitempty"`
	Interval     time.Duration `json:"interval"`
	RegisteredAt time.Time     `json:"registered_at"`
	LastScan     time.Time     `json:"last_scan"`
	LastStatus   string        `json:"last_status,omitempty"`
}

// Request and response types

type CalculateWindowRequest struct {
	LogType             string    `json:"log_type"`
	LastScanTime        time.Time `json:"last_scan_time"`
	CurrentTime         time.Time `json:"current_time,omitempty"` // Zero means now
	ForceOverlapSeconds *int      `json:"force_overlap_seconds,omitempty"`
}

type CalculateWindowResponse struct {
	Window         models.ScanWindow `json:"window"`
	EffectiveStart time.Time         `json:"effective_start"`
	EffectiveEnd   time.Time         `json:"effective_end"`
}

type DetectGapsRequest struct {
	LogType string            `json:"log_type"`
	Window  models.ScanWindow `json:"window"`
}

type DetectGapsResponse struct {
	GapDetected bool               `json:"gap_detected"`
	Gap         *models.ScanWindow `json:"gap,omitempty"`
}

type AdaptiveOverlapRequest struct {
	LogType                string  `json:"log_type"`
	ProcessingDelaySeconds float64 `json:"processing_delay_seconds"`
	ErrorRate              float64 `json:"error_rate"`
	UseObserved            bool    `json:"use_observed,omitempty"` // Pull delay/error rate from the health tracker
}

type AdaptiveOverlapResponse struct {
	LogType        string  `json:"log_type"`
	OverlapSeconds int     `json:"overlap_seconds"`
	DelaySeconds   float64 `json:"delay_seconds"`
	ErrorRate      float64 `json:"error_rate"`
}

// ContinuityReport is the continuity assessment for one log type.
type ContinuityReport struct {
	Status       models.ContinuityStatus `json:"status"`
	IsContinuous bool                    `json:"is_continuous"`
	Gaps         []models.Gap            `json:"gaps"`
	CheckedAt    time.Time               `json:"checked_at"`
}

type ContinuityResponse struct {
	Types map[string]ContinuityReport `json:"types"`
}

type StatisticsResponse struct {
	Statistics   map[string]models.TypeStatistics `json:"statistics"`
	TrackedTypes int                              `json:"tracked_types"`
}

type RegisterSourceRequest struct {
	Name     string        `json:"name"`
	Query    string        `json:"query"`
	RuleType string        `json:"rule_type,omitempty"`
	Interval time.Duration `json:"interval,omitempty"` // Zero means DefaultInterval
}

type RegisterSourceResponse struct {
	Success bool           `json:"success"`
	Source  SourceSnapshot `json:"source"`
	Total   int            `json:"total"`
}

type TriggerScanRequest struct {
	LogType             string     `json:"log_type,omitempty"` // Empty means sweep all due sources
	Start               *time.Time `json:"start,omitempty"`    // Explicit window start
	End                 *time.Time `json:"end,omitempty"`      // Explicit window end
	ForceOverlapSeconds *int       `json:"force_overlap_seconds,omitempty"`
	Planner             string     `json:"planner,omitempty"` // Sweep planner override
	Limit               int        `json:"limit,omitempty"`   // Sweep task limit override
}

type TriggerScanResponse struct {
	Success bool   `json:"success"`
	Queued  int    `json:"queued"`
	JobID   string `json:"job_id"`
	Planner string `json:"planner,omitempty"`
}

type ReportDetectionRequest struct {
	RuleType   string            `json:"rule_type"`
	Severity   string            `json:"severity"`
	EventCount int               `json:"event_count"`
	Meta       map[string]string `json:"meta,omitempty"`
}

type ReportDetectionResponse struct {
	Published bool            `json:"published"`
	Severity  models.Severity `json:"severity"`
	RequestID string          `json:"request_id"`
}

type StatusResponse struct {
	ActiveScanners int                `json:"active_scanners"`
	QueuedTasks    int                `json:"queued_tasks"`
	WorkerStatus   []WorkerStatus     `json:"worker_status"`
	EmergencyStop  bool               `json:"emergency_stop"`
	Sources        []SourceSnapshot   `json:"sources"`
	Health         []TypeHealthStatus `json:"health"`
	Metrics        MetricsSnapshot    `json:"metrics"`
}

type WorkerStatus struct {
	ID             int        `json:"id"`
	State          string     `json:"state"` // "idle", "busy", "stopped"
	CurrentLogType string     `json:"current_log_type,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
}

type MetricsSnapshot struct {
	ScansTotal      int64   `json:"scans_total"`
	SuccessTotal    int64   `json:"success_total"`
	FailureTotal    int64   `json:"failure_total"`
	SkippedTotal    int64   `json:"skipped_total"`
	SuccessRate     float64 `json:"success_rate"`
	CacheHits       int64   `json:"cache_hits"`
	GapsDetected    int64   `json:"gaps_detected"`
	GapTasksQueued  int64   `json:"gap_tasks_queued"`
	WindowsWidened  int64   `json:"windows_widened"`
	QueryExecutions int64   `json:"query_executions"`
	RateLimitHits   int64   `json:"rate_limit_hits"`
	EmergencyStops  int64   `json:"emergency_stops"`
	Detections      int64   `json:"detections"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
}

type ConfigResponse struct {
	Config Config `json:"config"`
}

type UpdateConfigRequest struct {
	ConcurrentScanners *int           `json:"concurrent_scanners,omitempty"`
	MaxQueryRPS        *int           `json:"max_query_rps,omitempty"`
	QueryTimeout       *time.Duration `json:"query_timeout,omitempty"`
	RetryAttempts      *int           `json:"retry_attempts,omitempty"`
	BackoffBase        *time.Duration `json:"backoff_base,omitempty"`
	EmergencyThreshold *time.Duration `json:"emergency_threshold,omitempty"`
	DefaultPlanner     string         `json:"default_planner,omitempty"`
	SweepLimit         *int           `json:"sweep_limit,omitempty"`
	DefaultInterval    *time.Duration `json:"default_interval,omitempty"`
	ResetEmergencyStop *bool          `json:"reset_emergency_stop,omitempty"`
}

// Global service instance
var svc *Service

// initService initializes the scanner service with default configuration.
func initService() (*Service, error) {
	config := DefaultConfig()

	planners := map[string]Planner{
		"lag":        NewLagFirstPlanner(),
		"gap":        NewGapFirstPlanner(),
		"roundrobin": NewRoundRobinPlanner(),
	}

	s := &Service{
		config:      config,
		manager:     NewOverlapManager(DefaultManagerConfig()),
		tracker:     NewHealthTracker(),
		planners:    planners,
		sources:     make(map[string]*LogSource),
		metrics:     &Metrics{},
		rateLimiter: rate.NewLimiter(rate.Limit(config.MaxQueryRPS), config.MaxQueryRPS),
	}

	s.workerPool = NewWorkerPool(s, config.ConcurrentScanners)

	return s, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize scanner service: %v", err))
	}
}

// SetQueryExecutor injects the log query backend (for production or testing).
func (s *Service) SetQueryExecutor(executor QueryExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryExecutor = executor
}

// SetCacheClient injects the query cache client (for production or testing).
func (s *Service) SetCacheClient(client CacheClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheClient = client
}

// Manager exposes the overlap manager to in-process embedders.
func (s *Service) Manager() *OverlapManager {
	return s.manager
}

// CalculateWindow computes and records the next scan window for a log type.
//encore:api public method=POST path=/scan/window
func CalculateWindow(ctx context.Context, req *CalculateWindowRequest) (*CalculateWindowResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.CalculateWindow(ctx, req)
}

func (s *Service) CalculateWindow(ctx context.Context, req *CalculateWindowRequest) (*CalculateWindowResponse, error) {
	if req.LogType == "" {
		return nil, errors.New("log_type cannot be empty")
	}
	if req.LastScanTime.IsZero() {
		return nil, errors.New("last_scan_time cannot be zero")
	}

	currentTime := req.CurrentTime
	if currentTime.IsZero() {
		currentTime = time.Now()
	}

	window := s.manager.CalculateScanWindow(req.LogType, req.LastScanTime, currentTime, req.ForceOverlapSeconds)

	return &CalculateWindowResponse{
		Window:         window,
		EffectiveStart: window.EffectiveStart(),
		EffectiveEnd:   window.EffectiveEnd(),
	}, nil
}

// DetectGaps checks a proposed window against the recorded history.
//encore:api public method=POST path=/scan/gaps
func DetectGaps(ctx context.Context, req *DetectGapsRequest) (*DetectGapsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.DetectGaps(ctx, req)
}

func (s *Service) DetectGaps(ctx context.Context, req *DetectGapsRequest) (*DetectGapsResponse, error) {
	if req.LogType == "" {
		return nil, errors.New("log_type cannot be empty")
	}
	if err := req.Window.Validate(); err != nil {
		return nil, err
	}

	gap := s.manager.DetectGaps(req.LogType, req.Window)

	return &DetectGapsResponse{
		GapDetected: gap != nil,
		Gap:         gap,
	}, nil
}

// AdaptiveOverlap computes the widened overlap for a type under the given
// pipeline conditions.
//encore:api public method=POST path=/scan/overlap/adaptive
func AdaptiveOverlap(ctx context.Context, req *AdaptiveOverlapRequest) (*AdaptiveOverlapResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.AdaptiveOverlap(ctx, req)
}

func (s *Service) AdaptiveOverlap(ctx context.Context, req *AdaptiveOverlapRequest) (*AdaptiveOverlapResponse, error) {
	if req.LogType == "" {
		return nil, errors.New("log_type cannot be empty")
	}

	delay := req.ProcessingDelaySeconds
	errorRate := req.ErrorRate
	if req.UseObserved {
		delay = s.tracker.ProcessingDelay(req.LogType)
		errorRate = s.tracker.ErrorRate(req.LogType)
	}

	overlap := s.manager.GetAdaptiveOverlap(req.LogType, delay, errorRate)

	return &AdaptiveOverlapResponse{
		LogType:        req.LogType,
		OverlapSeconds: overlap,
		DelaySeconds:   delay,
		ErrorRate:      errorRate,
	}, nil
}

// GetContinuity validates scan continuity for every tracked log type.
//encore:api public method=GET path=/scan/continuity
func GetContinuity(ctx context.Context) (*ContinuityResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetContinuity(ctx)
}

func (s *Service) GetContinuity(ctx context.Context) (*ContinuityResponse, error) {
	now := time.Now()
	types := make(map[string]ContinuityReport)

	for _, logType := range s.manager.TrackedTypes() {
		status, gaps := s.manager.ValidateScanContinuity(logType)
		types[logType] = ContinuityReport{
			Status:       status,
			IsContinuous: status.IsContinuous(),
			Gaps:         gaps,
			CheckedAt:    now,
		}
	}

	return &ContinuityResponse{Types: types}, nil
}

// GetStatistics returns the per-type scan history summary.
//encore:api public method=GET path=/scan/statistics
func GetStatistics(ctx context.Context) (*StatisticsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetStatistics(ctx)
}

func (s *Service) GetStatistics(ctx context.Context) (*StatisticsResponse, error) {
	stats := s.manager.GetScanStatistics()
	return &StatisticsResponse{
		Statistics:   stats,
		TrackedTypes: len(stats),
	}, nil
}

// RegisterSource registers (or updates) a log source for continuous scanning.
//encore:api public method=POST path=/scan/sources
func RegisterSource(ctx context.Context, req *RegisterSourceRequest) (*RegisterSourceResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.RegisterSource(ctx, req)
}

func (s *Service) RegisterSource(ctx context.Context, req *RegisterSourceRequest) (*RegisterSourceResponse, error) {
	if req.Name == "" {
		return nil, errors.New("name cannot be empty")
	}
	if req.Query == "" {
		return nil, errors.New("query cannot be empty")
	}

	interval := req.Interval
	if interval <= 0 {
		interval = s.getConfig().DefaultInterval
	}

	s.mu.Lock()
	existing, ok := s.sources[req.Name]
	source := &LogSource{
		Name:         req.Name,
		Query:        req.Query,
		RuleType:     req.RuleType,
		Interval:     interval,
		RegisteredAt: time.Now(),
	}
	if ok {
		// Re-registration updates the definition but keeps scan state.
		source.RegisteredAt = existing.RegisteredAt
		source.LastScan = existing.LastScan
		source.LastStatus = existing.LastStatus
	}
	s.sources[req.Name] = source
	total := len(s.sources)
	snapshot := source.snapshot()
	s.mu.Unlock()

	return &RegisterSourceResponse{
		Success: true,
		Source:  snapshot,
		Total:   total,
	}, nil
}

// TriggerScan queues a scan for one log type, or sweeps all due sources when
// no type is given.
//encore:api public method=POST path=/scan/trigger
func TriggerScan(ctx context.Context, req *TriggerScanRequest) (*TriggerScanResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.TriggerScan(ctx, req)
}

func (s *Service) TriggerScan(ctx context.Context, req *TriggerScanRequest) (*TriggerScanResponse, error) {
	if s.emergencyStop.Load() {
		return nil, errors.New("scanner in emergency stop mode")
	}

	jobID := generateScanID()

	// Sweep mode: plan all due sources.
	if req.LogType == "" {
		queued, plannerName, err := s.runSweep(ctx, req.Planner, req.Limit)
		if err != nil {
			return nil, err
		}
		return &TriggerScanResponse{
			Success: true,
			Queued:  queued,
			JobID:   jobID,
			Planner: plannerName,
		}, nil
	}

	task := ScanTask{
		LogType:  req.LogType,
		Priority: 80,
		Reason:   "manual",
	}

	s.mu.RLock()
	if source, ok := s.sources[req.LogType]; ok {
		task.Query = source.Query
		task.RuleType = source.RuleType
	}
	s.mu.RUnlock()

	if req.Start != nil && req.End != nil {
		window := models.NewScanWindow(*req.Start, *req.End, overlapOrZero(req.ForceOverlapSeconds))
		if err := window.Validate(); err != nil {
			return nil, err
		}
		task.Window = window
	}

	queued := s.workerPool.QueueTasks([]ScanTask{task})

	return &TriggerScanResponse{
		Success: true,
		Queued:  queued,
		JobID:   jobID,
	}, nil
}

// ReportDetection publishes a detection finding to the detection topic.
// Downstream, the invalidation service purges affected cache entries and the
// monitoring service counts the finding.
//encore:api public method=POST path=/scan/detection
func ReportDetection(ctx context.Context, req *ReportDetectionRequest) (*ReportDetectionResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.ReportDetection(ctx, req)
}

func (s *Service) ReportDetection(ctx context.Context, req *ReportDetectionRequest) (*ReportDetectionResponse, error) {
	if req.RuleType == "" {
		return nil, errors.New("rule_type cannot be empty")
	}
	if req.EventCount < 0 {
		return nil, errors.New("event_count cannot be negative")
	}

	severity := models.ParseSeverity(req.Severity)
	requestID := generateDetectionID()

	event := &events.DetectionEvent{
		Version:    events.EventVersion1,
		Service:    "scanner",
		RuleType:   req.RuleType,
		Severity:   severity,
		EventCount: req.EventCount,
		DetectedAt: time.Now(),
		Meta:       req.Meta,
		RequestID:  requestID,
	}

	if _, err := DetectionTopic.Publish(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to publish detection: %w", err)
	}

	s.metrics.Detections.Add(1)

	return &ReportDetectionResponse{
		Published: true,
		Severity:  severity,
		RequestID: requestID,
	}, nil
}

// GetStatus returns current scanner status and metrics.
//encore:api public method=GET path=/scan/status
func GetStatus(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetStatus(ctx)
}

func (s *Service) GetStatus(ctx context.Context) (*StatusResponse, error) {
	scans := s.metrics.ScansTotal.Load()
	success := s.metrics.SuccessTotal.Load()
	successRate := 0.0
	if scans > 0 {
		successRate = float64(success) / float64(scans)
	}

	avgDuration := 0.0
	if scans > 0 {
		avgDuration = float64(s.metrics.TotalDuration.Load()) / float64(scans)
	}

	return &StatusResponse{
		ActiveScanners: s.workerPool.ActiveCount(),
		QueuedTasks:    s.workerPool.QueueSize(),
		WorkerStatus:   s.workerPool.GetWorkerStatus(),
		EmergencyStop:  s.emergencyStop.Load(),
		Sources:        s.snapshotSources(),
		Health:         s.tracker.Snapshot(),
		Metrics: MetricsSnapshot{
			ScansTotal:      scans,
			SuccessTotal:    success,
			FailureTotal:    s.metrics.FailureTotal.Load(),
			SkippedTotal:    s.metrics.SkippedTotal.Load(),
			SuccessRate:     successRate,
			CacheHits:       s.metrics.CacheHits.Load(),
			GapsDetected:    s.metrics.GapsDetected.Load(),
			GapTasksQueued:  s.metrics.GapTasksQueued.Load(),
			WindowsWidened:  s.metrics.WindowsWidened.Load(),
			QueryExecutions: s.metrics.QueryExecutions.Load(),
			RateLimitHits:   s.metrics.RateLimitHits.Load(),
			EmergencyStops:  s.metrics.EmergencyStops.Load(),
			Detections:      s.metrics.Detections.Load(),
			AvgDurationMs:   avgDuration,
		},
	}, nil
}

// GetConfig returns current service configuration.
//encore:api public method=GET path=/scan/config
func GetConfig(ctx context.Context) (*ConfigResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetConfig(ctx)
}

func (s *Service) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &ConfigResponse{
		Config: s.config,
	}, nil
}

// UpdateConfig updates service configuration at runtime.
//encore:api public method=POST path=/scan/config
func UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.UpdateConfig(ctx, req)
}

func (s *Service) UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ConcurrentScanners != nil {
		s.config.ConcurrentScanners = *req.ConcurrentScanners
		// Changing worker count requires a pool restart; the new value takes
		// effect on the next deploy.
	}

	if req.MaxQueryRPS != nil {
		s.config.MaxQueryRPS = *req.MaxQueryRPS
		s.rateLimiter = rate.NewLimiter(rate.Limit(*req.MaxQueryRPS), *req.MaxQueryRPS)
	}

	if req.QueryTimeout != nil {
		s.config.QueryTimeout = *req.QueryTimeout
	}

	if req.RetryAttempts != nil {
		s.config.RetryAttempts = *req.RetryAttempts
	}

	if req.BackoffBase != nil {
		s.config.BackoffBase = *req.BackoffBase
	}

	if req.EmergencyThreshold != nil {
		s.config.EmergencyThreshold = *req.EmergencyThreshold
	}

	if req.DefaultPlanner != "" {
		if _, exists := s.planners[req.DefaultPlanner]; !exists {
			return nil, fmt.Errorf("unknown planner: %s", req.DefaultPlanner)
		}
		s.config.DefaultPlanner = req.DefaultPlanner
	}

	if req.SweepLimit != nil {
		s.config.SweepLimit = *req.SweepLimit
	}

	if req.DefaultInterval != nil {
		s.config.DefaultInterval = *req.DefaultInterval
	}

	if req.ResetEmergencyStop != nil && *req.ResetEmergencyStop {
		s.emergencyStop.Store(false)
	}

	return &ConfigResponse{
		Config: s.config,
	}, nil
}

// Helper functions

// getConfig returns a copy of the current configuration.
func (s *Service) getConfig() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// taskTimeout is the outer deadline for one task execution, wide enough to
// cover the rate-limiter wait plus the query itself.
func (s *Service) taskTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.QueryTimeout * 2
}

// snapshotSources returns a stable view of the source registry for planners
// and status reporting.
func (s *Service) snapshotSources() []SourceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SourceSnapshot, 0, len(s.sources))
	for _, source := range s.sources {
		out = append(out, source.snapshot())
	}
	return out
}

func (src *LogSource) snapshot() SourceSnapshot {
	return SourceSnapshot{
		Name:       src.Name,
		Query:      src.Query,
		RuleType:   src.RuleType,
		Interval:   src.Interval,
		LastScan:   src.LastScan,
		LastStatus: src.LastStatus,
	}
}

// markSourceScanned records a completed scan on the registry entry, if the
// log type corresponds to a registered source.
func (s *Service) markSourceScanned(logType, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if source, ok := s.sources[logType]; ok {
		source.LastScan = time.Now()
		source.LastStatus = status
	}
}

// lastScanTime resolves where the next window for a type should start:
// the end of the most recently recorded window, else the source registry's
// last scan, else one interval back from now.
func (s *Service) lastScanTime(logType string, now time.Time) time.Time {
	if end, ok := s.manager.LastScanEnd(logType); ok {
		return end
	}

	s.mu.RLock()
	source, ok := s.sources[logType]
	s.mu.RUnlock()

	if ok && !source.LastScan.IsZero() {
		return source.LastScan
	}

	interval := s.getConfig().DefaultInterval
	if ok && source.Interval > 0 {
		interval = source.Interval
	}
	return now.Add(-interval)
}

// runSweep plans and queues scans for all due sources.
func (s *Service) runSweep(ctx context.Context, plannerName string, limit int) (int, string, error) {
	config := s.getConfig()

	if plannerName == "" {
		plannerName = config.DefaultPlanner
	}
	planner, exists := s.planners[plannerName]
	if !exists {
		return 0, "", fmt.Errorf("unknown planner: %s", plannerName)
	}

	if limit <= 0 {
		limit = config.SweepLimit
	}

	// Recorded gap counts steer the gap-first planner.
	gaps := make(map[string]int)
	for logType, stat := range s.manager.GetScanStatistics() {
		gaps[logType] = stat.GapCount
	}

	tasks, err := planner.Plan(ctx, PlanOptions{
		Sources: s.snapshotSources(),
		Gaps:    gaps,
		Now:     time.Now(),
		Limit:   limit,
	})
	if err != nil {
		return 0, "", fmt.Errorf("planning failed: %w", err)
	}

	queued := s.workerPool.QueueTasks(tasks)
	return queued, plannerName, nil
}

// generateScanID creates a unique scan job identifier.
func generateScanID() string {
	return fmt.Sprintf("scan-%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%1000)
}

// generateDetectionID creates a unique detection request identifier.
func generateDetectionID() string {
	return fmt.Sprintf("det-%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%1000)
}

// dedupKey identifies a (type, window) pair for singleflight deduplication.
// Zero windows collapse to one auto-scan per type.
func dedupKey(task ScanTask) string {
	return fmt.Sprintf("%s|%d|%d", task.LogType, task.Window.Start.Unix(), task.Window.End.Unix())
}

func overlapOrZero(overlap *int) int {
	if overlap == nil {
		return 0
	}
	return *overlap
}

// scanOutcome carries the result of one executed scan between the internal
// execution and event publishing.
type scanOutcome struct {
	window      models.ScanWindow
	status      string // "success", "skipped", or "failed"
	eventCount  int
	cacheHit    bool
	gapDetected bool
	widened     bool
}

// ExecuteScanTask performs one scan task end to end. This is called by
// workers and includes deduplication, rate limiting, window calculation, gap
// detection, cache lookup, and query execution.
func (s *Service) ExecuteScanTask(ctx context.Context, task ScanTask) error {
	startTime := time.Now()

	if s.emergencyStop.Load() {
		return errors.New("emergency stop active")
	}

	// Deduplicate concurrent scans of the same (type, window)
	v, err, _ := s.deduper.Do(dedupKey(task), func() (interface{}, error) {
		return s.executeScanInternal(ctx, task)
	})

	duration := time.Since(startTime)
	s.metrics.ScansTotal.Add(1)
	s.metrics.TotalDuration.Add(duration.Milliseconds())

	if err != nil {
		s.metrics.FailureTotal.Add(1)
		return err
	}

	outcome := v.(*scanOutcome)
	if outcome.status == "skipped" {
		s.metrics.SkippedTotal.Add(1)
	} else {
		s.metrics.SuccessTotal.Add(1)
	}

	// Publish completion event
	go s.publishScanCompletion(task, *outcome, duration, nil)

	return nil
}

// executeScanInternal performs the actual scan logic.
func (s *Service) executeScanInternal(ctx context.Context, task ScanTask) (*scanOutcome, error) {
	start := time.Now()

	s.mu.RLock()
	limiter := s.rateLimiter
	cache := s.cacheClient
	executor := s.queryExecutor
	config := s.config
	s.mu.RUnlock()

	// Wait for rate limiter
	if err := limiter.Wait(ctx); err != nil {
		s.metrics.RateLimitHits.Add(1)
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	outcome := &scanOutcome{status: "success"}

	// Resolve the window. Tasks without an explicit window chain from the
	// recorded history with adaptively widened overlap; explicit windows
	// (manual triggers, gap closers) scan exactly the given range without
	// re-entering history.
	if task.Window.IsZero() {
		now := time.Now()
		lastScan := s.lastScanTime(task.LogType, now)

		delay := s.tracker.ProcessingDelay(task.LogType)
		errorRate := s.tracker.ErrorRate(task.LogType)
		overlap := s.manager.GetAdaptiveOverlap(task.LogType, delay, errorRate)
		if overlap > s.manager.GetAdaptiveOverlap(task.LogType, 0, 0) {
			outcome.widened = true
			s.metrics.WindowsWidened.Add(1)
		}

		proposed := models.NewScanWindow(lastScan, now, overlap)

		// Gap detection must precede recording: once recorded, the proposal
		// is itself the most recent history entry.
		if gap := s.manager.DetectGaps(task.LogType, proposed); gap != nil {
			if !gap.End.After(proposed.EffectiveStart()) {
				// A span before this window was never scanned. Queue a
				// closing scan; the first-ever window reports its own range
				// as the gap and needs no closer.
				outcome.gapDetected = true
				s.metrics.GapsDetected.Add(1)

				gapTask := ScanTask{
					LogType:  task.LogType,
					Query:    task.Query,
					RuleType: task.RuleType,
					Window:   *gap,
					Priority: 90,
					Planner:  task.Planner,
					Reason:   "gap",
				}
				if s.workerPool != nil {
					s.metrics.GapTasksQueued.Add(int64(s.workerPool.QueueTasks([]ScanTask{gapTask})))
				}
			}
		}

		outcome.window = s.manager.CalculateScanWindow(task.LogType, lastScan, now, &overlap)
	} else {
		outcome.window = task.Window
	}

	// Cache lookup over the effective range
	var result interface{}
	if cache != nil {
		if cached, found := cache.Get(task.Query, outcome.window.EffectiveStart(), outcome.window.End, task.RuleType); found {
			result = cached
			outcome.cacheHit = true
			s.metrics.CacheHits.Add(1)
		}
	}

	if !outcome.cacheHit {
		if executor == nil {
			// No backend wired: the window is recorded but nothing runs.
			outcome.status = "skipped"
			s.tracker.RecordScan(task.LogType, time.Since(start), true)
			s.markSourceScanned(task.LogType, outcome.status)
			return outcome, nil
		}

		queryCtx, cancel := context.WithTimeout(ctx, config.QueryTimeout)
		queryStart := time.Now()
		res, eventCount, err := executor.ExecuteQuery(queryCtx, task.Query, outcome.window)
		cancel()
		queryDuration := time.Since(queryStart)

		s.metrics.QueryExecutions.Add(1)

		if err != nil {
			s.tracker.RecordScan(task.LogType, time.Since(start), false)
			s.markSourceScanned(task.LogType, "failed")
			return nil, fmt.Errorf("query execution failed: %w", err)
		}

		// Pathological backend latency trips the emergency stop; new
		// triggers are rejected until an operator resets it.
		if queryDuration > config.EmergencyThreshold {
			s.emergencyStop.Store(true)
			s.metrics.EmergencyStops.Add(1)
		}

		result = res
		outcome.eventCount = eventCount

		if cache != nil {
			cache.Put(task.Query, result, outcome.window.EffectiveStart(), outcome.window.End, task.RuleType, 0)
		}
	}

	s.tracker.RecordScan(task.LogType, time.Since(start), true)
	s.markSourceScanned(task.LogType, outcome.status)

	return outcome, nil
}

// publishScanCompletion publishes a scan completion event to Pub/Sub.
func (s *Service) publishScanCompletion(task ScanTask, outcome scanOutcome, duration time.Duration, execErr error) {
	event := &events.ScanCompletedEvent{
		Version:       events.EventVersion1,
		Service:       "scanner",
		LogType:       task.LogType,
		Window:        outcome.window,
		Status:        outcome.status,
		Duration:      duration,
		EventCount:    outcome.eventCount,
		CacheHit:      outcome.cacheHit,
		GapDetected:   outcome.gapDetected,
		WindowWidened: outcome.widened,
		CompletedAt:   time.Now(),
		RequestID:     generateScanID(),
	}
	if execErr != nil {
		event.Error = execErr.Error()
	}

	_, _ = ScanCompletedTopic.Publish(context.Background(), event)
}

// Pub/Sub topics

// DetectionTopic carries detection findings to the invalidation and
// monitoring services.
var DetectionTopic = pubsub.NewTopic[*events.DetectionEvent](
	events.TopicDetectionFound,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// ScanCompletedTopic carries scan completion events to monitoring.
var ScanCompletedTopic = pubsub.NewTopic[*events.ScanCompletedEvent](
	events.TopicScanCompleted,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Shutdown gracefully stops the scanner service.
func (s *Service) Shutdown() {
	s.workerPool.Shutdown()
}
