// Package invalidation decides when cached query results stop being
// trustworthy and purges them across the pipeline.
//
// Design Philosophy:
// - Policy table, not ad hoc call sites: every trigger (rule update, config
//   change, manual clear, scheduled sweep, detection finding) maps to one
//   policy with defined purge semantics
// - Pub/Sub directives ensure eventual consistency across cache instances;
//   the in-process cache target is the fast path for embedded deployments
// - Audit everywhere: a bounded in-memory history for cheap reads plus a
//   durable SQL trail for compliance and postmortems
// - Invalidation never fails its trigger: purging is an optimization and
//   callers proceed regardless
//
// Performance Characteristics:
// - Event processing: O(n) over cache entries for targeted purges, O(1) for
//   full clears
// - Pub/Sub publish: O(1) + network latency
// - Audit insert: O(1) database write, async off the request path
//
// Consistency Model:
// - At-least-once delivery via Pub/Sub; directive application is idempotent
//   (re-purging removed entries removes nothing)
// - Unique request IDs dedupe the audit trail under redelivery
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"encore.dev/cron"
	"encore.dev/pubsub"
	"encore.dev/storage/sqldb"

	"encore.app/pkg/models"
	events "encore.app/pkg/pubsub"
	"encore.app/pkg/utils"
	"encore.app/scanner"
)

//encore:service
type Service struct {
	invalidator *Invalidator
	auditLogger AuditLoggerInterface
	metrics     *Metrics
}

// AuditLoggerInterface defines the audit trail operations the service needs.
type AuditLoggerInterface interface {
	Insert(ctx context.Context, log AuditLog) error
	GetRecent(ctx context.Context, limit, offset int, kindFilter string) ([]AuditLog, error)
	GetCount(ctx context.Context, kindFilter string) (int, error)
	GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error)
	GetByTimeRange(ctx context.Context, start, end time.Time, limit int) ([]AuditLog, error)
	GetStats(ctx context.Context, since time.Time) (*AuditStats, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Metrics tracks invalidation service counters.
type Metrics struct {
	EventsTotal         atomic.Int64
	EntriesInvalidated  atomic.Int64
	DirectivesPublished atomic.Int64
	MetricsPublished    atomic.Int64
	AuditWrites         atomic.Int64
	DetectionEvents     atomic.Int64
	ScheduledRuns       atomic.Int64
	ScheduledSkips      atomic.Int64
	Errors              atomic.Int64
}

// auditRetention bounds the SQL trail; the hourly cron enforces it.
const auditRetention = 30 * 24 * time.Hour

// auditStatsWindow is the period GetStats summarizes.
const auditStatsWindow = 24 * time.Hour

// Database for the durable audit trail
var db = sqldb.Named("invalidation_db")

// Global service instance
var svc *Service

// initService initializes the invalidation service with default configuration.
func initService() (*Service, error) {
	auditLogger, err := NewAuditLogger(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	return &Service{
		invalidator: NewInvalidator(DefaultConfig(), nil),
		auditLogger: auditLogger,
		metrics:     &Metrics{},
	}, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize invalidation service: %v", err))
	}
}

// SetCacheTarget injects the concrete cache for in-process purging. Deployed
// topologies rely on the directive topic instead; both paths may coexist
// because directive application is idempotent.
func (s *Service) SetCacheTarget(target CacheTarget) {
	s.invalidator.SetTarget(target)
}

// Invalidator exposes the policy engine to in-process embedders.
func (s *Service) Invalidator() *Invalidator {
	return s.invalidator
}

// Pub/Sub topics

// InvalidationDirectiveTopic fans purge instructions out to every cache
// instance. The querycache service applies them to its owned cache.
var InvalidationDirectiveTopic = pubsub.NewTopic[*events.InvalidationDirective](
	events.TopicInvalidationDirective,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// InvalidationMetricsTopic carries applied-invalidation events to monitoring.
var InvalidationMetricsTopic = pubsub.NewTopic[*events.InvalidationMetricEvent](
	events.TopicInvalidationMetrics,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Subscribe to detection findings from the scanner. Each finding flows
// through the detection policy (targeted purge plus escalated sweep).
var _ = pubsub.NewSubscription(
	scanner.DetectionTopic,
	"invalidation-on-detection",
	pubsub.SubscriptionConfig[*events.DetectionEvent]{
		Handler: HandleDetectionEvent,
	},
)

// HandleDetectionEvent processes a detection finding published by the
// scanner. Malformed events are dropped rather than retried; redeliveries
// dedupe in the audit trail via the request ID.
func HandleDetectionEvent(ctx context.Context, event *events.DetectionEvent) error {
	if svc == nil {
		return nil
	}
	if err := event.Validate(); err != nil {
		svc.metrics.Errors.Add(1)
		return nil
	}

	svc.metrics.DetectionEvents.Add(1)
	svc.processEvent(ctx, Event{
		Kind:       KindDetectionFound,
		RuleType:   event.RuleType,
		Severity:   event.Severity,
		Metadata:   event.Meta,
		OccurredAt: event.DetectedAt,
	}, event.RequestID)

	return nil
}

// Request and response types

type TriggerEventRequest struct {
	Kind      string            `json:"kind"`
	RuleType  string            `json:"rule_type,omitempty"`
	Pattern   string            `json:"pattern,omitempty"`
	Severity  string            `json:"severity,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

type RuleChangeRequest struct {
	RuleType  string `json:"rule_type"`
	RequestID string `json:"request_id,omitempty"`
}

type DetectionRequest struct {
	RuleType   string            `json:"rule_type"`
	Severity   string            `json:"severity"`
	EventCount int               `json:"event_count,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
}

type ManualClearRequest struct {
	RuleType  string `json:"rule_type,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// InvalidationResponse is the common result of trigger endpoints.
type InvalidationResponse struct {
	Success            bool      `json:"success"`
	Kind               string    `json:"kind"`
	EntriesInvalidated int       `json:"entries_invalidated"`
	RequestID          string    `json:"request_id"`
	ProcessedAt        time.Time `json:"processed_at"`
}

type RunScheduledRequest struct {
	Force bool `json:"force,omitempty"`
}

type RunScheduledResponse struct {
	Ran                bool      `json:"ran"`
	EntriesInvalidated int       `json:"entries_invalidated"`
	RequestID          string    `json:"request_id,omitempty"`
	NextScheduled      time.Time `json:"next_scheduled"`
}

type StatsResponse struct {
	Invalidator Stats           `json:"invalidator"`
	Service     ServiceCounters `json:"service"`
	History     []Record        `json:"history"`
	Audit       *AuditStats     `json:"audit,omitempty"`
}

type ServiceCounters struct {
	EventsTotal         int64 `json:"events_total"`
	EntriesInvalidated  int64 `json:"entries_invalidated"`
	DirectivesPublished int64 `json:"directives_published"`
	MetricsPublished    int64 `json:"metrics_published"`
	AuditWrites         int64 `json:"audit_writes"`
	DetectionEvents     int64 `json:"detection_events"`
	ScheduledRuns       int64 `json:"scheduled_runs"`
	ScheduledSkips      int64 `json:"scheduled_skips"`
	Errors              int64 `json:"errors"`
}

type GetAuditLogsRequest struct {
	Limit     int        `json:"limit"`                // Number of rows to retrieve
	Offset    int        `json:"offset"`               // Pagination offset
	Kind      string     `json:"kind,omitempty"`       // Optional: filter by event kind
	RequestID string     `json:"request_id,omitempty"` // Optional: trace one request
	Start     *time.Time `json:"start,omitempty"`      // Optional: time-range lower bound
	End       *time.Time `json:"end,omitempty"`        // Optional: time-range upper bound
}

type GetAuditLogsResponse struct {
	Logs       []AuditLog `json:"logs"`
	TotalCount int        `json:"total_count"`
	HasMore    bool       `json:"has_more"`
}

// TriggerEvent processes a generic invalidation event through the policy
// table. The kind-specific endpoints below are thin conveniences over this.
//
//encore:api public method=POST path=/invalidation/event
func TriggerEvent(ctx context.Context, req *TriggerEventRequest) (*InvalidationResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.TriggerEvent(ctx, req)
}

func (s *Service) TriggerEvent(ctx context.Context, req *TriggerEventRequest) (*InvalidationResponse, error) {
	kind := EventKind(req.Kind)
	if !kind.IsValid() {
		return nil, fmt.Errorf("unknown event kind: %q", req.Kind)
	}

	event := Event{
		Kind:     kind,
		RuleType: req.RuleType,
		Pattern:  req.Pattern,
		Metadata: req.Metadata,
	}
	if req.Severity != "" {
		event.Severity = models.ParseSeverity(req.Severity)
	}

	removed, requestID := s.processEvent(ctx, event, req.RequestID)

	return &InvalidationResponse{
		Success:            true,
		Kind:               string(kind),
		EntriesInvalidated: removed,
		RequestID:          requestID,
		ProcessedAt:        time.Now(),
	}, nil
}

// RuleChange invalidates cached results for a rule whose definition changed.
//
//encore:api public method=POST path=/invalidation/rule-change
func RuleChange(ctx context.Context, req *RuleChangeRequest) (*InvalidationResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.RuleChange(ctx, req)
}

func (s *Service) RuleChange(ctx context.Context, req *RuleChangeRequest) (*InvalidationResponse, error) {
	if req.RuleType == "" {
		return nil, errors.New("rule_type cannot be empty")
	}

	removed, requestID := s.processEvent(ctx, Event{
		Kind:     KindRuleUpdate,
		RuleType: req.RuleType,
	}, req.RequestID)

	return &InvalidationResponse{
		Success:            true,
		Kind:               string(KindRuleUpdate),
		EntriesInvalidated: removed,
		RequestID:          requestID,
		ProcessedAt:        time.Now(),
	}, nil
}

// ReportDetection invalidates cached results after a detection finding.
// The scanner normally delivers findings over the detection topic; this
// endpoint serves external detection sources.
//
//encore:api public method=POST path=/invalidation/detection
func ReportDetection(ctx context.Context, req *DetectionRequest) (*InvalidationResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.ReportDetection(ctx, req)
}

func (s *Service) ReportDetection(ctx context.Context, req *DetectionRequest) (*InvalidationResponse, error) {
	if req.RuleType == "" {
		return nil, errors.New("rule_type cannot be empty")
	}
	if req.EventCount < 0 {
		return nil, errors.New("event_count cannot be negative")
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = make(map[string]string, 2)
	}
	severity := models.ParseSeverity(req.Severity)
	metadata["severity"] = string(severity)
	if req.EventCount > 0 {
		metadata["event_count"] = strconv.Itoa(req.EventCount)
	}

	removed, requestID := s.processEvent(ctx, Event{
		Kind:     KindDetectionFound,
		RuleType: req.RuleType,
		Severity: severity,
		Metadata: metadata,
	}, req.RequestID)

	return &InvalidationResponse{
		Success:            true,
		Kind:               string(KindDetectionFound),
		EntriesInvalidated: removed,
		RequestID:          requestID,
		ProcessedAt:        time.Now(),
	}, nil
}

// ManualClear serves operator-initiated purges: everything, one rule type,
// or a wildcard rule family.
//
//encore:api public method=POST path=/invalidation/manual-clear
func ManualClear(ctx context.Context, req *ManualClearRequest) (*InvalidationResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.ManualClear(ctx, req)
}

func (s *Service) ManualClear(ctx context.Context, req *ManualClearRequest) (*InvalidationResponse, error) {
	removed, requestID := s.processEvent(ctx, Event{
		Kind:     KindManualClear,
		RuleType: req.RuleType,
		Pattern:  req.Pattern,
	}, req.RequestID)

	return &InvalidationResponse{
		Success:            true,
		Kind:               string(KindManualClear),
		EntriesInvalidated: removed,
		RequestID:          requestID,
		ProcessedAt:        time.Now(),
	}, nil
}

// RunScheduled executes the periodic age sweep if it is due (or forced).
//
//encore:api public method=POST path=/invalidation/scheduled
func RunScheduled(ctx context.Context, req *RunScheduledRequest) (*RunScheduledResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.RunScheduled(ctx, req)
}

func (s *Service) RunScheduled(ctx context.Context, req *RunScheduledRequest) (*RunScheduledResponse, error) {
	if !req.Force && !s.invalidator.ShouldRunScheduled() {
		s.metrics.ScheduledSkips.Add(1)
		return &RunScheduledResponse{
			Ran:           false,
			NextScheduled: s.invalidator.Stats().NextScheduled,
		}, nil
	}

	s.metrics.ScheduledRuns.Add(1)
	removed, requestID := s.processEvent(ctx, Event{Kind: KindScheduled}, "")

	return &RunScheduledResponse{
		Ran:                true,
		EntriesInvalidated: removed,
		RequestID:          requestID,
		NextScheduled:      s.invalidator.Stats().NextScheduled,
	}, nil
}

// GetStats returns invalidator state, service counters, the in-memory
// history, and a 24h summary of the durable trail.
//
//encore:api public method=GET path=/invalidation/stats
func GetStats(ctx context.Context) (*StatsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetStats(ctx)
}

func (s *Service) GetStats(ctx context.Context) (*StatsResponse, error) {
	resp := &StatsResponse{
		Invalidator: s.invalidator.Stats(),
		History:     s.invalidator.History(),
		Service: ServiceCounters{
			EventsTotal:         s.metrics.EventsTotal.Load(),
			EntriesInvalidated:  s.metrics.EntriesInvalidated.Load(),
			DirectivesPublished: s.metrics.DirectivesPublished.Load(),
			MetricsPublished:    s.metrics.MetricsPublished.Load(),
			AuditWrites:         s.metrics.AuditWrites.Load(),
			DetectionEvents:     s.metrics.DetectionEvents.Load(),
			ScheduledRuns:       s.metrics.ScheduledRuns.Load(),
			ScheduledSkips:      s.metrics.ScheduledSkips.Load(),
			Errors:              s.metrics.Errors.Load(),
		},
	}

	// The SQL summary is best-effort; stats stay useful without it.
	if auditStats, err := s.auditLogger.GetStats(ctx, time.Now().Add(-auditStatsWindow)); err == nil {
		resp.Audit = auditStats
	}

	return resp, nil
}

// GetAuditLogs retrieves the durable invalidation trail with pagination.
//
//encore:api public method=GET path=/invalidation/audit
func GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAuditLogs(ctx, req)
}

func (s *Service) GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > 1000 {
		req.Limit = 1000 // Max page size
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	// Trace lookup short-circuits pagination.
	if req.RequestID != "" {
		logs, err := s.auditLogger.GetByRequestID(ctx, req.RequestID)
		if err != nil {
			s.metrics.Errors.Add(1)
			return nil, fmt.Errorf("failed to fetch audit logs: %w", err)
		}
		return &GetAuditLogsResponse{Logs: logs, TotalCount: len(logs)}, nil
	}

	if req.Start != nil && req.End != nil {
		logs, err := s.auditLogger.GetByTimeRange(ctx, *req.Start, *req.End, req.Limit)
		if err != nil {
			s.metrics.Errors.Add(1)
			return nil, fmt.Errorf("failed to fetch audit logs: %w", err)
		}
		return &GetAuditLogsResponse{Logs: logs, TotalCount: len(logs)}, nil
	}

	// Fetch one extra row to learn whether another page exists.
	logs, err := s.auditLogger.GetRecent(ctx, req.Limit+1, req.Offset, req.Kind)
	if err != nil {
		s.metrics.Errors.Add(1)
		return nil, fmt.Errorf("failed to fetch audit logs: %w", err)
	}

	hasMore := len(logs) > req.Limit
	if hasMore {
		logs = logs[:req.Limit]
	}

	totalCount, err := s.auditLogger.GetCount(ctx, req.Kind)
	if err != nil {
		totalCount = len(logs) // Fallback
	}

	return &GetAuditLogsResponse{
		Logs:       logs,
		TotalCount: totalCount,
		HasMore:    hasMore,
	}, nil
}

// Cron: the sweep check fires hourly; the invalidator's own interval
// decides whether a given tick actually purges.
var _ = cron.NewJob("scheduled-invalidation", cron.JobConfig{
	Title:    "Scheduled cache invalidation sweep",
	Schedule: "0 * * * *", // Every hour
	Endpoint: ScheduledSweep,
})

//encore:api private
func ScheduledSweep(ctx context.Context) error {
	if svc == nil {
		return nil
	}

	// Retention runs on every tick regardless of sweep due-ness.
	if _, err := svc.auditLogger.Cleanup(ctx, auditRetention); err != nil {
		svc.metrics.Errors.Add(1)
	}

	if !svc.invalidator.ShouldRunScheduled() {
		svc.metrics.ScheduledSkips.Add(1)
		return nil
	}

	svc.metrics.ScheduledRuns.Add(1)
	svc.processEvent(ctx, Event{Kind: KindScheduled}, "")
	return nil
}

// processEvent is the shared path for every trigger: run the policy table,
// fan the directive out, audit, and emit the monitoring metric. Returns the
// entries removed locally and the request ID used for correlation.
func (s *Service) processEvent(ctx context.Context, event Event, requestID string) (int, string) {
	startTime := time.Now()

	if requestID == "" {
		requestID = generateRequestID()
	}

	if !s.invalidator.Enabled() {
		return 0, requestID
	}

	removed := s.invalidator.Invalidate(event)

	s.metrics.EventsTotal.Add(1)
	s.metrics.EntriesInvalidated.Add(int64(removed))

	// Broadcast the purge so every cache instance applies it. Best-effort:
	// a failed publish never fails the trigger.
	if directive := s.directiveFor(event, requestID); directive != nil {
		if _, err := InvalidationDirectiveTopic.Publish(ctx, directive); err != nil {
			s.metrics.Errors.Add(1)
		} else {
			s.metrics.DirectivesPublished.Add(1)
		}
	}

	// Write audit row (async to not block the trigger)
	go func() {
		auditLog := AuditLog{
			Kind:               string(event.Kind),
			RuleType:           event.RuleType,
			Pattern:            event.Pattern,
			EntriesInvalidated: removed,
			Severity:           string(event.Severity),
			Metadata:           event.Metadata,
			Timestamp:          startTime,
			RequestID:          requestID,
			Latency:            time.Since(startTime).Milliseconds(),
		}
		if err := s.auditLogger.Insert(context.Background(), auditLog); err != nil {
			s.metrics.Errors.Add(1)
		} else {
			s.metrics.AuditWrites.Add(1)
		}
	}()

	// Metric event for monitoring (fire and forget)
	metric := &events.InvalidationMetricEvent{
		Version:            events.EventVersion1,
		Service:            "invalidation",
		Kind:               string(event.Kind),
		EntriesInvalidated: removed,
		RuleType:           event.RuleType,
		Severity:           event.Severity,
		OccurredAt:         time.Now(),
		RequestID:          requestID,
	}
	go func() {
		if _, err := InvalidationMetricsTopic.Publish(context.Background(), metric); err == nil {
			s.metrics.MetricsPublished.Add(1)
		}
	}()

	return removed, requestID
}

// directiveFor translates an event into the wire directive remote caches
// apply. It mirrors the policy table so local and remote purges agree; kinds
// whose policy would remove nothing return nil.
func (s *Service) directiveFor(event Event, requestID string) *events.InvalidationDirective {
	now := time.Now()
	directive := &events.InvalidationDirective{
		Version:     events.EventVersion1,
		Service:     "invalidation",
		Kind:        string(event.Kind),
		TriggeredAt: now,
		Meta:        event.Metadata,
		RequestID:   requestID,
	}

	config := s.invalidator.Config()

	switch event.Kind {
	case KindRuleUpdate:
		if !config.InvalidateOnRuleChange || event.RuleType == "" {
			return nil
		}
		directive.RuleType = event.RuleType

	case KindConfigChange:
		directive.ClearAll = true

	case KindManualClear:
		switch {
		case event.Pattern != "" && utils.IsWildcard(event.Pattern):
			directive.Pattern = event.Pattern
		case event.Pattern != "":
			directive.RuleType = event.Pattern
		case event.RuleType == "":
			directive.ClearAll = true
		default:
			directive.RuleType = event.RuleType
		}

	case KindScheduled:
		cutoff := now.Add(-config.ScheduledInterval)
		directive.OlderThan = &cutoff

	case KindDetectionFound:
		if !config.InvalidateOnDetection {
			return nil
		}
		directive.RuleType = event.RuleType
		if event.Severity.IsEscalated() {
			cutoff := now.Add(-escalationWindow)
			directive.OlderThan = &cutoff
		}

	default:
		return nil
	}

	return directive
}

// generateRequestID creates a unique request identifier for tracing.
func generateRequestID() string {
	return fmt.Sprintf("inv-%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%1000)
}
