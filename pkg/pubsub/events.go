package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"encore.app/pkg/models"
)

// Event versioning strategy:
// - Version 1: Initial schema
// - Future versions: Add fields, never remove (backward compatible)
// - Consumers should check Version and handle appropriately

const (
	// EventVersion1 is the current event schema version
	EventVersion1 = 1
)

// InvalidationDirective instructs cache instances to drop query results.
// This event is published to TopicInvalidationDirective.
//
// Invalidation modes:
//   - Rule type: Provide RuleType (exact) or Pattern (wildcard family)
//   - Age-based: Provide OlderThan to drop entries created before it
//   - Full purge: Set ClearAll
//
// Design notes:
//   - Kind records which invalidator event produced the directive, for audit
//     correlation on the consuming side
//   - RequestID enables distributed tracing across publisher and appliers
type InvalidationDirective struct {
	// Version of the event schema (for backward compatibility)
	Version int `json:"version"`

	// Service that issued the directive (e.g., "invalidation")
	Service string `json:"service"`

	// Kind is the invalidation event kind that produced this directive
	// (e.g., "rule_update", "scheduled").
	Kind string `json:"kind"`

	// RuleType restricts the purge to entries tagged with this rule type.
	RuleType string `json:"rule_type,omitempty"`

	// Pattern restricts the purge to rule types matching a wildcard pattern
	// (e.g., "aws_*"). Takes precedence over RuleType when set.
	Pattern string `json:"pattern,omitempty"`

	// OlderThan drops entries created before this time, regardless of rule type.
	OlderThan *time.Time `json:"older_than,omitempty"`

	// ClearAll drops every entry. Other selectors are ignored when set.
	ClearAll bool `json:"clear_all,omitempty"`

	// TriggeredAt is the time the directive was issued
	TriggeredAt time.Time `json:"triggered_at"`

	// Meta contains optional metadata (e.g., severity, source rule)
	Meta map[string]string `json:"meta,omitempty"`

	// RequestID for distributed tracing and correlation
	RequestID string `json:"request_id"`
}

// Validate checks if the InvalidationDirective is well-formed.
func (e *InvalidationDirective) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}

	if e.Service == "" {
		return errors.New("service field is required")
	}

	if e.RuleType == "" && e.Pattern == "" && e.OlderThan == nil && !e.ClearAll {
		return errors.New("at least one of rule_type, pattern, older_than, or clear_all must be set")
	}

	if e.TriggeredAt.IsZero() {
		return errors.New("triggered_at cannot be zero")
	}

	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}

	return nil
}

// ToJSON serializes the event to JSON.
func (e *InvalidationDirective) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// InvalidationDirectiveFromJSON deserializes an InvalidationDirective from JSON.
func InvalidationDirectiveFromJSON(data []byte) (*InvalidationDirective, error) {
	var e InvalidationDirective
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal InvalidationDirective: %w", err)
	}
	return &e, nil
}

// DetectionEvent announces that a detection rule produced findings.
// This event is published to TopicDetectionFound.
//
// Use cases:
//   - Drive detection-triggered cache invalidation
//   - Feed detection counters in monitoring
type DetectionEvent struct {
	// Version of the event schema
	Version int `json:"version"`

	// Service that reported the detection (typically "scanner")
	Service string `json:"service"`

	// RuleType that fired (e.g., "aws_guardduty"). Required.
	RuleType string `json:"rule_type"`

	// Severity of the finding
	Severity models.Severity `json:"severity"`

	// EventCount is the number of matching log events behind the finding
	EventCount int `json:"event_count"`

	// DetectedAt is the time the finding was reported
	DetectedAt time.Time `json:"detected_at"`

	// Meta contains optional metadata (e.g., account, region)
	Meta map[string]string `json:"meta,omitempty"`

	// RequestID for distributed tracing
	RequestID string `json:"request_id"`
}

// Validate checks if the DetectionEvent is well-formed.
func (e *DetectionEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}

	if e.Service == "" {
		return errors.New("service field is required")
	}

	if e.RuleType == "" {
		return errors.New("rule_type is required")
	}

	validSeverities := map[models.Severity]bool{
		models.SeverityLow:      true,
		models.SeverityMedium:   true,
		models.SeverityHigh:     true,
		models.SeverityCritical: true,
	}
	if !validSeverities[e.Severity] {
		return fmt.Errorf("invalid severity: %s (must be low, medium, high, or critical)", e.Severity)
	}

	if e.EventCount < 0 {
		return errors.New("event_count cannot be negative")
	}

	if e.DetectedAt.IsZero() {
		return errors.New("detected_at cannot be zero")
	}

	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}

	return nil
}

// ToJSON serializes the event to JSON.
func (e *DetectionEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// DetectionEventFromJSON deserializes a DetectionEvent from JSON.
func DetectionEventFromJSON(data []byte) (*DetectionEvent, error) {
	var e DetectionEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DetectionEvent: %w", err)
	}
	return &e, nil
}

// ScanCompletedEvent announces the completion of one scan task.
// This event is published to TopicScanCompleted.
//
// Use cases:
//   - Feed scan throughput, lag, and gap counters in monitoring
//   - Track per-log-type continuity from the event stream
type ScanCompletedEvent struct {
	// Version of the event schema
	Version int `json:"version"`

	// Service that performed the scan (typically "scanner")
	Service string `json:"service"`

	// LogType that was scanned (e.g., "vpc_flow")
	LogType string `json:"log_type"`

	// Window is the scan window that was executed
	Window models.ScanWindow `json:"window"`

	// Status of the scan ("success", "failed", "skipped")
	Status string `json:"status"`

	// Duration of the query execution
	Duration time.Duration `json:"duration"`

	// EventCount is the number of log events the query returned
	EventCount int `json:"event_count"`

	// CacheHit reports whether the result came from the query cache
	CacheHit bool `json:"cache_hit"`

	// GapDetected reports whether a coverage gap preceded this window
	GapDetected bool `json:"gap_detected"`

	// WindowWidened reports whether adaptive overlap widened this window
	// beyond the base overlap
	WindowWidened bool `json:"window_widened"`

	// Error message if Status is "failed"
	Error string `json:"error,omitempty"`

	// CompletedAt is the time the scan completed
	CompletedAt time.Time `json:"completed_at"`

	// RequestID for distributed tracing
	RequestID string `json:"request_id"`
}

// Validate checks if the ScanCompletedEvent is well-formed.
func (e *ScanCompletedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}

	if e.Service == "" {
		return errors.New("service field is required")
	}

	if e.LogType == "" {
		return errors.New("log_type is required")
	}

	validStatuses := map[string]bool{"success": true, "failed": true, "skipped": true}
	if !validStatuses[e.Status] {
		return fmt.Errorf("invalid status: %s (must be success, failed, or skipped)", e.Status)
	}

	if e.Duration < 0 {
		return errors.New("duration cannot be negative")
	}

	if e.EventCount < 0 {
		return errors.New("event_count cannot be negative")
	}

	if e.CompletedAt.IsZero() {
		return errors.New("completed_at cannot be zero")
	}

	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}

	return nil
}

// ToJSON serializes the event to JSON.
func (e *ScanCompletedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ScanCompletedEventFromJSON deserializes a ScanCompletedEvent from JSON.
func ScanCompletedEventFromJSON(data []byte) (*ScanCompletedEvent, error) {
	var e ScanCompletedEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ScanCompletedEvent: %w", err)
	}
	return &e, nil
}

// CacheMetricEvent reports one query cache operation for monitoring.
// This event is published to TopicCacheMetrics.
type CacheMetricEvent struct {
	// Version of the event schema
	Version int `json:"version"`

	// Service that owns the cache instance (typically "querycache")
	Service string `json:"service"`

	// Operation performed ("hit", "miss", "store", "eviction", "invalidation", "clear")
	Operation string `json:"operation"`

	// Count of entries the operation touched (1 for lookups, N for purges)
	Count int `json:"count"`

	// Latency of the operation, when measured
	Latency time.Duration `json:"latency,omitempty"`

	// RuleType associated with the operation, when known
	RuleType string `json:"rule_type,omitempty"`

	// CacheSize is the entry count after the operation
	CacheSize int `json:"cache_size"`

	// OccurredAt is the time of the operation
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate checks if the CacheMetricEvent is well-formed.
func (e *CacheMetricEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}

	if e.Service == "" {
		return errors.New("service field is required")
	}

	validOps := map[string]bool{
		"hit": true, "miss": true, "store": true,
		"eviction": true, "invalidation": true, "clear": true,
	}
	if !validOps[e.Operation] {
		return fmt.Errorf("invalid operation: %s", e.Operation)
	}

	if e.Count < 0 {
		return errors.New("count cannot be negative")
	}

	if e.OccurredAt.IsZero() {
		return errors.New("occurred_at cannot be zero")
	}

	return nil
}

// ToJSON serializes the event to JSON.
func (e *CacheMetricEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// CacheMetricEventFromJSON deserializes a CacheMetricEvent from JSON.
func CacheMetricEventFromJSON(data []byte) (*CacheMetricEvent, error) {
	var e CacheMetricEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal CacheMetricEvent: %w", err)
	}
	return &e, nil
}

// InvalidationMetricEvent reports one applied invalidation for monitoring.
// This event is published to TopicInvalidationMetrics.
type InvalidationMetricEvent struct {
	// Version of the event schema
	Version int `json:"version"`

	// Service that ran the invalidation (typically "invalidation")
	Service string `json:"service"`

	// Kind is the invalidation event kind ("rule_update", "config_change",
	// "manual_clear", "scheduled", "detection_found")
	Kind string `json:"kind"`

	// EntriesInvalidated is the number of cache entries removed
	EntriesInvalidated int `json:"entries_invalidated"`

	// RuleType associated with the invalidation, when targeted
	RuleType string `json:"rule_type,omitempty"`

	// Severity of the triggering detection, when Kind is "detection_found"
	Severity models.Severity `json:"severity,omitempty"`

	// OccurredAt is the time of the invalidation
	OccurredAt time.Time `json:"occurred_at"`

	// RequestID for distributed tracing
	RequestID string `json:"request_id"`
}

// Validate checks if the InvalidationMetricEvent is well-formed.
func (e *InvalidationMetricEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}

	if e.Service == "" {
		return errors.New("service field is required")
	}

	if e.Kind == "" {
		return errors.New("kind is required")
	}

	if e.EntriesInvalidated < 0 {
		return errors.New("entries_invalidated cannot be negative")
	}

	if e.OccurredAt.IsZero() {
		return errors.New("occurred_at cannot be zero")
	}

	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}

	return nil
}

// ToJSON serializes the event to JSON.
func (e *InvalidationMetricEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// InvalidationMetricEventFromJSON deserializes an InvalidationMetricEvent from JSON.
func InvalidationMetricEventFromJSON(data []byte) (*InvalidationMetricEvent, error) {
	var e InvalidationMetricEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal InvalidationMetricEvent: %w", err)
	}
	return &e, nil
}
