// Package pubsub provides topic names and event type definitions for the
// detection pipeline's event-driven architecture.
//
// Topic Naming Convention:
//   - detection-found: Detection findings reported by the scanner
//   - scan-completed: Per-task scan completion notifications
//   - querycache-invalidate: Invalidation directives for cache instances
//   - querycache-metrics: Query cache operation metrics
//   - invalidation-metrics: Applied invalidation metrics
//
// Design Notes:
//   - Topics are defined as constants to avoid typos and enable compile-time checks
//   - Version field in events enables schema evolution without breaking consumers
//   - No direct Encore dependencies, so pkg/ stays reusable across services;
//     each publishing service declares its typed topic over these names and
//     payload types
package pubsub

// Topic name constants for Encore Pub/Sub integration.
// These should be used when defining pubsub.Topic[T] in service code.
const (
	// TopicDetectionFound is published when a detection rule produces findings.
	// Event type: DetectionEvent
	// Publisher: scanner
	// Subscribers: invalidation service, monitoring
	TopicDetectionFound = "detection-found"

	// TopicScanCompleted is published when a scan task finishes.
	// Event type: ScanCompletedEvent
	// Publisher: scanner
	// Subscribers: monitoring
	TopicScanCompleted = "scan-completed"

	// TopicInvalidationDirective is published when cache entries need purging.
	// Event type: InvalidationDirective
	// Publisher: invalidation service
	// Subscribers: all querycache instances
	TopicInvalidationDirective = "querycache-invalidate"

	// TopicCacheMetrics is published for each query cache operation batch.
	// Event type: CacheMetricEvent
	// Publisher: querycache
	// Subscribers: monitoring
	TopicCacheMetrics = "querycache-metrics"

	// TopicInvalidationMetrics is published for each applied invalidation.
	// Event type: InvalidationMetricEvent
	// Publisher: invalidation service
	// Subscribers: monitoring
	TopicInvalidationMetrics = "invalidation-metrics"
)

// AllTopics returns all defined topic names.
// Useful for validation, testing, and administrative tools.
func AllTopics() []string {
	return []string{
		TopicDetectionFound,
		TopicScanCompleted,
		TopicInvalidationDirective,
		TopicCacheMetrics,
		TopicInvalidationMetrics,
	}
}

// IsValidTopic checks if the given topic name is recognized.
func IsValidTopic(topic string) bool {
	for _, t := range AllTopics() {
		if t == topic {
			return true
		}
	}
	return false
}

// TopicMetadata provides descriptive information about topics.
type TopicMetadata struct {
	Name        string
	Description string
	EventType   string
}

// GetTopicMetadata returns metadata for all topics.
// Useful for documentation generation and admin tooling.
func GetTopicMetadata() []TopicMetadata {
	return []TopicMetadata{
		{
			Name:        TopicDetectionFound,
			Description: "Detection findings that drive cache invalidation and counters",
			EventType:   "DetectionEvent",
		},
		{
			Name:        TopicScanCompleted,
			Description: "Scan task completions with window, status, and latency",
			EventType:   "ScanCompletedEvent",
		},
		{
			Name:        TopicInvalidationDirective,
			Description: "Invalidation directives applied by query cache instances",
			EventType:   "InvalidationDirective",
		},
		{
			Name:        TopicCacheMetrics,
			Description: "Query cache operation metrics for aggregation",
			EventType:   "CacheMetricEvent",
		},
		{
			Name:        TopicInvalidationMetrics,
			Description: "Applied invalidation metrics for aggregation",
			EventType:   "InvalidationMetricEvent",
		},
	}
}
