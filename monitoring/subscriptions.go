package monitoring

import (
	"context"
	"time"

	"encore.dev/pubsub"

	"encore.app/invalidation"
	events "encore.app/pkg/pubsub"
	"encore.app/querycache"
	"encore.app/scanner"
)

// Monitoring consumes the metric streams of the other pipeline services.
// Handlers tolerate redelivery: counters drift by at most the duplicate
// count, which is acceptable for observability data.

var _ = pubsub.NewSubscription(
	scanner.ScanCompletedTopic,
	"monitoring-scan-completed",
	pubsub.SubscriptionConfig[*events.ScanCompletedEvent]{
		Handler: HandleScanCompleted,
	},
)

// HandleScanCompleted folds one scan completion into the pipeline counters
// and the per-log-type continuity state.
func HandleScanCompleted(ctx context.Context, event *events.ScanCompletedEvent) error {
	if svc == nil {
		return nil
	}

	if err := event.Validate(); err != nil {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricError,
			Value:     1,
			Timestamp: time.Now(),
			Source:    "scanner",
		})
		return nil
	}

	labels := map[string]string{"log_type": event.LogType}

	var metricType MetricType
	switch event.Status {
	case "failed":
		metricType = MetricScanFailed
	case "skipped":
		metricType = MetricScanSkipped
	default:
		metricType = MetricScanCompleted
	}
	svc.collector.RecordMetric(MetricEvent{
		Type:      metricType,
		Value:     1,
		Timestamp: event.CompletedAt,
		Source:    "scanner",
		Labels:    labels,
	})

	if event.Status == "failed" {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricError,
			Value:     1,
			Timestamp: event.CompletedAt,
			Source:    "scanner",
			Labels:    labels,
		})
	}

	if event.GapDetected {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricGapDetected,
			Value:     1,
			Timestamp: event.CompletedAt,
			Source:    "scanner",
			Labels:    labels,
		})
	}

	if event.WindowWidened {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricWindowWidened,
			Value:     1,
			Timestamp: event.CompletedAt,
			Source:    "scanner",
			Labels:    labels,
		})
	}

	if event.Duration > 0 {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricLatency,
			Value:     float64(event.Duration.Milliseconds()),
			Timestamp: event.CompletedAt,
			Source:    "scanner",
			Labels:    map[string]string{"operation": "scan", "log_type": event.LogType},
		})
	}

	if event.CacheHit {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricCacheHit,
			Value:     1,
			Timestamp: event.CompletedAt,
			Source:    "scanner",
			Labels:    labels,
		})
	}

	svc.collector.RecordScanState(event.LogType, event.Status, event.Window.End, event.GapDetected, event.EventCount)

	return nil
}

var _ = pubsub.NewSubscription(
	scanner.DetectionTopic,
	"monitoring-detections",
	pubsub.SubscriptionConfig[*events.DetectionEvent]{
		Handler: HandleDetection,
	},
)

// HandleDetection counts detection findings reported by the scanner.
func HandleDetection(ctx context.Context, event *events.DetectionEvent) error {
	if svc == nil {
		return nil
	}

	if err := event.Validate(); err != nil {
		return nil
	}

	svc.collector.RecordMetric(MetricEvent{
		Type:      MetricDetection,
		Value:     1,
		Timestamp: event.DetectedAt,
		Source:    "scanner",
		Labels: map[string]string{
			"rule_type": event.RuleType,
			"severity":  string(event.Severity),
		},
	})

	return nil
}

var _ = pubsub.NewSubscription(
	querycache.CacheMetricsTopic,
	"monitoring-cache-metrics",
	pubsub.SubscriptionConfig[*events.CacheMetricEvent]{
		Handler: HandleCacheMetric,
	},
)

// HandleCacheMetric folds one query cache operation into the counters.
func HandleCacheMetric(ctx context.Context, event *events.CacheMetricEvent) error {
	if svc == nil {
		return nil
	}

	if err := event.Validate(); err != nil {
		return nil
	}

	var metricType MetricType
	value := 1.0
	switch event.Operation {
	case "hit":
		metricType = MetricCacheHit
	case "miss":
		metricType = MetricCacheMiss
	case "store":
		metricType = MetricCacheStore
	case "eviction":
		metricType = MetricCacheEviction
		value = float64(event.Count)
	case "invalidation", "clear":
		// Entries purged from the live cache, whether by directive or by
		// an operator clearing it.
		metricType = MetricInvalidation
		value = float64(event.Count)
	default:
		return nil
	}

	labels := map[string]string{"operation": event.Operation}
	if event.RuleType != "" {
		labels["rule_type"] = event.RuleType
	}

	svc.collector.RecordMetric(MetricEvent{
		Type:      metricType,
		Value:     value,
		Timestamp: event.OccurredAt,
		Source:    "querycache",
		Labels:    labels,
	})
	svc.collector.SetCacheSize(event.CacheSize)

	if event.Latency > 0 {
		svc.collector.RecordMetric(MetricEvent{
			Type:      MetricLatency,
			Value:     float64(event.Latency.Milliseconds()),
			Timestamp: event.OccurredAt,
			Source:    "querycache",
			Labels:    map[string]string{"operation": event.Operation},
		})
	}

	return nil
}

var _ = pubsub.NewSubscription(
	invalidation.InvalidationMetricsTopic,
	"monitoring-invalidation-metrics",
	pubsub.SubscriptionConfig[*events.InvalidationMetricEvent]{
		Handler: HandleInvalidationMetric,
	},
)

// HandleInvalidationMetric counts invalidation events processed by the
// invalidation service. EntriesInvalidated only covers that service's local
// cache target; purges applied by querycache arrive through the cache
// metric stream.
func HandleInvalidationMetric(ctx context.Context, event *events.InvalidationMetricEvent) error {
	if svc == nil {
		return nil
	}

	if err := event.Validate(); err != nil {
		return nil
	}

	labels := map[string]string{"kind": event.Kind}
	if event.RuleType != "" {
		labels["rule_type"] = event.RuleType
	}
	if event.Severity != "" {
		labels["severity"] = string(event.Severity)
	}

	svc.collector.RecordMetric(MetricEvent{
		Type:      MetricInvalidation,
		Value:     float64(event.EntriesInvalidated),
		Timestamp: event.OccurredAt,
		Source:    "invalidation",
		Labels:    labels,
	})

	return nil
}
