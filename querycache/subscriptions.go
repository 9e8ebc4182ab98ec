package querycache

import (
	"context"

	"encore.dev/pubsub"

	"encore.app/invalidation"
	events "encore.app/pkg/pubsub"
)

// Subscribe to purge directives from the invalidation service. Directives
// arrive at least once; applying one twice removes nothing the second time,
// so redelivery is harmless.
var _ = pubsub.NewSubscription(
	invalidation.InvalidationDirectiveTopic,
	"querycache-apply-directive",
	pubsub.SubscriptionConfig[*events.InvalidationDirective]{
		Handler: HandleInvalidationDirective,
	},
)

// HandleInvalidationDirective applies a purge directive to the owned cache.
func HandleInvalidationDirective(ctx context.Context, directive *events.InvalidationDirective) error {
	if svc == nil {
		return nil
	}
	if err := directive.Validate(); err != nil {
		svc.metrics.Errors.Add(1)
		return nil
	}

	removed := svc.applyDirective(directive)
	svc.metrics.DirectivesApplied.Add(1)
	svc.publishMetric("invalidation", removed, directive.RuleType, 0)
	return nil
}

// applyDirective maps directive selectors onto cache operations. ClearAll
// wins over pattern, pattern over the rule-type/age pair.
func (s *Service) applyDirective(directive *events.InvalidationDirective) int {
	switch {
	case directive.ClearAll:
		return s.cache.Clear()
	case directive.Pattern != "":
		return s.cache.InvalidateMatching(directive.Pattern)
	default:
		return s.cache.Invalidate(directive.RuleType, directive.OlderThan)
	}
}
