package invalidation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"encore.app/pkg/models"
	events "encore.app/pkg/pubsub"
)

// invalidateCall records one targeted purge on the mock.
type invalidateCall struct {
	ruleType  string
	olderThan *time.Time
}

// MockCacheTarget records purge calls and returns a configurable removal
// count per call.
type MockCacheTarget struct {
	mu       sync.Mutex
	removed  int
	calls    []invalidateCall
	patterns []string
	clears   int
}

func NewMockCacheTarget(removedPerCall int) *MockCacheTarget {
	return &MockCacheTarget{removed: removedPerCall}
}

func (m *MockCacheTarget) Invalidate(ruleType string, olderThan *time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, invalidateCall{ruleType: ruleType, olderThan: olderThan})
	return m.removed
}

func (m *MockCacheTarget) InvalidateMatching(pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, pattern)
	return m.removed
}

func (m *MockCacheTarget) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	return m.removed
}

func (m *MockCacheTarget) Calls() []invalidateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]invalidateCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockCacheTarget) Patterns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.patterns))
	copy(out, m.patterns)
	return out
}

func (m *MockCacheTarget) Clears() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

// MockAuditLogger provides an in-memory audit trail for tests.
type MockAuditLogger struct {
	mu   sync.Mutex
	logs []AuditLog
}

func NewMockAuditLogger() *MockAuditLogger {
	return &MockAuditLogger{logs: make([]AuditLog, 0)}
}

func (m *MockAuditLogger) Insert(ctx context.Context, log AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Mirror the unique request_id index
	for _, existing := range m.logs {
		if existing.RequestID == log.RequestID {
			return nil
		}
	}

	log.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, log)
	return nil
}

func (m *MockAuditLogger) GetRecent(ctx context.Context, limit, offset int, kindFilter string) ([]AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filtered := make([]AuditLog, 0)
	for i := len(m.logs) - 1; i >= 0; i-- {
		log := m.logs[i]
		if kindFilter == "" || log.Kind == kindFilter {
			filtered = append(filtered, log)
		}
	}

	if offset >= len(filtered) {
		return []AuditLog{}, nil
	}

	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end], nil
}

func (m *MockAuditLogger) GetCount(ctx context.Context, kindFilter string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if kindFilter == "" {
		return len(m.logs), nil
	}

	count := 0
	for _, log := range m.logs {
		if log.Kind == kindFilter {
			count++
		}
	}
	return count, nil
}

func (m *MockAuditLogger) GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]AuditLog, 0)
	for _, log := range m.logs {
		if log.RequestID == requestID {
			result = append(result, log)
		}
	}
	return result, nil
}

func (m *MockAuditLogger) GetByTimeRange(ctx context.Context, start, end time.Time, limit int) ([]AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]AuditLog, 0)
	for i := len(m.logs) - 1; i >= 0 && len(result) < limit; i-- {
		log := m.logs[i]
		if !log.Timestamp.Before(start) && !log.Timestamp.After(end) {
			result = append(result, log)
		}
	}
	return result, nil
}

func (m *MockAuditLogger) GetStats(ctx context.Context, since time.Time) (*AuditStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &AuditStats{ByKind: make(map[string]int64)}
	for _, log := range m.logs {
		if log.Timestamp.Before(since) {
			continue
		}
		stats.TotalInvalidations++
		stats.TotalEntriesRemoved += int64(log.EntriesInvalidated)
		stats.ByKind[log.Kind]++
	}
	return stats, nil
}

func (m *MockAuditLogger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := m.logs[:0]
	removed := int64(0)
	for _, log := range m.logs {
		if log.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, log)
	}
	m.logs = kept
	return removed, nil
}

func (m *MockAuditLogger) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

// setupTestService wires a service to mocks, bypassing the package global.
func setupTestService(removedPerCall int) (*Service, *MockCacheTarget, *MockAuditLogger) {
	target := NewMockCacheTarget(removedPerCall)
	audit := NewMockAuditLogger()

	s := &Service{
		invalidator: NewInvalidator(DefaultConfig(), target),
		auditLogger: audit,
		metrics:     &Metrics{},
	}
	return s, target, audit
}

func TestEventKind_IsValid(t *testing.T) {
	valid := []EventKind{KindRuleUpdate, KindConfigChange, KindManualClear, KindScheduled, KindDetectionFound}
	for _, kind := range valid {
		if !kind.IsValid() {
			t.Errorf("IsValid(%q) = false, want true", kind)
		}
	}

	if EventKind("bogus").IsValid() {
		t.Error("IsValid(bogus) = true, want false")
	}
	if EventKind("").IsValid() {
		t.Error("IsValid(empty) = true, want false")
	}
}

func TestInvalidator_RuleUpdate(t *testing.T) {
	target := NewMockCacheTarget(3)
	inv := NewInvalidator(DefaultConfig(), target)

	removed := inv.OnRuleChange("aws_guardduty")
	if removed != 3 {
		t.Errorf("OnRuleChange removed %d, want 3", removed)
	}

	calls := target.Calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 targeted purge, got %d", len(calls))
	}
	if calls[0].ruleType != "aws_guardduty" || calls[0].olderThan != nil {
		t.Errorf("Purge call = %+v, want rule-only", calls[0])
	}

	stats := inv.Stats()
	if _, ok := stats.ChangedRules["aws_guardduty"]; !ok {
		t.Error("Changed rule should be tracked")
	}
	if stats.EventCounts[KindRuleUpdate] != 1 {
		t.Errorf("EventCounts[rule_update] = %d, want 1", stats.EventCounts[KindRuleUpdate])
	}
}

func TestInvalidator_RuleUpdateDisabled(t *testing.T) {
	config := DefaultConfig()
	config.InvalidateOnRuleChange = false
	target := NewMockCacheTarget(3)
	inv := NewInvalidator(config, target)

	removed := inv.OnRuleChange("aws_guardduty")
	if removed != 0 {
		t.Errorf("Disabled rule-change policy removed %d, want 0", removed)
	}
	if len(target.Calls()) != 0 {
		t.Error("Disabled policy should not touch the target")
	}

	// The event itself is still recorded
	if len(inv.History()) != 1 {
		t.Error("Processed event should appear in history even when it removed nothing")
	}
	if len(inv.Stats().ChangedRules) != 0 {
		t.Error("Changed rules should not be tracked when rule-change handling is off")
	}
}

func TestInvalidator_ConfigChange(t *testing.T) {
	target := NewMockCacheTarget(10)
	inv := NewInvalidator(DefaultConfig(), target)

	removed := inv.Invalidate(Event{Kind: KindConfigChange})
	if removed != 10 {
		t.Errorf("Config change removed %d, want 10", removed)
	}
	if target.Clears() != 1 {
		t.Error("Config change should clear everything")
	}
}

func TestInvalidator_ManualClear(t *testing.T) {
	tests := []struct {
		name        string
		event       Event
		wantClear   bool
		wantPattern string
		wantRule    string
	}{
		{
			name:      "no filters clears everything",
			event:     Event{Kind: KindManualClear},
			wantClear: true,
		},
		{
			name:        "wildcard pattern purges the family",
			event:       Event{Kind: KindManualClear, Pattern: "aws_*"},
			wantPattern: "aws_*",
		},
		{
			name:     "plain pattern is an exact rule type",
			event:    Event{Kind: KindManualClear, Pattern: "okta_auth"},
			wantRule: "okta_auth",
		},
		{
			name:     "rule type purges that rule",
			event:    Event{Kind: KindManualClear, RuleType: "aws_guardduty"},
			wantRule: "aws_guardduty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := NewMockCacheTarget(1)
			inv := NewInvalidator(DefaultConfig(), target)

			inv.Invalidate(tt.event)

			if tt.wantClear && target.Clears() != 1 {
				t.Error("Expected a full clear")
			}
			if tt.wantPattern != "" {
				patterns := target.Patterns()
				if len(patterns) != 1 || patterns[0] != tt.wantPattern {
					t.Errorf("Patterns = %v, want [%s]", patterns, tt.wantPattern)
				}
			}
			if tt.wantRule != "" {
				calls := target.Calls()
				if len(calls) != 1 || calls[0].ruleType != tt.wantRule {
					t.Errorf("Calls = %v, want rule %s", calls, tt.wantRule)
				}
			}
		})
	}
}

func TestInvalidator_ScheduledSweep(t *testing.T) {
	config := DefaultConfig()
	config.ScheduledInterval = 2 * time.Hour
	target := NewMockCacheTarget(5)
	inv := NewInvalidator(config, target)

	before := time.Now()
	removed := inv.RunScheduled()
	if removed != 5 {
		t.Errorf("Scheduled sweep removed %d, want 5", removed)
	}

	calls := target.Calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 age purge, got %d", len(calls))
	}
	if calls[0].ruleType != "" || calls[0].olderThan == nil {
		t.Fatalf("Sweep call = %+v, want age-only", calls[0])
	}

	// Cutoff sits one interval in the past
	wantCutoff := before.Add(-2 * time.Hour)
	if calls[0].olderThan.Before(wantCutoff.Add(-time.Minute)) ||
		calls[0].olderThan.After(wantCutoff.Add(time.Minute)) {
		t.Errorf("Cutoff = %v, want around %v", calls[0].olderThan, wantCutoff)
	}

	stats := inv.Stats()
	if stats.LastScheduled.IsZero() {
		t.Error("LastScheduled should advance after a sweep")
	}
	if !stats.NextScheduled.Equal(stats.LastScheduled.Add(2 * time.Hour)) {
		t.Errorf("NextScheduled = %v, want last + interval", stats.NextScheduled)
	}
}

func TestInvalidator_ShouldRunScheduled(t *testing.T) {
	config := DefaultConfig()
	config.ScheduledInterval = 50 * time.Millisecond
	inv := NewInvalidator(config, NewMockCacheTarget(0))

	// A sweep that never ran is always due
	if !inv.ShouldRunScheduled() {
		t.Error("Fresh invalidator should be due")
	}

	inv.RunScheduled()

	if inv.ShouldRunScheduled() {
		t.Error("Should not be due immediately after a sweep")
	}

	time.Sleep(100 * time.Millisecond)

	if !inv.ShouldRunScheduled() {
		t.Error("Should be due after the interval passes")
	}

	// Disabled invalidators are never due
	disabled := NewInvalidator(Config{Enabled: false, ScheduledInterval: time.Hour}, nil)
	if disabled.ShouldRunScheduled() {
		t.Error("Disabled invalidator should never be due")
	}
}

func TestInvalidator_DetectionLowSeverity(t *testing.T) {
	target := NewMockCacheTarget(2)
	inv := NewInvalidator(DefaultConfig(), target)

	removed := inv.OnDetection("okta_auth", models.SeverityLow, 3)
	if removed != 2 {
		t.Errorf("Detection removed %d, want 2 (rule purge only)", removed)
	}

	calls := target.Calls()
	if len(calls) != 1 {
		t.Fatalf("Low severity should purge only the firing rule, got %d calls", len(calls))
	}
	if calls[0].ruleType != "okta_auth" {
		t.Errorf("Purged rule = %q, want okta_auth", calls[0].ruleType)
	}

	history := inv.History()
	if len(history) != 1 {
		t.Fatalf("Expected 1 history record, got %d", len(history))
	}
	if history[0].Metadata["severity"] != "low" || history[0].Metadata["event_count"] != "3" {
		t.Errorf("Record metadata = %v, want severity and event count", history[0].Metadata)
	}
}

func TestInvalidator_DetectionEscalated(t *testing.T) {
	target := NewMockCacheTarget(2)
	inv := NewInvalidator(DefaultConfig(), target)

	before := time.Now()
	removed := inv.OnDetection("aws_guardduty", models.SeverityCritical, 50)
	if removed != 4 {
		t.Errorf("Escalated detection removed %d, want 4 (rule purge + age sweep)", removed)
	}

	calls := target.Calls()
	if len(calls) != 2 {
		t.Fatalf("Escalated detection should make 2 purges, got %d", len(calls))
	}

	// First the firing rule, then the cross-rule age sweep
	if calls[0].ruleType != "aws_guardduty" || calls[0].olderThan != nil {
		t.Errorf("First call = %+v, want rule-only", calls[0])
	}
	if calls[1].ruleType != "" || calls[1].olderThan == nil {
		t.Fatalf("Second call = %+v, want age-only", calls[1])
	}

	wantCutoff := before.Add(-escalationWindow)
	if calls[1].olderThan.Before(wantCutoff.Add(-time.Minute)) ||
		calls[1].olderThan.After(wantCutoff.Add(time.Minute)) {
		t.Errorf("Escalation cutoff = %v, want around %v", calls[1].olderThan, wantCutoff)
	}
}

func TestInvalidator_DetectionDisabled(t *testing.T) {
	config := DefaultConfig()
	config.InvalidateOnDetection = false
	target := NewMockCacheTarget(2)
	inv := NewInvalidator(config, target)

	removed := inv.OnDetection("aws_guardduty", models.SeverityCritical, 10)
	if removed != 0 {
		t.Errorf("Disabled detection policy removed %d, want 0", removed)
	}
	if len(target.Calls()) != 0 {
		t.Error("Disabled policy should not touch the target")
	}
}

func TestInvalidator_Disabled(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = false
	target := NewMockCacheTarget(5)
	inv := NewInvalidator(config, target)

	removed := inv.Invalidate(Event{Kind: KindConfigChange})
	if removed != 0 {
		t.Errorf("Disabled invalidator removed %d, want 0", removed)
	}
	if target.Clears() != 0 {
		t.Error("Disabled invalidator should not touch the target")
	}
	if len(inv.History()) != 0 {
		t.Error("Disabled invalidator should record nothing")
	}
}

func TestInvalidator_UnknownKind(t *testing.T) {
	inv := NewInvalidator(DefaultConfig(), NewMockCacheTarget(5))

	removed := inv.Invalidate(Event{Kind: "bogus"})
	if removed != 0 {
		t.Errorf("Unknown kind removed %d, want 0", removed)
	}
	if len(inv.History()) != 0 {
		t.Error("Unknown kinds should not be recorded")
	}
}

func TestInvalidator_NilTarget(t *testing.T) {
	inv := NewInvalidator(DefaultConfig(), nil)

	removed := inv.RunScheduled()
	if removed != 0 {
		t.Errorf("Nil target removed %d, want 0", removed)
	}

	// The event still counts and scheduling state still advances
	if len(inv.History()) != 1 {
		t.Error("Events against a nil target should still be recorded")
	}
	if inv.Stats().LastScheduled.IsZero() {
		t.Error("Scheduling state should advance with a nil target")
	}

	if inv.ShouldRunScheduled() {
		t.Error("Sweep should not be due right after running")
	}
}

func TestInvalidator_HistoryTrimFIFO(t *testing.T) {
	inv := NewInvalidator(DefaultConfig(), NewMockCacheTarget(0))

	for i := 0; i < 150; i++ {
		inv.OnRuleChange(fmt.Sprintf("rule_%d", i))
	}

	history := inv.History()
	if len(history) != maxHistoryRecords {
		t.Fatalf("History size = %d, want %d", len(history), maxHistoryRecords)
	}

	// Oldest records drop first
	if history[0].RuleType != "rule_50" {
		t.Errorf("Oldest surviving record = %s, want rule_50", history[0].RuleType)
	}
	if history[len(history)-1].RuleType != "rule_149" {
		t.Errorf("Newest record = %s, want rule_149", history[len(history)-1].RuleType)
	}

	// Lifetime counters see every event, not just the surviving window
	if inv.Stats().TotalInvalidations != 150 {
		t.Errorf("TotalInvalidations = %d, want 150", inv.Stats().TotalInvalidations)
	}
}

func TestInvalidator_ConfigClampsInterval(t *testing.T) {
	inv := NewInvalidator(Config{Enabled: true, ScheduledInterval: -1 * time.Hour}, nil)

	if got := inv.Config().ScheduledInterval; got != DefaultConfig().ScheduledInterval {
		t.Errorf("ScheduledInterval = %v, want default %v", got, DefaultConfig().ScheduledInterval)
	}
}

func TestService_TriggerEvent(t *testing.T) {
	s, target, _ := setupTestService(4)
	ctx := context.Background()

	resp, err := s.TriggerEvent(ctx, &TriggerEventRequest{
		Kind:     string(KindManualClear),
		RuleType: "aws_guardduty",
	})
	if err != nil {
		t.Fatalf("TriggerEvent failed: %v", err)
	}

	if !resp.Success || resp.Kind != string(KindManualClear) {
		t.Errorf("Response = %+v, want successful manual_clear", resp)
	}
	if resp.EntriesInvalidated != 4 {
		t.Errorf("EntriesInvalidated = %d, want 4", resp.EntriesInvalidated)
	}
	if resp.RequestID == "" {
		t.Error("Missing request IDs should be generated")
	}

	if len(target.Calls()) != 1 {
		t.Error("Manual clear with a rule type should purge that rule")
	}
	if s.metrics.EventsTotal.Load() != 1 {
		t.Errorf("EventsTotal = %d, want 1", s.metrics.EventsTotal.Load())
	}
}

func TestService_TriggerEvent_UnknownKind(t *testing.T) {
	s, _, _ := setupTestService(0)

	_, err := s.TriggerEvent(context.Background(), &TriggerEventRequest{Kind: "bogus"})
	if err == nil {
		t.Error("Expected error for unknown event kind")
	}
}

func TestService_RuleChange(t *testing.T) {
	s, target, _ := setupTestService(2)
	ctx := context.Background()

	_, err := s.RuleChange(ctx, &RuleChangeRequest{RuleType: ""})
	if err == nil {
		t.Error("Expected error for empty rule type")
	}

	resp, err := s.RuleChange(ctx, &RuleChangeRequest{RuleType: "okta_auth", RequestID: "req-rc-1"})
	if err != nil {
		t.Fatalf("RuleChange failed: %v", err)
	}

	if resp.RequestID != "req-rc-1" {
		t.Errorf("RequestID = %q, want caller-provided req-rc-1", resp.RequestID)
	}

	calls := target.Calls()
	if len(calls) != 1 || calls[0].ruleType != "okta_auth" {
		t.Errorf("Calls = %v, want okta_auth purge", calls)
	}
}

func TestService_ReportDetection(t *testing.T) {
	s, target, _ := setupTestService(3)
	ctx := context.Background()

	_, err := s.ReportDetection(ctx, &DetectionRequest{RuleType: ""})
	if err == nil {
		t.Error("Expected error for empty rule type")
	}

	_, err = s.ReportDetection(ctx, &DetectionRequest{RuleType: "aws_guardduty", EventCount: -1})
	if err == nil {
		t.Error("Expected error for negative event count")
	}

	resp, err := s.ReportDetection(ctx, &DetectionRequest{
		RuleType:   "aws_guardduty",
		Severity:   "critical",
		EventCount: 25,
	})
	if err != nil {
		t.Fatalf("ReportDetection failed: %v", err)
	}

	// Critical severity adds the escalated age sweep
	if resp.EntriesInvalidated != 6 {
		t.Errorf("EntriesInvalidated = %d, want 6 (two purges at 3 each)", resp.EntriesInvalidated)
	}
	if len(target.Calls()) != 2 {
		t.Errorf("Calls = %d, want 2 for escalated severity", len(target.Calls()))
	}
}

func TestService_ManualClear_Family(t *testing.T) {
	s, target, _ := setupTestService(7)

	resp, err := s.ManualClear(context.Background(), &ManualClearRequest{Pattern: "aws_*"})
	if err != nil {
		t.Fatalf("ManualClear failed: %v", err)
	}

	if resp.EntriesInvalidated != 7 {
		t.Errorf("EntriesInvalidated = %d, want 7", resp.EntriesInvalidated)
	}

	patterns := target.Patterns()
	if len(patterns) != 1 || patterns[0] != "aws_*" {
		t.Errorf("Patterns = %v, want [aws_*]", patterns)
	}
}

func TestService_RunScheduled(t *testing.T) {
	s, _, _ := setupTestService(1)
	ctx := context.Background()

	// A sweep that never ran is due
	resp, err := s.RunScheduled(ctx, &RunScheduledRequest{})
	if err != nil {
		t.Fatalf("RunScheduled failed: %v", err)
	}
	if !resp.Ran {
		t.Error("First sweep should run")
	}

	// Immediately after, the interval has not passed
	resp, err = s.RunScheduled(ctx, &RunScheduledRequest{})
	if err != nil {
		t.Fatalf("RunScheduled failed: %v", err)
	}
	if resp.Ran {
		t.Error("Sweep should be skipped before the interval passes")
	}
	if resp.NextScheduled.IsZero() {
		t.Error("Skipped response should carry the next due time")
	}

	// Force overrides due-ness
	resp, err = s.RunScheduled(ctx, &RunScheduledRequest{Force: true})
	if err != nil {
		t.Fatalf("RunScheduled failed: %v", err)
	}
	if !resp.Ran {
		t.Error("Forced sweep should run")
	}

	if s.metrics.ScheduledRuns.Load() != 2 || s.metrics.ScheduledSkips.Load() != 1 {
		t.Errorf("Runs/skips = %d/%d, want 2/1",
			s.metrics.ScheduledRuns.Load(), s.metrics.ScheduledSkips.Load())
	}
}

func TestService_DisabledInvalidator(t *testing.T) {
	target := NewMockCacheTarget(5)
	s := &Service{
		invalidator: NewInvalidator(Config{Enabled: false, ScheduledInterval: time.Hour}, target),
		auditLogger: NewMockAuditLogger(),
		metrics:     &Metrics{},
	}

	resp, err := s.ManualClear(context.Background(), &ManualClearRequest{})
	if err != nil {
		t.Fatalf("ManualClear failed: %v", err)
	}

	if resp.EntriesInvalidated != 0 {
		t.Errorf("Disabled service removed %d, want 0", resp.EntriesInvalidated)
	}
	if s.metrics.EventsTotal.Load() != 0 {
		t.Error("Disabled service should not count events")
	}
	if target.Clears() != 0 {
		t.Error("Disabled service should not touch the target")
	}
}

func TestService_AuditWrite(t *testing.T) {
	s, _, audit := setupTestService(2)

	resp, err := s.RuleChange(context.Background(), &RuleChangeRequest{
		RuleType:  "aws_guardduty",
		RequestID: "req-audit-1",
	})
	if err != nil {
		t.Fatalf("RuleChange failed: %v", err)
	}

	// The audit row is written asynchronously
	time.Sleep(50 * time.Millisecond)

	logs, err := audit.GetByRequestID(context.Background(), "req-audit-1")
	if err != nil {
		t.Fatalf("GetByRequestID failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("Expected 1 audit row, got %d", len(logs))
	}

	if logs[0].Kind != string(KindRuleUpdate) || logs[0].RuleType != "aws_guardduty" {
		t.Errorf("Audit row = %+v, want rule_update for aws_guardduty", logs[0])
	}
	if logs[0].EntriesInvalidated != resp.EntriesInvalidated {
		t.Error("Audit row should record the removal count")
	}
	if s.metrics.AuditWrites.Load() != 1 {
		t.Errorf("AuditWrites = %d, want 1", s.metrics.AuditWrites.Load())
	}
}

func TestService_GetStats(t *testing.T) {
	s, _, _ := setupTestService(2)
	ctx := context.Background()

	s.RuleChange(ctx, &RuleChangeRequest{RuleType: "aws_guardduty"})
	s.ManualClear(ctx, &ManualClearRequest{})

	time.Sleep(50 * time.Millisecond) // Let audit writes land

	resp, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}

	if resp.Invalidator.TotalInvalidations != 2 {
		t.Errorf("TotalInvalidations = %d, want 2", resp.Invalidator.TotalInvalidations)
	}
	if resp.Service.EventsTotal != 2 {
		t.Errorf("EventsTotal = %d, want 2", resp.Service.EventsTotal)
	}
	if len(resp.History) != 2 {
		t.Errorf("History size = %d, want 2", len(resp.History))
	}
	if resp.Audit == nil || resp.Audit.TotalInvalidations != 2 {
		t.Errorf("Audit summary = %+v, want 2 rows", resp.Audit)
	}
}

func TestService_GetAuditLogs(t *testing.T) {
	s, _, audit := setupTestService(1)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		audit.Insert(ctx, AuditLog{
			Kind:      string(KindRuleUpdate),
			RuleType:  fmt.Sprintf("rule_%d", i),
			Timestamp: time.Now(),
			RequestID: fmt.Sprintf("req-%d", i),
		})
	}

	// Pagination with a full second page
	resp, err := s.GetAuditLogs(ctx, &GetAuditLogsRequest{Limit: 5, Offset: 0})
	if err != nil {
		t.Fatalf("GetAuditLogs failed: %v", err)
	}
	if len(resp.Logs) != 5 || !resp.HasMore {
		t.Errorf("Page 1: %d logs, hasMore=%v, want 5 with more", len(resp.Logs), resp.HasMore)
	}
	if resp.TotalCount != 10 {
		t.Errorf("TotalCount = %d, want 10", resp.TotalCount)
	}

	resp, err = s.GetAuditLogs(ctx, &GetAuditLogsRequest{Limit: 5, Offset: 5})
	if err != nil {
		t.Fatalf("GetAuditLogs failed: %v", err)
	}
	if len(resp.Logs) != 5 || resp.HasMore {
		t.Errorf("Page 2: %d logs, hasMore=%v, want 5 without more", len(resp.Logs), resp.HasMore)
	}

	// Request-ID lookup short-circuits pagination
	resp, err = s.GetAuditLogs(ctx, &GetAuditLogsRequest{RequestID: "req-3"})
	if err != nil {
		t.Fatalf("GetAuditLogs failed: %v", err)
	}
	if len(resp.Logs) != 1 || resp.Logs[0].RuleType != "rule_3" {
		t.Errorf("Trace lookup = %+v, want the req-3 row", resp.Logs)
	}

	// Invalid limits clamp to defaults
	resp, err = s.GetAuditLogs(ctx, &GetAuditLogsRequest{Limit: -1})
	if err != nil {
		t.Fatalf("GetAuditLogs failed: %v", err)
	}
	if len(resp.Logs) != 10 {
		t.Errorf("Clamped default limit returned %d logs, want all 10", len(resp.Logs))
	}
}

func TestService_DirectiveFor(t *testing.T) {
	s, _, _ := setupTestService(0)
	interval := s.invalidator.Config().ScheduledInterval

	tests := []struct {
		name  string
		event Event
		check func(t *testing.T, d *events.InvalidationDirective)
	}{
		{
			name:  "rule update carries the rule type",
			event: Event{Kind: KindRuleUpdate, RuleType: "aws_guardduty"},
			check: func(t *testing.T, d *events.InvalidationDirective) {
				if d == nil || d.RuleType != "aws_guardduty" || d.ClearAll {
					t.Errorf("Directive = %+v, want rule-scoped", d)
				}
			},
		},
		{
			name:  "rule update without a rule type is dropped",
			event: Event{Kind: KindRuleUpdate},
			check: func(t *testing.T, d *events.InvalidationDirective) {
				if d != nil {
					t.Errorf("Directive = %+v, want nil", d)
				}
			},
		},
		{
			name:  "config change clears all",
			event: Event{Kind: KindConfigChange},
			check: func(t *testing.T, d *events.InvalidationDirective) {
				if d == nil || !d.ClearAll {
					t.Errorf("Directive = %+v, want clear-all", d)
				}
			},
		},
		{
			name:  "manual wildcard carries the pattern",
			event: Event{Kind: KindManualClear, Pattern: "aws_*"},
			check: func(t *testing.T, d *events.InvalidationDirective) {
				if d == nil || d.Pattern != "aws_*" {
					t.Errorf("Directive = %+v, want pattern aws_*", d)
				}
			},
		},
		{
			name:  "manual plain pattern becomes a rule type",
			event: Event{Kind: KindManualClear, Pattern: "okta_auth"},
			check: func(t *testing.T, d *events.InvalidationDirective) {
				if d == nil || d.RuleType != "okta_auth" || d.Pattern != "" {
					t.Errorf("Directive = %+v, want rule okta_auth", d)
				}
			},
		},
		{
			name:  "manual with no filters clears all",
			event: Event{Kind: KindManualClear},
			check: func(t *testing.T, d *events.InvalidationDirective) {
				if d == nil || !d.ClearAll {
					t.Errorf("Directive = %+v, want clear-all", d)
				}
			},
		},
		{
			name:  "scheduled carries the age cutoff",
			event: Event{Kind: KindScheduled},
			check: func(t *testing.T, d *events.InvalidationDirective) {
				if d == nil || d.OlderThan == nil {
					t.Fatalf("Directive = %+v, want age cutoff", d)
				}
				want := time.Now().Add(-interval)
				if d.OlderThan.Before(want.Add(-time.Minute)) || d.OlderThan.After(want.Add(time.Minute)) {
					t.Errorf("OlderThan = %v, want around %v", d.OlderThan, want)
				}
			},
		},
		{
			name:  "escalated detection adds the age cutoff",
			event: Event{Kind: KindDetectionFound, RuleType: "aws_guardduty", Severity: models.SeverityHigh},
			check: func(t *testing.T, d *events.InvalidationDirective) {
				if d == nil || d.RuleType != "aws_guardduty" || d.OlderThan == nil {
					t.Errorf("Directive = %+v, want rule + age cutoff", d)
				}
			},
		},
		{
			name:  "low detection is rule-only",
			event: Event{Kind: KindDetectionFound, RuleType: "okta_auth", Severity: models.SeverityLow},
			check: func(t *testing.T, d *events.InvalidationDirective) {
				if d == nil || d.RuleType != "okta_auth" || d.OlderThan != nil {
					t.Errorf("Directive = %+v, want rule-only", d)
				}
			},
		},
		{
			name:  "unknown kind is dropped",
			event: Event{Kind: "bogus"},
			check: func(t *testing.T, d *events.InvalidationDirective) {
				if d != nil {
					t.Errorf("Directive = %+v, want nil", d)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := s.directiveFor(tt.event, "req-1")
			if d != nil {
				if d.Version != events.EventVersion1 || d.RequestID != "req-1" {
					t.Errorf("Directive envelope = %+v, want versioned with request ID", d)
				}
				if err := d.Validate(); err != nil {
					t.Errorf("Published directives must validate: %v", err)
				}
			}
			tt.check(t, d)
		})
	}
}

func TestHandleDetectionEvent(t *testing.T) {
	// The subscription handler operates on the package-level service
	detectionsBefore := svc.metrics.DetectionEvents.Load()
	eventsBefore := svc.metrics.EventsTotal.Load()

	event := &events.DetectionEvent{
		Version:    events.EventVersion1,
		Service:    "scanner",
		RuleType:   "aws_guardduty",
		Severity:   models.SeverityMedium,
		EventCount: 4,
		DetectedAt: time.Now(),
		RequestID:  fmt.Sprintf("det-test-%d", time.Now().UnixNano()),
	}

	if err := HandleDetectionEvent(context.Background(), event); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got := svc.metrics.DetectionEvents.Load(); got != detectionsBefore+1 {
		t.Errorf("DetectionEvents = %d, want %d", got, detectionsBefore+1)
	}
	if got := svc.metrics.EventsTotal.Load(); got != eventsBefore+1 {
		t.Errorf("EventsTotal = %d, want %d", got, eventsBefore+1)
	}
}

func TestHandleDetectionEvent_Malformed(t *testing.T) {
	detectionsBefore := svc.metrics.DetectionEvents.Load()
	errorsBefore := svc.metrics.Errors.Load()

	// Missing rule type fails validation; the handler drops the event
	bad := &events.DetectionEvent{
		Version:    events.EventVersion1,
		Service:    "scanner",
		DetectedAt: time.Now(),
	}

	if err := HandleDetectionEvent(context.Background(), bad); err != nil {
		t.Fatalf("Malformed events should be dropped, not returned: %v", err)
	}

	if got := svc.metrics.DetectionEvents.Load(); got != detectionsBefore {
		t.Error("Malformed event should not count as a detection")
	}
	if got := svc.metrics.Errors.Load(); got != errorsBefore+1 {
		t.Errorf("Errors = %d, want %d", got, errorsBefore+1)
	}
}

func TestConcurrentInvalidations(t *testing.T) {
	s, _, _ := setupTestService(1)
	ctx := context.Background()

	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.RuleChange(ctx, &RuleChangeRequest{
				RuleType: fmt.Sprintf("rule_%d", i),
			})
		}(i)
	}

	wg.Wait()

	if got := s.metrics.EventsTotal.Load(); got != int64(concurrency) {
		t.Errorf("EventsTotal = %d, want %d", got, concurrency)
	}

	stats := s.invalidator.Stats()
	if stats.TotalInvalidations != int64(concurrency) {
		t.Errorf("TotalInvalidations = %d, want %d", stats.TotalInvalidations, concurrency)
	}
	if stats.HistorySize != maxHistoryRecords {
		t.Errorf("HistorySize = %d, want capped at %d", stats.HistorySize, maxHistoryRecords)
	}
}

func BenchmarkInvalidator_RuleUpdate(b *testing.B) {
	inv := NewInvalidator(DefaultConfig(), NewMockCacheTarget(0))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		inv.OnRuleChange("aws_guardduty")
	}
}

func BenchmarkService_TriggerEvent(b *testing.B) {
	s, _, _ := setupTestService(0)
	ctx := context.Background()
	req := &TriggerEventRequest{Kind: string(KindRuleUpdate), RuleType: "aws_guardduty"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.TriggerEvent(ctx, req)
	}
}
