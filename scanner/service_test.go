package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"encore.app/pkg/models"
)

// MockScanExecutor implements QueryExecutor with configurable results,
// latency, and failures.
type MockScanExecutor struct {
	mu         sync.Mutex
	result     interface{}
	eventCount int
	err        error
	delay      time.Duration
	calls      int
	lastQuery  string
	lastWindow models.ScanWindow
}

func NewMockScanExecutor() *MockScanExecutor {
	return &MockScanExecutor{result: "scan results"}
}

func (m *MockScanExecutor) ExecuteQuery(ctx context.Context, query string, window models.ScanWindow) (interface{}, int, error) {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastQuery = query
	m.lastWindow = window
	return m.result, m.eventCount, m.err
}

func (m *MockScanExecutor) SetResult(result interface{}, eventCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
	m.eventCount = eventCount
}

func (m *MockScanExecutor) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockScanExecutor) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *MockScanExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockScanExecutor) LastQuery() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuery
}

func (m *MockScanExecutor) LastWindow() models.ScanWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastWindow
}

// MockScanCache implements CacheClient over a plain map keyed the same way
// scans look results up.
type MockScanCache struct {
	mu      sync.Mutex
	entries map[string]interface{}
	puts    int
	lastPut *cachePutRecord
}

type cachePutRecord struct {
	query    string
	start    time.Time
	end      time.Time
	ruleType string
	ttl      time.Duration
}

func NewMockScanCache() *MockScanCache {
	return &MockScanCache{entries: make(map[string]interface{})}
}

func scanCacheKey(query string, start, end time.Time, ruleType string) string {
	return fmt.Sprintf("%s|%d|%d|%s", query, start.Unix(), end.Unix(), ruleType)
}

func (m *MockScanCache) Get(query string, start, end time.Time, ruleType string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.entries[scanCacheKey(query, start, end, ruleType)]
	return val, ok
}

func (m *MockScanCache) Put(query string, result interface{}, start, end time.Time, ruleType string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[scanCacheKey(query, start, end, ruleType)] = result
	m.puts++
	m.lastPut = &cachePutRecord{query: query, start: start, end: end, ruleType: ruleType, ttl: ttl}
}

// Prime stores a canned result under the exact lookup key a scan will use.
func (m *MockScanCache) Prime(query string, start, end time.Time, ruleType string, result interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[scanCacheKey(query, start, end, ruleType)] = result
}

func (m *MockScanCache) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *MockScanCache) LastPut() *cachePutRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPut
}

// setupScanServiceWithConfig builds a service wired to mocks, bypassing the
// package global.
func setupScanServiceWithConfig(config Config) (*Service, *MockScanExecutor, *MockScanCache) {
	s := &Service{
		config:  config,
		manager: NewOverlapManager(DefaultManagerConfig()),
		tracker: NewHealthTracker(),
		planners: map[string]Planner{
			"lag":        NewLagFirstPlanner(),
			"gap":        NewGapFirstPlanner(),
			"roundrobin": NewRoundRobinPlanner(),
		},
		sources:     make(map[string]*LogSource),
		metrics:     &Metrics{},
		rateLimiter: rate.NewLimiter(rate.Limit(config.MaxQueryRPS), config.MaxQueryRPS),
	}
	s.workerPool = NewWorkerPool(s, config.ConcurrentScanners)

	executor := NewMockScanExecutor()
	cache := NewMockScanCache()
	s.SetQueryExecutor(executor)
	s.SetCacheClient(cache)

	return s, executor, cache
}

func setupScanService() (*Service, *MockScanExecutor, *MockScanCache) {
	config := DefaultConfig()
	config.BackoffBase = time.Millisecond
	return setupScanServiceWithConfig(config)
}

// waitFor polls until the condition holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func registerTestSource(t *testing.T, s *Service, name, ruleType string) {
	t.Helper()
	_, err := s.RegisterSource(context.Background(), &RegisterSourceRequest{
		Name:     name,
		Query:    fmt.Sprintf("SELECT * FROM %s_events", name),
		RuleType: ruleType,
	})
	if err != nil {
		t.Fatalf("RegisterSource failed: %v", err)
	}
}

func TestCalculateWindowEndpoint(t *testing.T) {
	s, _, _ := setupScanService()
	defer s.Shutdown()
	ctx := context.Background()

	if _, err := s.CalculateWindow(ctx, &CalculateWindowRequest{LastScanTime: baseTime()}); err == nil {
		t.Error("Expected error for empty log type")
	}
	if _, err := s.CalculateWindow(ctx, &CalculateWindowRequest{LogType: "cloudtrail"}); err == nil {
		t.Error("Expected error for zero last scan time")
	}

	last := baseTime()
	now := last.Add(5 * time.Minute)
	resp, err := s.CalculateWindow(ctx, &CalculateWindowRequest{
		LogType:      "cloudtrail",
		LastScanTime: last,
		CurrentTime:  now,
	})
	if err != nil {
		t.Fatalf("CalculateWindow failed: %v", err)
	}

	if resp.Window.OverlapSeconds != 60 {
		t.Errorf("Overlap = %d, want default 60", resp.Window.OverlapSeconds)
	}
	if !resp.EffectiveStart.Equal(last.Add(-60 * time.Second)) {
		t.Errorf("EffectiveStart = %v, want %v", resp.EffectiveStart, last.Add(-60*time.Second))
	}
	if !resp.EffectiveEnd.Equal(now) {
		t.Errorf("EffectiveEnd = %v, want %v", resp.EffectiveEnd, now)
	}
}

func TestDetectGapsEndpoint(t *testing.T) {
	s, _, _ := setupScanService()
	defer s.Shutdown()
	ctx := context.Background()

	window := models.NewScanWindow(baseTime(), baseTime().Add(5*time.Minute), 60)

	if _, err := s.DetectGaps(ctx, &DetectGapsRequest{Window: window}); err == nil {
		t.Error("Expected error for empty log type")
	}

	bad := models.ScanWindow{Start: baseTime(), End: baseTime().Add(-time.Hour)}
	if _, err := s.DetectGaps(ctx, &DetectGapsRequest{LogType: "cloudtrail", Window: bad}); err == nil {
		t.Error("Expected error for inverted window")
	}

	// No history: the whole effective range is unverified
	resp, err := s.DetectGaps(ctx, &DetectGapsRequest{LogType: "cloudtrail", Window: window})
	if err != nil {
		t.Fatalf("DetectGaps failed: %v", err)
	}
	if !resp.GapDetected || resp.Gap == nil {
		t.Fatal("Expected a gap for the first-ever window")
	}
	if !resp.Gap.Start.Equal(window.EffectiveStart()) {
		t.Errorf("Gap start = %v, want %v", resp.Gap.Start, window.EffectiveStart())
	}

	// Record the window, then an adjacent proposal has no gap
	s.manager.CalculateScanWindow("cloudtrail", window.Start, window.End, &window.OverlapSeconds)
	next := models.NewScanWindow(window.End, window.End.Add(5*time.Minute), 60)
	resp, err = s.DetectGaps(ctx, &DetectGapsRequest{LogType: "cloudtrail", Window: next})
	if err != nil {
		t.Fatalf("DetectGaps failed: %v", err)
	}
	if resp.GapDetected {
		t.Errorf("Adjacent window reported gap %+v", resp.Gap)
	}
}

func TestAdaptiveOverlapEndpoint(t *testing.T) {
	s, _, _ := setupScanService()
	defer s.Shutdown()
	ctx := context.Background()

	if _, err := s.AdaptiveOverlap(ctx, &AdaptiveOverlapRequest{}); err == nil {
		t.Error("Expected error for empty log type")
	}

	resp, err := s.AdaptiveOverlap(ctx, &AdaptiveOverlapRequest{
		LogType:                "cloudtrail",
		ProcessingDelaySeconds: 60,
	})
	if err != nil {
		t.Fatalf("AdaptiveOverlap failed: %v", err)
	}
	if resp.OverlapSeconds != 120 {
		t.Errorf("Overlap = %d, want 120 for a 60s delay", resp.OverlapSeconds)
	}

	// Observed mode pulls conditions from the health tracker
	for i := 0; i < 3; i++ {
		s.tracker.RecordScan("cloudtrail", 60*time.Second, true)
	}
	resp, err = s.AdaptiveOverlap(ctx, &AdaptiveOverlapRequest{
		LogType:     "cloudtrail",
		UseObserved: true,
	})
	if err != nil {
		t.Fatalf("AdaptiveOverlap failed: %v", err)
	}
	if resp.DelaySeconds != 60 {
		t.Errorf("Observed delay = %.1f, want 60", resp.DelaySeconds)
	}
	if resp.OverlapSeconds != 120 {
		t.Errorf("Observed overlap = %d, want 120", resp.OverlapSeconds)
	}
}

func TestRegisterSource(t *testing.T) {
	s, _, _ := setupScanService()
	defer s.Shutdown()
	ctx := context.Background()

	if _, err := s.RegisterSource(ctx, &RegisterSourceRequest{Query: "q"}); err == nil {
		t.Error("Expected error for empty name")
	}
	if _, err := s.RegisterSource(ctx, &RegisterSourceRequest{Name: "cloudtrail"}); err == nil {
		t.Error("Expected error for empty query")
	}

	resp, err := s.RegisterSource(ctx, &RegisterSourceRequest{
		Name:     "cloudtrail",
		Query:    "SELECT * FROM cloudtrail_events",
		RuleType: "aws_cloudtrail",
	})
	if err != nil {
		t.Fatalf("RegisterSource failed: %v", err)
	}

	if !resp.Success || resp.Total != 1 {
		t.Errorf("Response = %+v, want success with 1 source", resp)
	}
	if resp.Source.Interval != DefaultConfig().DefaultInterval {
		t.Errorf("Interval = %v, want default %v", resp.Source.Interval, DefaultConfig().DefaultInterval)
	}

	// Re-registration updates the definition but keeps scan state
	s.markSourceScanned("cloudtrail", "success")
	resp, err = s.RegisterSource(ctx, &RegisterSourceRequest{
		Name:     "cloudtrail",
		Query:    "SELECT * FROM cloudtrail_events_v2",
		Interval: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Re-registration failed: %v", err)
	}

	if resp.Total != 1 {
		t.Errorf("Total = %d, want 1 after re-registration", resp.Total)
	}
	if resp.Source.Query != "SELECT * FROM cloudtrail_events_v2" {
		t.Errorf("Query not updated: %s", resp.Source.Query)
	}
	if resp.Source.LastScan.IsZero() || resp.Source.LastStatus != "success" {
		t.Error("Re-registration should keep the previous scan state")
	}
}

func TestTriggerScan_SingleSource(t *testing.T) {
	s, executor, _ := setupScanService()
	defer s.Shutdown()
	ctx := context.Background()

	registerTestSource(t, s, "cloudtrail", "aws_cloudtrail")

	resp, err := s.TriggerScan(ctx, &TriggerScanRequest{LogType: "cloudtrail"})
	if err != nil {
		t.Fatalf("TriggerScan failed: %v", err)
	}

	if !resp.Success || resp.Queued != 1 {
		t.Errorf("Response = %+v, want 1 queued task", resp)
	}
	if !strings.HasPrefix(resp.JobID, "scan-") {
		t.Errorf("JobID = %s, want scan- prefix", resp.JobID)
	}

	waitFor(t, 2*time.Second, func() bool { return executor.CallCount() == 1 },
		"Queued scan never reached the executor")

	if executor.LastQuery() != "SELECT * FROM cloudtrail_events" {
		t.Errorf("Executor ran %q, want the registered source query", executor.LastQuery())
	}
	if len(s.manager.History("cloudtrail")) != 1 {
		t.Error("Executed scan should record its window")
	}
}

func TestTriggerScan_ExplicitWindow(t *testing.T) {
	s, executor, _ := setupScanService()
	defer s.Shutdown()
	ctx := context.Background()

	registerTestSource(t, s, "firewall", "fw_deny")

	start := baseTime()
	end := start.Add(time.Hour)

	badStart := end.Add(time.Hour)
	if _, err := s.TriggerScan(ctx, &TriggerScanRequest{LogType: "firewall", Start: &badStart, End: &end}); err == nil {
		t.Error("Expected error for inverted explicit window")
	}

	_, err := s.TriggerScan(ctx, &TriggerScanRequest{LogType: "firewall", Start: &start, End: &end})
	if err != nil {
		t.Fatalf("TriggerScan failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return executor.CallCount() == 1 },
		"Explicit-window scan never reached the executor")

	window := executor.LastWindow()
	if !window.Start.Equal(start) || !window.End.Equal(end) {
		t.Errorf("Executed window = [%v, %v], want [%v, %v]", window.Start, window.End, start, end)
	}
	if window.OverlapSeconds != 0 {
		t.Errorf("Explicit window overlap = %d, want 0 without force", window.OverlapSeconds)
	}
}

func TestTriggerScan_Sweep(t *testing.T) {
	s, executor, _ := setupScanService()
	defer s.Shutdown()
	ctx := context.Background()

	// Never-scanned sources are immediately due
	registerTestSource(t, s, "cloudtrail", "aws_cloudtrail")
	registerTestSource(t, s, "firewall", "fw_deny")

	if _, err := s.TriggerScan(ctx, &TriggerScanRequest{Planner: "bogus"}); err == nil {
		t.Error("Expected error for unknown planner")
	}

	resp, err := s.TriggerScan(ctx, &TriggerScanRequest{})
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if resp.Queued != 2 {
		t.Errorf("Queued = %d, want 2 due sources", resp.Queued)
	}
	if resp.Planner != "lag" {
		t.Errorf("Planner = %s, want default lag", resp.Planner)
	}

	waitFor(t, 2*time.Second, func() bool { return executor.CallCount() == 2 },
		"Sweep tasks never reached the executor")

	// Planner override is honored
	resp, err = s.TriggerScan(ctx, &TriggerScanRequest{Planner: "roundrobin"})
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if resp.Planner != "roundrobin" {
		t.Errorf("Planner = %s, want roundrobin", resp.Planner)
	}
}

func TestTriggerScan_EmergencyStop(t *testing.T) {
	s, _, _ := setupScanService()
	defer s.Shutdown()

	s.emergencyStop.Store(true)

	if _, err := s.TriggerScan(context.Background(), &TriggerScanRequest{LogType: "cloudtrail"}); err == nil {
		t.Error("Expected error while emergency stop is active")
	}
}

func TestExecuteScanTask_AutoWindowChaining(t *testing.T) {
	s, executor, _ := setupScanService()
	defer s.Shutdown()
	ctx := context.Background()

	task := ScanTask{LogType: "cloudtrail", Query: "SELECT 1", RuleType: "aws_cloudtrail"}

	if err := s.ExecuteScanTask(ctx, task); err != nil {
		t.Fatalf("First scan failed: %v", err)
	}

	history := s.manager.History("cloudtrail")
	if len(history) != 1 {
		t.Fatalf("History size = %d, want 1", len(history))
	}
	// First-ever scan reaches back one default interval
	if got := history[0].Duration(); got < 4*time.Minute || got > 6*time.Minute {
		t.Errorf("First window duration = %v, want about the default interval", got)
	}
	if history[0].OverlapSeconds != 60 {
		t.Errorf("Overlap = %d, want base 60", history[0].OverlapSeconds)
	}

	if err := s.ExecuteScanTask(ctx, task); err != nil {
		t.Fatalf("Second scan failed: %v", err)
	}

	history = s.manager.History("cloudtrail")
	if len(history) != 2 {
		t.Fatalf("History size = %d, want 2", len(history))
	}
	// The next window chains from the previous end, no hole between them
	if !history[1].Start.Equal(history[0].End) {
		t.Errorf("Second window starts %v, want previous end %v", history[1].Start, history[0].End)
	}

	if executor.CallCount() != 2 {
		t.Errorf("Executor calls = %d, want 2", executor.CallCount())
	}
	if got := s.metrics.SuccessTotal.Load(); got != 2 {
		t.Errorf("SuccessTotal = %d, want 2", got)
	}
	if got := s.metrics.QueryExecutions.Load(); got != 2 {
		t.Errorf("QueryExecutions = %d, want 2", got)
	}
	if got := s.metrics.GapsDetected.Load(); got != 0 {
		t.Errorf("GapsDetected = %d, want 0 for chained windows", got)
	}
}

func TestExecuteScanTask_CacheHit(t *testing.T) {
	s, executor, cache := setupScanService()
	defer s.Shutdown()

	window := models.NewScanWindow(baseTime(), baseTime().Add(time.Hour), 0)
	cache.Prime("SELECT 1", window.EffectiveStart(), window.End, "aws_cloudtrail", "cached result")

	task := ScanTask{
		LogType:  "cloudtrail",
		Query:    "SELECT 1",
		RuleType: "aws_cloudtrail",
		Window:   window,
	}
	if err := s.ExecuteScanTask(context.Background(), task); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if executor.CallCount() != 0 {
		t.Errorf("Executor called %d times on a cache hit, want 0", executor.CallCount())
	}
	if got := s.metrics.CacheHits.Load(); got != 1 {
		t.Errorf("CacheHits = %d, want 1", got)
	}
	if got := s.metrics.SuccessTotal.Load(); got != 1 {
		t.Errorf("SuccessTotal = %d, want 1", got)
	}
}

func TestExecuteScanTask_CacheMissPopulates(t *testing.T) {
	s, executor, cache := setupScanService()
	defer s.Shutdown()

	executor.SetResult("fresh results", 17)

	window := models.NewScanWindow(baseTime(), baseTime().Add(time.Hour), 120)
	task := ScanTask{
		LogType:  "cloudtrail",
		Query:    "SELECT 1",
		RuleType: "aws_cloudtrail",
		Window:   window,
	}
	if err := s.ExecuteScanTask(context.Background(), task); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if executor.CallCount() != 1 {
		t.Fatalf("Executor calls = %d, want 1", executor.CallCount())
	}
	if cache.Puts() != 1 {
		t.Fatalf("Cache puts = %d, want 1", cache.Puts())
	}

	put := cache.LastPut()
	if put.query != "SELECT 1" || put.ruleType != "aws_cloudtrail" {
		t.Errorf("Put = %+v, want the scanned query and rule type", put)
	}
	// The cached range is the effective range actually scanned
	if !put.start.Equal(window.EffectiveStart()) || !put.end.Equal(window.End) {
		t.Errorf("Put range = [%v, %v], want [%v, %v]",
			put.start, put.end, window.EffectiveStart(), window.End)
	}
	if put.ttl != 0 {
		t.Errorf("Put ttl = %v, want 0 (cache default)", put.ttl)
	}
}

func TestExecuteScanTask_ExecutorError(t *testing.T) {
	s, executor, _ := setupScanService()
	defer s.Shutdown()
	ctx := context.Background()

	registerTestSource(t, s, "cloudtrail", "aws_cloudtrail")
	executor.SetError(errors.New("backend down"))

	task := ScanTask{
		LogType: "cloudtrail",
		Query:   "SELECT 1",
		Window:  models.NewScanWindow(baseTime(), baseTime().Add(time.Hour), 0),
	}

	err := s.ExecuteScanTask(ctx, task)
	if err == nil {
		t.Fatal("Expected error from failing backend")
	}
	if !strings.Contains(err.Error(), "query execution failed") {
		t.Errorf("Error = %v, want query execution failure", err)
	}

	if got := s.metrics.FailureTotal.Load(); got != 1 {
		t.Errorf("FailureTotal = %d, want 1", got)
	}
	if errRate := s.tracker.ErrorRate("cloudtrail"); errRate != 1.0 {
		t.Errorf("Tracked error rate = %.2f, want 1.0", errRate)
	}

	sources := s.snapshotSources()
	if len(sources) != 1 || sources[0].LastStatus != "failed" {
		t.Errorf("Source status = %+v, want failed", sources)
	}
}

func TestExecuteScanTask_NoExecutorSkips(t *testing.T) {
	s, _, _ := setupScanService()
	defer s.Shutdown()

	s.SetQueryExecutor(nil)
	s.SetCacheClient(nil)

	task := ScanTask{
		LogType: "cloudtrail",
		Query:   "SELECT 1",
		Window:  models.NewScanWindow(baseTime(), baseTime().Add(time.Hour), 0),
	}
	if err := s.ExecuteScanTask(context.Background(), task); err != nil {
		t.Fatalf("Scan without a backend should not fail: %v", err)
	}

	if got := s.metrics.SkippedTotal.Load(); got != 1 {
		t.Errorf("SkippedTotal = %d, want 1", got)
	}
	if got := s.metrics.SuccessTotal.Load(); got != 0 {
		t.Errorf("SuccessTotal = %d, want 0", got)
	}
	if got := s.metrics.QueryExecutions.Load(); got != 0 {
		t.Errorf("QueryExecutions = %d, want 0", got)
	}
}

func TestExecuteScanTask_EmergencyBrake(t *testing.T) {
	config := DefaultConfig()
	config.BackoffBase = time.Millisecond
	config.EmergencyThreshold = 20 * time.Millisecond
	s, executor, _ := setupScanServiceWithConfig(config)
	defer s.Shutdown()
	ctx := context.Background()

	executor.SetDelay(60 * time.Millisecond)

	task := ScanTask{
		LogType: "cloudtrail",
		Query:   "SELECT 1",
		Window:  models.NewScanWindow(baseTime(), baseTime().Add(time.Hour), 0),
	}
	if err := s.ExecuteScanTask(ctx, task); err != nil {
		t.Fatalf("Slow scan itself should succeed: %v", err)
	}

	if !s.emergencyStop.Load() {
		t.Fatal("Pathological query latency should trip the emergency stop")
	}
	if got := s.metrics.EmergencyStops.Load(); got != 1 {
		t.Errorf("EmergencyStops = %d, want 1", got)
	}

	// Everything stops until an operator resets
	if err := s.ExecuteScanTask(ctx, task); err == nil {
		t.Error("Expected error while stopped")
	}
	if _, err := s.TriggerScan(ctx, &TriggerScanRequest{LogType: "cloudtrail"}); err == nil {
		t.Error("Expected trigger rejection while stopped")
	}

	reset := true
	if _, err := s.UpdateConfig(ctx, &UpdateConfigRequest{ResetEmergencyStop: &reset}); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if s.emergencyStop.Load() {
		t.Error("Reset should clear the emergency stop")
	}
}

func TestExecuteScanTask_DedupesConcurrent(t *testing.T) {
	s, executor, _ := setupScanService()
	defer s.Shutdown()

	executor.SetDelay(100 * time.Millisecond)

	window := models.NewScanWindow(baseTime(), baseTime().Add(time.Hour), 0)
	task := ScanTask{LogType: "cloudtrail", Query: "SELECT 1", Window: window}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.ExecuteScanTask(context.Background(), task)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Scan %d failed: %v", i, err)
		}
	}

	// All five callers share one backend execution
	if executor.CallCount() != 1 {
		t.Errorf("Executor calls = %d, want 1 (deduplicated)", executor.CallCount())
	}
	if got := s.metrics.ScansTotal.Load(); got != 5 {
		t.Errorf("ScansTotal = %d, want 5", got)
	}
	if got := s.metrics.SuccessTotal.Load(); got != 5 {
		t.Errorf("SuccessTotal = %d, want 5", got)
	}
}

func TestExecuteScanTask_WidenedOverlap(t *testing.T) {
	s, _, _ := setupScanService()
	defer s.Shutdown()

	// A consistently slow pipeline widens the next window's overlap
	for i := 0; i < 3; i++ {
		s.tracker.RecordScan("cloudtrail", 120*time.Second, true)
	}

	task := ScanTask{LogType: "cloudtrail", Query: "SELECT 1"}
	if err := s.ExecuteScanTask(context.Background(), task); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if got := s.metrics.WindowsWidened.Load(); got != 1 {
		t.Errorf("WindowsWidened = %d, want 1", got)
	}

	history := s.manager.History("cloudtrail")
	if len(history) != 1 {
		t.Fatalf("History size = %d, want 1", len(history))
	}
	if history[0].OverlapSeconds != 120 {
		t.Errorf("Widened overlap = %d, want 120 (doubled base)", history[0].OverlapSeconds)
	}
}

func TestReportDetection(t *testing.T) {
	s, _, _ := setupScanService()
	defer s.Shutdown()
	ctx := context.Background()

	if _, err := s.ReportDetection(ctx, &ReportDetectionRequest{}); err == nil {
		t.Error("Expected error for empty rule type")
	}
	if _, err := s.ReportDetection(ctx, &ReportDetectionRequest{RuleType: "aws_cloudtrail", EventCount: -1}); err == nil {
		t.Error("Expected error for negative event count")
	}

	resp, err := s.ReportDetection(ctx, &ReportDetectionRequest{
		RuleType:   "aws_cloudtrail",
		Severity:   " HIGH ",
		EventCount: 12,
	})
	if err != nil {
		t.Fatalf("ReportDetection failed: %v", err)
	}

	if !resp.Published {
		t.Error("Expected the finding to be published")
	}
	if resp.Severity != models.SeverityHigh {
		t.Errorf("Severity = %s, want high (normalized)", resp.Severity)
	}
	if !strings.HasPrefix(resp.RequestID, "det-") {
		t.Errorf("RequestID = %s, want det- prefix", resp.RequestID)
	}
	if got := s.metrics.Detections.Load(); got != 1 {
		t.Errorf("Detections = %d, want 1", got)
	}
}

func TestGetStatus(t *testing.T) {
	s, _, _ := setupScanService()
	defer s.Shutdown()
	ctx := context.Background()

	registerTestSource(t, s, "cloudtrail", "aws_cloudtrail")

	for i := 0; i < 2; i++ {
		start := baseTime().Add(time.Duration(i) * time.Hour)
		task := ScanTask{
			LogType: "cloudtrail",
			Query:   "SELECT 1",
			Window:  models.NewScanWindow(start, start.Add(time.Hour), 0),
		}
		if err := s.ExecuteScanTask(ctx, task); err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
	}

	resp, err := s.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}

	if resp.Metrics.ScansTotal != 2 || resp.Metrics.SuccessTotal != 2 {
		t.Errorf("Scans = %d/%d, want 2/2", resp.Metrics.ScansTotal, resp.Metrics.SuccessTotal)
	}
	if resp.Metrics.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %.2f, want 1.0", resp.Metrics.SuccessRate)
	}
	if resp.ActiveScanners != 0 {
		t.Errorf("ActiveScanners = %d, want 0 with an idle pool", resp.ActiveScanners)
	}
	if len(resp.WorkerStatus) != DefaultConfig().ConcurrentScanners {
		t.Errorf("Worker count = %d, want %d", len(resp.WorkerStatus), DefaultConfig().ConcurrentScanners)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Name != "cloudtrail" {
		t.Errorf("Sources = %+v, want the registered source", resp.Sources)
	}
	if len(resp.Health) != 1 || resp.Health[0].TotalScans != 2 {
		t.Errorf("Health = %+v, want 2 tracked scans", resp.Health)
	}
	if resp.EmergencyStop {
		t.Error("EmergencyStop should be clear")
	}
}

func TestUpdateConfig(t *testing.T) {
	s, _, _ := setupScanService()
	defer s.Shutdown()
	ctx := context.Background()

	resp, err := s.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if resp.Config.DefaultPlanner != "lag" {
		t.Errorf("DefaultPlanner = %s, want lag", resp.Config.DefaultPlanner)
	}

	if _, err := s.UpdateConfig(ctx, &UpdateConfigRequest{DefaultPlanner: "bogus"}); err == nil {
		t.Error("Expected error for unknown planner")
	}

	rps := 10
	limit := 5
	timeout := 5 * time.Second
	updated, err := s.UpdateConfig(ctx, &UpdateConfigRequest{
		MaxQueryRPS:    &rps,
		SweepLimit:     &limit,
		QueryTimeout:   &timeout,
		DefaultPlanner: "gap",
	})
	if err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}

	if updated.Config.MaxQueryRPS != 10 || updated.Config.SweepLimit != 5 {
		t.Errorf("Config = %+v, want updated RPS and sweep limit", updated.Config)
	}
	if updated.Config.QueryTimeout != 5*time.Second {
		t.Errorf("QueryTimeout = %v, want 5s", updated.Config.QueryTimeout)
	}
	if updated.Config.DefaultPlanner != "gap" {
		t.Errorf("DefaultPlanner = %s, want gap", updated.Config.DefaultPlanner)
	}

	resp, err = s.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if resp.Config.MaxQueryRPS != 10 {
		t.Errorf("GetConfig MaxQueryRPS = %d, want the updated 10", resp.Config.MaxQueryRPS)
	}
}

func TestWorkerPool_ExecutesQueued(t *testing.T) {
	s, executor, _ := setupScanService()
	defer s.Shutdown()

	tasks := make([]ScanTask, 3)
	for i := range tasks {
		start := baseTime().Add(time.Duration(i) * time.Hour)
		tasks[i] = ScanTask{
			LogType: "cloudtrail",
			Query:   "SELECT 1",
			Window:  models.NewScanWindow(start, start.Add(time.Hour), 0),
		}
	}

	if queued := s.workerPool.QueueTasks(tasks); queued != 3 {
		t.Fatalf("Queued = %d, want 3", queued)
	}

	waitFor(t, 2*time.Second, func() bool { return executor.CallCount() == 3 },
		"Queued tasks never finished")

	waitFor(t, time.Second, func() bool { return s.workerPool.ActiveCount() == 0 },
		"Workers never went idle")

	if size := s.workerPool.QueueSize(); size != 0 {
		t.Errorf("QueueSize = %d, want 0", size)
	}
}

func TestWorkerPool_RetriesFailedTask(t *testing.T) {
	config := DefaultConfig()
	config.RetryAttempts = 1
	config.BackoffBase = time.Millisecond
	s, executor, _ := setupScanServiceWithConfig(config)
	defer s.Shutdown()

	executor.SetError(errors.New("backend down"))

	task := ScanTask{
		LogType: "cloudtrail",
		Query:   "SELECT 1",
		Window:  models.NewScanWindow(baseTime(), baseTime().Add(time.Hour), 0),
	}
	s.workerPool.QueueTasks([]ScanTask{task})

	// Initial attempt plus one retry
	waitFor(t, 2*time.Second, func() bool { return executor.CallCount() == 2 },
		"Failed task was not retried")

	waitFor(t, time.Second, func() bool { return s.metrics.FailureTotal.Load() == 2 },
		"Failures not counted for both attempts")
}

func TestContinuityAudit(t *testing.T) {
	// The audit runs against the package-level service
	logType := fmt.Sprintf("audit_probe_%d", time.Now().UnixNano())
	ctx := context.Background()

	if _, err := svc.RegisterSource(ctx, &RegisterSourceRequest{
		Name:  logType,
		Query: "SELECT * FROM audit_probe_events",
	}); err != nil {
		t.Fatalf("RegisterSource failed: %v", err)
	}

	// Two windows with an hour-wide hole between them
	zero := 0
	t0 := baseTime()
	svc.manager.CalculateScanWindow(logType, t0, t0.Add(5*time.Minute), &zero)
	svc.manager.CalculateScanWindow(logType, t0.Add(65*time.Minute), t0.Add(70*time.Minute), &zero)

	gapsBefore := svc.metrics.GapsDetected.Load()
	queuedBefore := svc.metrics.GapTasksQueued.Load()

	if err := ContinuityAudit(ctx); err != nil {
		t.Fatalf("ContinuityAudit failed: %v", err)
	}

	if got := svc.metrics.GapsDetected.Load(); got != gapsBefore+1 {
		t.Errorf("GapsDetected = %d, want %d", got, gapsBefore+1)
	}
	if got := svc.metrics.GapTasksQueued.Load(); got != queuedBefore+1 {
		t.Errorf("GapTasksQueued = %d, want %d", got, queuedBefore+1)
	}
}

func TestContinuousScanSweep(t *testing.T) {
	if err := ContinuousScanSweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	// An active emergency stop short-circuits the sweep
	svc.emergencyStop.Store(true)
	defer svc.emergencyStop.Store(false)

	if err := ContinuousScanSweep(context.Background()); err != nil {
		t.Fatalf("Stopped sweep should still return cleanly: %v", err)
	}
}

func BenchmarkExecuteScanTask(b *testing.B) {
	config := DefaultConfig()
	config.MaxQueryRPS = 1000000
	s, _, _ := setupScanServiceWithConfig(config)
	defer s.Shutdown()
	ctx := context.Background()

	window := models.NewScanWindow(baseTime(), baseTime().Add(time.Hour), 60)
	task := ScanTask{LogType: "cloudtrail", Query: "SELECT 1", Window: window}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.ExecuteScanTask(ctx, task)
	}
}

func BenchmarkPlanSweep(b *testing.B) {
	s, _, _ := setupScanService()
	defer s.Shutdown()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		s.RegisterSource(ctx, &RegisterSourceRequest{
			Name:  fmt.Sprintf("source_%d", i),
			Query: "SELECT 1",
		})
	}
	planner := s.planners["lag"]
	sources := s.snapshotSources()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		planner.Plan(ctx, PlanOptions{Sources: sources, Now: time.Now(), Limit: 16})
	}
}
