// Package querycache owns the shared query-result cache for the scan
// pipeline.
//
// Design Philosophy:
// - One cache instance per service process, injected by reference into
//   consumers; no package-level cache state
// - Lookups optionally execute on miss through a single-flight coalescer so
//   concurrent identical queries hit the backend once
// - Purges arrive two ways: direct endpoints for operators and Pub/Sub
//   directives from the invalidation service; both are idempotent
// - Every operation emits a metric event for monitoring, fire and forget
//
// Performance Characteristics:
// - Lookup/store: O(1); eviction scan O(n) only at capacity
// - Coalesced execution: duplicate concurrent queries wait, not re-execute
// - TTL sweep: O(n) once per minute, plus lazy expiry on lookup
package querycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/pubsub"

	"encore.app/pkg/models"
	events "encore.app/pkg/pubsub"
)

// cleanupInterval is how often the background sweep removes expired entries.
const cleanupInterval = 1 * time.Minute

//encore:service
type Service struct {
	cache     *QueryCache
	coalescer *QueryCoalescer
	metrics   *Metrics

	mu       sync.RWMutex
	executor QueryExecutor

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// QueryExecutor abstracts the log query backend used to fill misses. The
// embedding process injects whatever engine serves its log store.
type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, query string, window models.ScanWindow) (result interface{}, eventCount int, err error)
}

// Metrics tracks querycache service counters.
type Metrics struct {
	Executions        atomic.Int64
	DirectivesApplied atomic.Int64
	MetricsPublished  atomic.Int64
	SweepRemoved      atomic.Int64
	Errors            atomic.Int64
}

// Global service instance
var (
	svc     *Service
	svcOnce sync.Once
)

// initService initializes the querycache service and starts the TTL sweep.
func initService() *Service {
	svcOnce.Do(func() {
		svc = &Service{
			cache:     NewQueryCache(DefaultCacheConfig()),
			coalescer: NewQueryCoalescer(),
			metrics:   &Metrics{},
			stopChan:  make(chan struct{}),
		}

		svc.wg.Add(1)
		go svc.runTTLSweep()
	})
	return svc
}

func init() {
	initService()
}

// SetQueryExecutor injects the backend used to fill misses (for production
// wiring or testing).
func (s *Service) SetQueryExecutor(executor QueryExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = executor
}

// Cache exposes the owned cache so in-process embedders can wire it as an
// invalidation target or scanner cache client.
func (s *Service) Cache() *QueryCache {
	return s.cache
}

// CacheMetricsTopic carries per-operation cache metrics to monitoring.
var CacheMetricsTopic = pubsub.NewTopic[*events.CacheMetricEvent](
	events.TopicCacheMetrics,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Request and response types

type LookupRequest struct {
	Query      string    `json:"query"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	RuleType   string    `json:"rule_type,omitempty"`
	Execute    bool      `json:"execute,omitempty"`     // Fill the miss via the query executor
	TTLMinutes int       `json:"ttl_minutes,omitempty"` // TTL for a filled entry, 0 means default
}

type LookupResponse struct {
	Found      bool        `json:"found"`
	Result     interface{} `json:"result,omitempty"`
	Key        string      `json:"key"`
	Source     string      `json:"source"` // "cache", "executor", "none"
	EventCount int         `json:"event_count,omitempty"`
	LatencyMS  int64       `json:"latency_ms"`
}

type StoreRequest struct {
	Query      string      `json:"query"`
	Result     interface{} `json:"result"`
	Start      time.Time   `json:"start"`
	End        time.Time   `json:"end"`
	RuleType   string      `json:"rule_type,omitempty"`
	TTLMinutes int         `json:"ttl_minutes,omitempty"` // 0 means default
}

type StoreResponse struct {
	Success   bool      `json:"success"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

type InvalidateRequest struct {
	RuleType  string     `json:"rule_type,omitempty"`
	Pattern   string     `json:"pattern,omitempty"`    // Wildcard rule-type pattern, takes precedence
	OlderThan *time.Time `json:"older_than,omitempty"` // OR-combined with rule_type
}

type InvalidateResponse struct {
	EntriesRemoved int `json:"entries_removed"`
}

type ClearResponse struct {
	EntriesRemoved int `json:"entries_removed"`
}

type StatsResponse struct {
	Cache     models.CacheStats `json:"cache"`
	InFlight  int               `json:"in_flight"`
	Coalesced int64             `json:"coalesced"`
	Service   ServiceCounters   `json:"service"`
}

type ServiceCounters struct {
	Executions        int64 `json:"executions"`
	DirectivesApplied int64 `json:"directives_applied"`
	MetricsPublished  int64 `json:"metrics_published"`
	SweepRemoved      int64 `json:"sweep_removed"`
	Errors            int64 `json:"errors"`
}

type InfoResponse struct {
	Entries []EntryInfo `json:"entries"`
	Size    int         `json:"size"`
	Config  CacheConfig `json:"config"`
}

// executeResult carries a backend result through the coalescer so every
// waiter receives the same payload and count.
type executeResult struct {
	result     interface{}
	eventCount int
}

// Lookup checks the cache for a query result. With Execute set, a miss runs
// the query through the injected executor (single-flighted across concurrent
// identical requests) and caches the result.
//
//encore:api public method=POST path=/querycache/lookup
func Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Lookup(ctx, req)
}

func (s *Service) Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error) {
	if req.Query == "" {
		return nil, errors.New("query cannot be empty")
	}
	if !req.End.After(req.Start) {
		return nil, errors.New("end must be after start")
	}

	startTime := time.Now()
	key := s.cache.GenerateKey(req.Query, req.Start, req.End, req.RuleType)

	if result, ok := s.cache.Get(req.Query, req.Start, req.End, req.RuleType); ok {
		s.publishMetric("hit", 1, req.RuleType, time.Since(startTime))
		return &LookupResponse{
			Found:     true,
			Result:    result,
			Key:       key,
			Source:    "cache",
			LatencyMS: time.Since(startTime).Milliseconds(),
		}, nil
	}

	s.publishMetric("miss", 1, req.RuleType, time.Since(startTime))

	if !req.Execute {
		return &LookupResponse{
			Found:     false,
			Key:       key,
			Source:    "none",
			LatencyMS: time.Since(startTime).Milliseconds(),
		}, nil
	}

	s.mu.RLock()
	executor := s.executor
	s.mu.RUnlock()
	if executor == nil {
		return nil, errors.New("no query executor configured")
	}

	window := models.NewScanWindow(req.Start, req.End, 0)
	ttl := time.Duration(req.TTLMinutes) * time.Minute

	val, err := s.coalescer.Do(key, func() (interface{}, error) {
		s.metrics.Executions.Add(1)
		result, eventCount, execErr := executor.ExecuteQuery(ctx, req.Query, window)
		if execErr != nil {
			return nil, execErr
		}
		s.cache.Put(req.Query, result, req.Start, req.End, req.RuleType, ttl)
		s.publishMetric("store", 1, req.RuleType, 0)
		return executeResult{result: result, eventCount: eventCount}, nil
	})
	if err != nil {
		s.metrics.Errors.Add(1)
		return nil, fmt.Errorf("query execution failed: %w", err)
	}

	execRes := val.(executeResult)
	return &LookupResponse{
		Found:      true,
		Result:     execRes.result,
		Key:        key,
		Source:     "executor",
		EventCount: execRes.eventCount,
		LatencyMS:  time.Since(startTime).Milliseconds(),
	}, nil
}

// Store caches a query result computed elsewhere.
//
//encore:api public method=POST path=/querycache/store
func Store(ctx context.Context, req *StoreRequest) (*StoreResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Store(ctx, req)
}

func (s *Service) Store(ctx context.Context, req *StoreRequest) (*StoreResponse, error) {
	if req.Query == "" {
		return nil, errors.New("query cannot be empty")
	}
	if !req.End.After(req.Start) {
		return nil, errors.New("end must be after start")
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = s.cache.Config().DefaultTTL
	}

	s.cache.Put(req.Query, req.Result, req.Start, req.End, req.RuleType, ttl)
	s.publishMetric("store", 1, req.RuleType, 0)

	return &StoreResponse{
		Success:   true,
		Key:       s.cache.GenerateKey(req.Query, req.Start, req.End, req.RuleType),
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// Invalidate removes entries by rule type, wildcard pattern, or age. Full
// purges go through Clear.
//
//encore:api public method=POST path=/querycache/invalidate
func Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Invalidate(ctx, req)
}

func (s *Service) Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if req.RuleType == "" && req.Pattern == "" && req.OlderThan == nil {
		return nil, errors.New("specify rule_type, pattern, or older_than")
	}

	var removed int
	if req.Pattern != "" {
		removed = s.cache.InvalidateMatching(req.Pattern)
	} else {
		removed = s.cache.Invalidate(req.RuleType, req.OlderThan)
	}

	s.publishMetric("invalidation", removed, req.RuleType, 0)
	return &InvalidateResponse{EntriesRemoved: removed}, nil
}

// Clear removes every cached entry.
//
//encore:api public method=POST path=/querycache/clear
func Clear(ctx context.Context) (*ClearResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Clear(ctx)
}

func (s *Service) Clear(ctx context.Context) (*ClearResponse, error) {
	removed := s.cache.Clear()
	s.publishMetric("clear", removed, "", 0)
	return &ClearResponse{EntriesRemoved: removed}, nil
}

// GetStats returns cache statistics plus coalescer and service counters.
//
//encore:api public method=GET path=/querycache/stats
func GetStats(ctx context.Context) (*StatsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetStats(ctx)
}

func (s *Service) GetStats(ctx context.Context) (*StatsResponse, error) {
	return &StatsResponse{
		Cache:     s.cache.Stats(),
		InFlight:  s.coalescer.InFlight(),
		Coalesced: s.coalescer.Coalesced(),
		Service: ServiceCounters{
			Executions:        s.metrics.Executions.Load(),
			DirectivesApplied: s.metrics.DirectivesApplied.Load(),
			MetricsPublished:  s.metrics.MetricsPublished.Load(),
			SweepRemoved:      s.metrics.SweepRemoved.Load(),
			Errors:            s.metrics.Errors.Load(),
		},
	}, nil
}

// GetInfo returns the hottest entries and the active configuration.
//
//encore:api public method=GET path=/querycache/info
func GetInfo(ctx context.Context) (*InfoResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetInfo(ctx)
}

func (s *Service) GetInfo(ctx context.Context) (*InfoResponse, error) {
	return &InfoResponse{
		Entries: s.cache.Info(),
		Size:    s.cache.Size(),
		Config:  s.cache.Config(),
	}, nil
}

// runTTLSweep periodically removes expired entries. Lazy expiry on lookup
// keeps results correct even between sweeps; this bounds memory held by
// entries nobody asks for again.
func (s *Service) runTTLSweep() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := s.cache.RemoveExpired(time.Now()); removed > 0 {
				s.metrics.SweepRemoved.Add(int64(removed))
				s.publishMetric("eviction", removed, "", 0)
			}
		case <-s.stopChan:
			return
		}
	}
}

// publishMetric emits a cache metric event for monitoring, fire and forget.
func (s *Service) publishMetric(operation string, count int, ruleType string, latency time.Duration) {
	metric := &events.CacheMetricEvent{
		Version:    events.EventVersion1,
		Service:    "querycache",
		Operation:  operation,
		Count:      count,
		Latency:    latency,
		RuleType:   ruleType,
		CacheSize:  s.cache.Size(),
		OccurredAt: time.Now(),
	}

	go func() {
		if _, err := CacheMetricsTopic.Publish(context.Background(), metric); err == nil {
			s.metrics.MetricsPublished.Add(1)
		}
	}()
}

// Shutdown gracefully stops the service.
func (s *Service) Shutdown() {
	close(s.stopChan)
	s.wg.Wait()
}
