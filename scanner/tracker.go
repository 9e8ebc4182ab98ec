package scanner

import (
	"sync"
	"time"
)

// maxHealthSamples bounds the per-type sample ring used for delay and error
// rate estimation.
const maxHealthSamples = 50

// HealthTracker records per-log-type scan outcomes and derives the observed
// processing delay and error rate that feed adaptive overlap widening.
//
// Algorithm:
//  1. Every completed scan records (processing delay, success) for its type
//  2. ProcessingDelay reports the average delay over the recent sample ring
//  3. ErrorRate reports the failure fraction over the same ring
//  4. Both default to zero for unknown types, which leaves overlap at base
//
// Thread Safety: all methods are safe for concurrent use.
type HealthTracker struct {
	mu    sync.RWMutex
	types map[string]*typeHealth
}

// typeHealth holds the recent outcome samples for one log type.
type typeHealth struct {
	logType    string
	samples    []healthSample
	totalScans int64
	totalFails int64
	lastScanAt time.Time
}

// healthSample is one recorded scan outcome.
type healthSample struct {
	delay   time.Duration
	success bool
	at      time.Time
}

// TypeHealthStatus is the externally reported health of one log type.
type TypeHealthStatus struct {
	LogType       string    `json:"log_type"`
	TotalScans    int64     `json:"total_scans"`
	TotalFailures int64     `json:"total_failures"`
	DelaySeconds  float64   `json:"delay_seconds"`
	ErrorRate     float64   `json:"error_rate"`
	LastScanAt    time.Time `json:"last_scan_at"`
	RecentSamples int       `json:"recent_samples"`
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		types: make(map[string]*typeHealth),
	}
}

// RecordScan records one scan outcome for a type. The processing delay is
// the distance between the scanned window's end and the moment results were
// available; negative delays are recorded as zero.
func (t *HealthTracker) RecordScan(logType string, processingDelay time.Duration, success bool) {
	if processingDelay < 0 {
		processingDelay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.types[logType]
	if !exists {
		health = &typeHealth{
			logType: logType,
			samples: make([]healthSample, 0, maxHealthSamples),
		}
		t.types[logType] = health
	}

	health.totalScans++
	if !success {
		health.totalFails++
	}
	health.lastScanAt = time.Now()

	health.samples = append(health.samples, healthSample{
		delay:   processingDelay,
		success: success,
		at:      health.lastScanAt,
	})
	if len(health.samples) > maxHealthSamples {
		health.samples = health.samples[1:]
	}
}

// ProcessingDelay returns the average observed delay for a type in seconds.
// Unknown types report zero.
func (t *HealthTracker) ProcessingDelay(logType string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.types[logType]
	if !exists || len(health.samples) == 0 {
		return 0
	}

	var sum time.Duration
	for _, s := range health.samples {
		sum += s.delay
	}
	return (sum / time.Duration(len(health.samples))).Seconds()
}

// ErrorRate returns the failure fraction over the recent samples for a type
// (0-1 range). Unknown types report zero.
func (t *HealthTracker) ErrorRate(logType string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.types[logType]
	if !exists || len(health.samples) == 0 {
		return 0
	}

	failures := 0
	for _, s := range health.samples {
		if !s.success {
			failures++
		}
	}
	return float64(failures) / float64(len(health.samples))
}

// Snapshot returns the current health of every tracked type.
func (t *HealthTracker) Snapshot() []TypeHealthStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TypeHealthStatus, 0, len(t.types))
	for logType, health := range t.types {
		var delaySum time.Duration
		failures := 0
		for _, s := range health.samples {
			delaySum += s.delay
			if !s.success {
				failures++
			}
		}

		status := TypeHealthStatus{
			LogType:       logType,
			TotalScans:    health.totalScans,
			TotalFailures: health.totalFails,
			LastScanAt:    health.lastScanAt,
			RecentSamples: len(health.samples),
		}
		if len(health.samples) > 0 {
			status.DelaySeconds = (delaySum / time.Duration(len(health.samples))).Seconds()
			status.ErrorRate = float64(failures) / float64(len(health.samples))
		}
		out = append(out, status)
	}

	return out
}

// Cleanup removes types whose last scan is older than maxAge, preventing
// unbounded growth when sources are unregistered. Returns the removed count.
func (t *HealthTracker) Cleanup(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for logType, health := range t.types {
		if health.lastScanAt.Before(cutoff) {
			delete(t.types, logType)
			removed++
		}
	}
	return removed
}

// TrackedCount returns the number of types with recorded samples.
func (t *HealthTracker) TrackedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.types)
}
