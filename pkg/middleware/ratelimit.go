package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// TokenBucket is a concurrent token-bucket rate limiter with per-key and
// global buckets. Scrape endpoints sit behind it so a misconfigured
// collector cannot starve the rest of the service.
//
// Tokens refill at refillRate per second up to bucketSize, so short bursts
// up to the bucket size pass and sustained load is capped at the refill
// rate. Refill happens lazily inside Allow, there is no background
// goroutine. Per-key buckets live in a sync.Map and are never evicted
// automatically; call EvictStaleKeys periodically if the key space is
// unbounded.
//
// Example usage:
//
//	// 100 requests per second, burst of 200
//	limiter := NewTokenBucket(100, 200)
//	if limiter.Allow(clientIP) {
//	    handleRequest()
//	}
type TokenBucket struct {
	refillRate float64 // Tokens per second
	bucketSize int64   // Maximum tokens

	// Per-key buckets. Key: string, Value: *bucket
	buckets sync.Map

	// Global bucket for AllowGlobal()
	globalBucket *bucket
}

// bucket holds one token bucket's state. All fields accessed atomically.
type bucket struct {
	tokens     int64 // Current token count
	lastRefill int64 // Last refill timestamp in nanoseconds
	maxTokens  int64
	refillRate float64
}

// NewTokenBucket creates a rate limiter that refills refillRate tokens per
// second into buckets of bucketSize capacity. Panics on non-positive
// arguments; limiter construction is a startup-time concern.
func NewTokenBucket(refillRate float64, bucketSize int64) *TokenBucket {
	if refillRate <= 0 {
		panic("refillRate must be positive")
	}
	if bucketSize <= 0 {
		panic("bucketSize must be positive")
	}

	return &TokenBucket{
		refillRate: refillRate,
		bucketSize: bucketSize,
		globalBucket: &bucket{
			tokens:     bucketSize,
			lastRefill: time.Now().UnixNano(),
			maxTokens:  bucketSize,
			refillRate: refillRate,
		},
	}
}

// Allow reports whether a request for the given key may proceed, consuming
// one token if so. The empty key is always rejected.
func (tb *TokenBucket) Allow(key string) bool {
	if key == "" {
		return false
	}
	return tb.getOrCreateBucket(key).tryConsume(1)
}

// AllowGlobal checks a request against the shared global bucket, regardless
// of key.
func (tb *TokenBucket) AllowGlobal() bool {
	return tb.globalBucket.tryConsume(1)
}

// AllowN consumes n tokens for the given key if available. Useful for
// operations with variable cost, such as batch exports.
func (tb *TokenBucket) AllowN(key string, n int) bool {
	if key == "" || n <= 0 {
		return false
	}
	return tb.getOrCreateBucket(key).tryConsume(int64(n))
}

// getOrCreateBucket retrieves or creates the bucket for a key.
func (tb *TokenBucket) getOrCreateBucket(key string) *bucket {
	if b, ok := tb.buckets.Load(key); ok {
		return b.(*bucket)
	}

	newBucket := &bucket{
		tokens:     tb.bucketSize,
		lastRefill: time.Now().UnixNano(),
		maxTokens:  tb.bucketSize,
		refillRate: tb.refillRate,
	}

	// Concurrent creators race; LoadOrStore keeps exactly one
	actual, _ := tb.buckets.LoadOrStore(key, newBucket)
	return actual.(*bucket)
}

// tryConsume attempts to take n tokens, refilling for elapsed time first.
// Lock-free via CAS on the token count.
func (b *bucket) tryConsume(n int64) bool {
	now := time.Now().UnixNano()

	for {
		currentTokens := atomic.LoadInt64(&b.tokens)
		lastRefill := atomic.LoadInt64(&b.lastRefill)

		elapsed := time.Duration(now - lastRefill)
		tokensToAdd := int64(b.refillRate * elapsed.Seconds())

		newTokens := currentTokens + tokensToAdd
		if newTokens > b.maxTokens {
			newTokens = b.maxTokens
		}

		if newTokens < n {
			return false
		}

		if atomic.CompareAndSwapInt64(&b.tokens, currentTokens, newTokens-n) {
			// Best-effort refill stamp; a lost race only delays refill
			atomic.StoreInt64(&b.lastRefill, now)
			return true
		}
		// CAS failed, retry
	}
}

// Reset refills the bucket to full capacity.
func (b *bucket) Reset() {
	atomic.StoreInt64(&b.tokens, b.maxTokens)
	atomic.StoreInt64(&b.lastRefill, time.Now().UnixNano())
}

// CurrentTokens returns an approximate token count after triggering a
// refill.
func (b *bucket) CurrentTokens() int64 {
	b.tryConsume(0)
	return atomic.LoadInt64(&b.tokens)
}

// RateLimitMiddleware wraps an HTTP handler with per-key rate limiting.
// Requests with an empty key pass through unlimited; requests over the
// limit get 429.
//
// Example:
//
//	limiter := NewTokenBucket(5, 10)
//	limited := RateLimitMiddleware(handler, limiter, KeyByIP)
func RateLimitMiddleware(
	next http.Handler,
	limiter *TokenBucket,
	keyFunc func(*http.Request) string,
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFunc(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !limiter.Allow(key) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// KeyByIP extracts the client IP for rate limiting, preferring proxy
// headers over RemoteAddr.
func KeyByIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	return r.RemoteAddr
}

// KeyByHeader returns a key function that reads the given header. Useful
// for API-key or collector-ID based limiting.
func KeyByHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// Stats describes the limiter's current state.
type Stats struct {
	TotalKeys      int        // Number of unique keys
	GlobalTokens   int64      // Current global tokens
	SampleKeyStats []KeyStats // Sample of per-key stats
}

type KeyStats struct {
	Key    string
	Tokens int64
}

// GetStats returns current limiter statistics. Iterates all keys; avoid on
// hot paths with large key counts.
func (tb *TokenBucket) GetStats() Stats {
	stats := Stats{
		GlobalTokens:   tb.globalBucket.CurrentTokens(),
		SampleKeyStats: make([]KeyStats, 0, 10),
	}

	count := 0
	tb.buckets.Range(func(key, value interface{}) bool {
		count++

		if len(stats.SampleKeyStats) < 10 {
			b := value.(*bucket)
			stats.SampleKeyStats = append(stats.SampleKeyStats, KeyStats{
				Key:    key.(string),
				Tokens: b.CurrentTokens(),
			})
		}

		return true
	})

	stats.TotalKeys = count
	return stats
}

// EvictStaleKeys removes keys idle longer than staleDuration and returns
// how many were dropped. Call periodically when keys are client-derived and
// unbounded.
func (tb *TokenBucket) EvictStaleKeys(staleDuration time.Duration) int {
	staleThreshold := time.Now().Add(-staleDuration).UnixNano()
	evicted := 0

	tb.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		lastRefill := atomic.LoadInt64(&b.lastRefill)

		if lastRefill < staleThreshold {
			tb.buckets.Delete(key)
			evicted++
		}

		return true
	})

	return evicted
}

func (tb *TokenBucket) String() string {
	return fmt.Sprintf("TokenBucket{rate=%.1f/s, burst=%d}", tb.refillRate, tb.bucketSize)
}
