package querycache

import (
	"sync"
)

// QueryCoalescer collapses concurrent executions of the same query into a
// single backend call. When several scan tasks miss the cache on the same
// (query, window, rule type) key at once, only the first caller runs the
// query; the rest wait and share its result.
//
// Without coalescing, a popular detection rule whose cached result just
// expired would fan N identical queries out to the log backend instead of 1.
type QueryCoalescer struct {
	mu    sync.Mutex
	calls map[string]*inflightCall

	// coalesced counts callers that piggybacked on another caller's
	// execution. Lifetime counter, read via Coalesced.
	coalesced int64
}

// inflightCall tracks one running query execution and its eventual result.
type inflightCall struct {
	wg  sync.WaitGroup
	val interface{}
	err error
}

// NewQueryCoalescer creates an empty coalescer.
func NewQueryCoalescer() *QueryCoalescer {
	return &QueryCoalescer{
		calls: make(map[string]*inflightCall),
	}
}

// Do executes fn, ensuring only one execution is in flight per key. Duplicate
// callers block until the original finishes and receive the same result and
// error.
func (c *QueryCoalescer) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()

	if call, exists := c.calls[key]; exists {
		c.coalesced++
		c.mu.Unlock()
		call.wg.Wait()
		return call.val, call.err
	}

	call := &inflightCall{}
	call.wg.Add(1)
	c.calls[key] = call
	c.mu.Unlock()

	call.val, call.err = fn()

	c.mu.Lock()
	delete(c.calls, key)
	c.mu.Unlock()
	call.wg.Done()

	return call.val, call.err
}

// Forget drops the in-flight record for a key so the next caller executes
// fresh. Used when the underlying entry is invalidated mid-flight.
func (c *QueryCoalescer) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, key)
}

// Clear drops all in-flight records.
func (c *QueryCoalescer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = make(map[string]*inflightCall)
}

// InFlight returns the number of executions currently running.
func (c *QueryCoalescer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Coalesced returns the lifetime count of piggybacked callers.
func (c *QueryCoalescer) Coalesced() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coalesced
}
