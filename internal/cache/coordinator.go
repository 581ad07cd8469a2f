// Package cache implements the client's stale-while-revalidate cache layer: per-entity
// managers over the persistent KV store, a pub/sub channel for cross-entity invalidation, and
// the sequence coordinator that lets only the most recent in-flight fetch mutate visible state.
package cache

import "sync"

// Coordinator owns a monotonic sequence counter per logical resource key. Overlapping fetches
// for the same key each capture a sequence value at start; only the fetch whose value is still
// current at completion time may commit. This is the engine's sole concurrency-control
// primitive: completion order does not matter, initiation order does.
type Coordinator struct {
	mu   sync.Mutex
	seqs map[string]uint64
}

// NewCoordinator creates a Coordinator with no outstanding sequences.
func NewCoordinator() *Coordinator {
	return &Coordinator{seqs: make(map[string]uint64)}
}

// Begin registers a new fetch for key: it increments the key's counter and returns the new
// value, superseding every fetch for the same key that started earlier.
func (c *Coordinator) Begin(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seqs[key]++
	return c.seqs[key]
}

// Commit applies a completed fetch's result iff seq is still the current sequence for key.
// It reports whether apply ran; a superseded fetch is a silent no-op. apply must not call back
// into the Coordinator.
func (c *Coordinator) Commit(key string, seq uint64, apply func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seqs[key] != seq {
		return false
	}
	apply()
	return true
}

// InvalidateAll force-increments every outstanding counter, so in-flight fetches for a
// logged-out identity can never commit.
func (c *Coordinator) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.seqs {
		c.seqs[key]++
	}
}
