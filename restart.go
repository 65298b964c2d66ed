package pluginsup

import (
	"sync"
	"time"
)

// maxBackoffExponent caps the exponent in the backoff formula, producing
// delays of 1s, 2s, 4s, 8s, 16s for counts 0..4 and beyond (spec §4.7 step 3).
const maxBackoffExponent = 4

// backoffDelay computes 2^min(count,4) * 1000ms for a given restart count.
func backoffDelay(count int) time.Duration {
	exp := count
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	ms := int64(1)
	for i := 0; i < exp; i++ {
		ms *= 2
	}
	return time.Duration(ms) * time.Second
}

// RestartCounters tracks per-plugin restart counts (spec §3 RestartCounter).
// Reset happens only on an explicit enable call (spec §4.7 step 6) — a
// successful post-crash init handshake does not reset it.
type RestartCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewRestartCounters returns an empty tracker.
func NewRestartCounters() *RestartCounters {
	return &RestartCounters{counts: make(map[string]int)}
}

// Increment bumps id's counter and returns the new value.
func (r *RestartCounters) Increment(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[id]++
	return r.counts[id]
}

// Get returns id's current counter value (0 if never incremented).
func (r *RestartCounters) Get(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[id]
}

// Reset zeroes id's counter. Called only from an explicit enable (spec
// §4.7 step 6).
func (r *RestartCounters) Reset(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[id] = 0
}
