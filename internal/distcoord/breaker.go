package distcoord

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "OPEN"
	case stateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// bucket holds one time slice of a rolling failure-rate window.
type bucket struct {
	windowStart int64 // unix nanos of this bucket's slot, used to detect staleness
	success     int
	failure     int
}

// CircuitBreaker guards one destination endpoint (a worker connection)
// with a rolling-window failure-rate trip and a half-open probe phase,
// per endpoint as the resilience design requires.
type CircuitBreaker struct {
	minSamples    int
	failureRate   float64
	halfOpenAfter time.Duration
	maxProbes     int
	bucketWidth   time.Duration

	mu       sync.Mutex
	state    breakerState
	openedAt time.Time
	buckets  []bucket
	probes   int
}

// NewCircuitBreaker constructs a breaker tripping when the failure
// rate over windowSize (split into the given number of buckets)
// reaches failureRate, once at least minSamples requests have been
// observed. After halfOpenAfter it admits up to maxProbes trial
// requests before closing or re-opening based on their outcome.
func NewCircuitBreaker(windowSize time.Duration, buckets, minSamples int, failureRate float64, halfOpenAfter time.Duration, maxProbes int) *CircuitBreaker {
	if buckets < 1 {
		buckets = 1
	}
	return &CircuitBreaker{
		minSamples:    minSamples,
		failureRate:   failureRate,
		halfOpenAfter: halfOpenAfter,
		maxProbes:     maxProbes,
		bucketWidth:   windowSize / time.Duration(buckets),
		buckets:       make([]bucket, buckets),
	}
}

// Allow reports whether a call may proceed, advancing OPEN -> HALF_OPEN
// once the cooldown has elapsed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) < c.halfOpenAfter {
			return false
		}
		c.state = stateHalfOpen
		c.probes = 1
		return true
	case stateHalfOpen:
		if c.probes >= c.maxProbes {
			return false
		}
		c.probes++
		return true
	default:
		return true
	}
}

// RecordResult reports one call's outcome.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record(success)

	switch c.state {
	case stateHalfOpen:
		if !success {
			c.trip()
		} else if c.probes >= c.maxProbes {
			c.close()
		}
	case stateClosed:
		total, failures := c.stats()
		if total >= c.minSamples && float64(failures)/float64(total) >= c.failureRate {
			c.trip()
		}
	}
}

// State reports the breaker's current state, for Heartbeat-driven
// diagnostics and tests.
func (c *CircuitBreaker) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

func (c *CircuitBreaker) record(success bool) {
	now := time.Now()
	idx := c.bucketIndex(now)
	start := c.slotStart(now)
	if c.buckets[idx].windowStart != start {
		c.buckets[idx] = bucket{windowStart: start}
	}
	if success {
		c.buckets[idx].success++
	} else {
		c.buckets[idx].failure++
	}
}

func (c *CircuitBreaker) bucketIndex(t time.Time) int {
	return int(t.UnixNano()/c.bucketWidth.Nanoseconds()) % len(c.buckets)
}

func (c *CircuitBreaker) slotStart(t time.Time) int64 {
	w := c.bucketWidth.Nanoseconds()
	return (t.UnixNano() / w) * w
}

func (c *CircuitBreaker) stats() (total, failures int) {
	cutoff := time.Now().Add(-c.bucketWidth * time.Duration(len(c.buckets))).UnixNano()
	for _, b := range c.buckets {
		if b.windowStart < cutoff {
			continue
		}
		total += b.success + b.failure
		failures += b.failure
	}
	return
}

func (c *CircuitBreaker) trip() {
	c.state = stateOpen
	c.openedAt = time.Now()
}

func (c *CircuitBreaker) close() {
	c.state = stateClosed
	c.openedAt = time.Time{}
	for i := range c.buckets {
		c.buckets[i] = bucket{}
	}
}
