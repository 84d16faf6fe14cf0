package resilience

import (
	"sync"
	"time"
)

// CircuitState is the lifecycle state of a CircuitBreaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

type bucket struct {
	success int
	fail    int
}

// slidingWindow buckets success/fail counts per second over a fixed horizon,
// used to compute a recent failure rate without retaining raw samples.
type slidingWindow struct {
	buckets  []bucket
	size     time.Duration
	bucketAt time.Duration
	start    time.Time
}

func newSlidingWindow(size time.Duration, bucketAt time.Duration) *slidingWindow {
	n := int(size / bucketAt)
	if n < 1 {
		n = 1
	}
	return &slidingWindow{buckets: make([]bucket, n), size: size, bucketAt: bucketAt, start: time.Now()}
}

func (w *slidingWindow) idx(t time.Time) int {
	elapsed := t.Sub(w.start)
	return int(elapsed/w.bucketAt) % len(w.buckets)
}

func (w *slidingWindow) record(success bool) {
	i := w.idx(time.Now())
	if success {
		w.buckets[i].success++
	} else {
		w.buckets[i].fail++
	}
}

func (w *slidingWindow) totals() (success, fail int) {
	for _, b := range w.buckets {
		success += b.success
		fail += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}

// CircuitBreaker gates calls to a single downstream dependency (an agent
// endpoint) behind a sliding-window failure rate, with an adaptive threshold
// that drifts toward the observed rate and never drops below failureRateOpen.
type CircuitBreaker struct {
	mu sync.Mutex

	name            string
	window          *slidingWindow
	minSamples      int
	failureRateOpen float64
	dynamicThresh   float64
	evalInterval    time.Duration
	lastEval        time.Time
	openSince       time.Time
	cooldown        time.Duration
	halfOpenLimit   int
	halfOpenInFlg   int

	state CircuitState
}

// NewCircuitBreakerAdaptive builds a breaker with an adaptive threshold that
// starts at failureRateOpen and drifts toward the observed rate over time.
func NewCircuitBreakerAdaptive(name string, minSamples int, failureRateOpen float64, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		window:          newSlidingWindow(30*time.Second, time.Second),
		minSamples:      minSamples,
		failureRateOpen: failureRateOpen,
		dynamicThresh:   failureRateOpen,
		evalInterval:    10 * time.Second,
		lastEval:        time.Now(),
		cooldown:        cooldown,
		halfOpenLimit:   3,
		state:           StateClosed,
	}
}

// Allow reports whether a call should proceed, transitioning open->half-open
// once the cooldown has elapsed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(c.openSince) >= c.cooldown {
			c.state = StateHalfOpen
			c.halfOpenInFlg = 0
			return c.allowHalfOpenLocked()
		}
		return false
	case StateHalfOpen:
		return c.allowHalfOpenLocked()
	}
	return true
}

func (c *CircuitBreaker) allowHalfOpenLocked() bool {
	if c.halfOpenInFlg >= c.halfOpenLimit {
		return false
	}
	c.halfOpenInFlg++
	return true
}

// RecordResult updates the sliding window and re-evaluates the circuit
// state. Call after every gated call completes, success or failure.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.record(success)

	if c.state == StateHalfOpen {
		if success {
			c.state = StateClosed
			c.window.reset()
		} else {
			c.transitionToOpenLocked()
		}
		return
	}

	s, f := c.window.totals()
	total := s + f
	if total < c.minSamples {
		return
	}
	rate := float64(f) / float64(total)

	if time.Since(c.lastEval) >= c.evalInterval {
		c.dynamicThresh = 0.7*c.dynamicThresh + 0.3*rate
		if c.dynamicThresh < c.failureRateOpen {
			c.dynamicThresh = c.failureRateOpen
		}
		c.lastEval = time.Now()
	}

	if rate >= c.dynamicThresh {
		c.transitionToOpenLocked()
	}
}

func (c *CircuitBreaker) transitionToOpenLocked() {
	c.state = StateOpen
	c.openSince = time.Now()
	c.window.reset()
}

// State returns the current lifecycle state for diagnostics.
func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
