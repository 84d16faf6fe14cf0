package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrRateLimitExceeded is returned by AllowOrWait when the leaky-bucket queue
// is full, whatever budget the caller's context has left.
var ErrRateLimitExceeded = context.DeadlineExceeded

type leakyRequest struct {
	done chan error
}

// HybridRateLimiter serves bursts from a token bucket fast path; anything
// that doesn't fit the burst is queued and drained by a leaky-bucket worker
// at a steady rate instead of being rejected outright.
type HybridRateLimiter struct {
	fast *RateLimiter

	mu       sync.Mutex
	queue    []*leakyRequest
	queueCap int
	drainAt  time.Duration

	stopCh chan struct{}
	stopOn sync.Once

	meterName string
}

// NewHybridRateLimiter builds a hybrid limiter: fast is the token-bucket
// burst limiter, queueCap bounds the leaky-bucket backlog, and drainAt is
// the interval at which one queued request is released.
func NewHybridRateLimiter(fast *RateLimiter, queueCap int, drainAt time.Duration, meterName string) *HybridRateLimiter {
	h := &HybridRateLimiter{
		fast:      fast,
		queueCap:  queueCap,
		drainAt:   drainAt,
		stopCh:    make(chan struct{}),
		meterName: meterName,
	}
	go h.leakyBucketWorker()
	go h.reportMetrics()
	return h
}

// Allow is the non-blocking fast-path check only; it never touches the queue.
func (h *HybridRateLimiter) Allow() bool {
	return h.fast.Allow()
}

// Wait blocks until a slot is available via the leaky-bucket queue or ctx
// is done, whichever comes first.
func (h *HybridRateLimiter) Wait(ctx context.Context) error {
	h.mu.Lock()
	if len(h.queue) >= h.queueCap {
		h.mu.Unlock()
		return ErrRateLimitExceeded
	}
	req := &leakyRequest{done: make(chan error, 1)}
	h.queue = append(h.queue, req)
	h.mu.Unlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AllowOrWait tries the fast path first and falls back to the queue.
func (h *HybridRateLimiter) AllowOrWait(ctx context.Context) error {
	if h.fast.Allow() {
		return nil
	}
	return h.Wait(ctx)
}

func (h *HybridRateLimiter) leakyBucketWorker() {
	ticker := time.NewTicker(h.drainAt)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			h.mu.Lock()
			for _, req := range h.queue {
				req.done <- errors.New("rate limiter stopped")
			}
			h.queue = nil
			h.mu.Unlock()
			return
		case <-ticker.C:
			h.mu.Lock()
			if len(h.queue) > 0 {
				req := h.queue[0]
				h.queue = h.queue[1:]
				h.mu.Unlock()
				req.done <- nil
			} else {
				h.mu.Unlock()
			}
		}
	}
}

func (h *HybridRateLimiter) reportMetrics() {
	meter := otel.Meter("orchestrator-resilience")
	gauge, _ := meter.Int64ObservableGauge("orch_resilience_rate_limiter_queue_depth")
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		h.mu.Lock()
		depth := int64(len(h.queue))
		h.mu.Unlock()
		o.ObserveInt64(gauge, depth)
		return nil
	}, gauge)
	if err != nil {
		return
	}
	<-h.stopCh
	_ = reg.Unregister()
}

// Stop releases the background workers, failing any still-queued waiters.
func (h *HybridRateLimiter) Stop() {
	h.stopOn.Do(func() { close(h.stopCh) })
}
