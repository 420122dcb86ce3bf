// Package ratelimit throttles outbound HTTP fetches so that many feeds on
// one host do not overwhelm it.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter manages one token-bucket limiter per destination host,
// creating limiters lazily since the set of feed hosts is not known ahead
// of time.
type HostLimiter struct {
	requestsPerSecond float64
	burst             int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewHostLimiter creates a limiter applying requestsPerSecond/burst to each
// distinct host the first time it is seen.
func NewHostLimiter(requestsPerSecond float64, burst int) *HostLimiter {
	return &HostLimiter{
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		limiters:          make(map[string]*rate.Limiter),
	}
}

func (h *HostLimiter) limiterFor(host string) *rate.Limiter {
	h.mu.RLock()
	l, ok := h.limiters[host]
	h.mu.RUnlock()
	if ok {
		return l
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.limiters[host]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(h.requestsPerSecond), h.burst)
	h.limiters[host] = l
	return l
}

// Wait blocks until a request to host is allowed, or ctx is cancelled.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	return h.limiterFor(host).Wait(ctx)
}

// Allow reports whether a request to host may happen right now.
func (h *HostLimiter) Allow(host string) bool {
	return h.limiterFor(host).Allow()
}

// DefaultFeedHostLimiter applies a polite RSS default: one request per
// second per host, with a small burst.
func DefaultFeedHostLimiter() *HostLimiter {
	return NewHostLimiter(1, 5)
}
