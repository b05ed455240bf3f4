// Package ratelimit gates outbound attempts per destination host with a
// token bucket, so one slow or rate-limited host can't starve a shared
// RequestPool's workers.
package ratelimit

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter hands out a per-host rate.Limiter, creating one lazily the
// first time a host is seen.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewHostLimiter constructs a HostLimiter with the given steady-state rate
// (requests per second) and burst size applied independently to each host.
func NewHostLimiter(rps float64, burst int) *HostLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Wait blocks until a token is available for rawURL's host, or ctx is
// done. A malformed URL is treated as its own bucket key so it still rate
// limits rather than bypassing the limiter entirely.
func (h *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	host := rawURL
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Host != "" {
		host = parsed.Host
	}
	return h.limiterFor(host).Wait(ctx)
}

// Allow reports, without blocking, whether an immediate attempt against
// rawURL's host would be permitted.
func (h *HostLimiter) Allow(rawURL string) bool {
	host := rawURL
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Host != "" {
		host = parsed.Host
	}
	return h.limiterFor(host).Allow()
}

func (h *HostLimiter) limiterFor(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.rps, h.burst)
		h.limiters[host] = l
	}
	return l
}
