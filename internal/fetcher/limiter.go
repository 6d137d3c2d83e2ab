package fetcher

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings configures token-bucket style rate limiting per host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// HostLimiter spaces out requests to the same host, combining a fixed delay
// with an optional token bucket. The geocoder and the listing API share one
// limiter but never share a bucket.
type HostLimiter struct {
	delay time.Duration
	rate  RateLimiterSettings

	mu       sync.Mutex
	last     map[string]time.Time
	limiters map[string]*rate.Limiter
}

// NewHostLimiter creates a limiter. A nil *HostLimiter is valid and never blocks.
func NewHostLimiter(delay time.Duration, rateCfg RateLimiterSettings) *HostLimiter {
	if delay <= 0 && (rateCfg.Requests <= 0 || rateCfg.Window <= 0) {
		return nil
	}
	return &HostLimiter{
		delay:    delay,
		rate:     rateCfg,
		last:     make(map[string]time.Time),
		limiters: make(map[string]*rate.Limiter),
	}
}

// WaitURL blocks until the host of rawURL may be contacted again.
func (h *HostLimiter) WaitURL(ctx context.Context, rawURL string) error {
	if h == nil {
		return nil
	}
	host := "_"
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	return h.Wait(ctx, host)
}

// Wait blocks until politeness constraints for the host are satisfied.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	if h == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	var sleep time.Duration
	now := time.Now()

	h.mu.Lock()
	if h.delay > 0 {
		if last, ok := h.last[host]; ok {
			if rest := last.Add(h.delay).Sub(now); rest > 0 {
				sleep = rest
			}
		}
		// Reserve the slot before sleeping so concurrent callers queue up behind it.
		h.last[host] = now.Add(sleep)
	}
	limiter := h.limiterLocked(host)
	h.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if limiter != nil {
		return limiter.Wait(ctx)
	}
	return nil
}

func (h *HostLimiter) limiterLocked(host string) *rate.Limiter {
	if h.rate.Requests <= 0 || h.rate.Window <= 0 {
		return nil
	}
	if limiter, ok := h.limiters[host]; ok {
		return limiter
	}
	interval := h.rate.Window / time.Duration(h.rate.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), h.rate.Requests)
	h.limiters[host] = limiter
	return limiter
}
