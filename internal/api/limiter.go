package api

import (
	"sync"

	"villaops/internal/config"

	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per client key. HTTP and gRPC
// draw from the same buckets.
type RateLimiter struct {
	limiters sync.Map
	cfg      *config.APIConfig
}

func NewRateLimiter(cfg *config.APIConfig) *RateLimiter {
	return &RateLimiter{
		cfg: cfg,
	}
}

func (l *RateLimiter) enabled() bool {
	return l.cfg.RateLimit.RPS > 0
}

// Allow reports whether the client identified by key may proceed.
func (l *RateLimiter) Allow(key string) bool {
	if !l.enabled() {
		return true
	}
	return l.getLimiter(key).Allow()
}

func (l *RateLimiter) getLimiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		if lim, ok := v.(*rate.Limiter); ok {
			return lim
		}
	}

	burst := l.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(l.cfg.RateLimit.RPS), burst)
	actual, loaded := l.limiters.LoadOrStore(key, lim)
	if loaded {
		if actualLim, ok := actual.(*rate.Limiter); ok {
			return actualLim
		}
	}
	return lim
}
