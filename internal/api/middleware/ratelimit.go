package middleware

import (
	"sync"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
)

// RateLimiter holds one token bucket per API key, created lazily and
// never evicted proactively; keys are a small, operator-managed set so
// unbounded growth isn't a practical concern.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// RateLimit rejects requests once the calling key's bucket is empty.
// Read-only probe routes (health/ready/live/detailed) are expected to
// be mounted outside the group this middleware wraps, per the Control
// API's rule that probes bypass rate limiting entirely.
func (rl *RateLimiter) RateLimit() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := APIKey(c)
			if key == "" {
				key = c.RealIP()
			}
			if !rl.limiterFor(key).Allow() {
				return apperrors.New(apperrors.KindRateLimited, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
