package httpapi

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedIdentities bounds the limiter map; past it the map is reset.
const maxTrackedIdentities = 10000

// limiterRegistry holds one token bucket per identity.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLimiterRegistry(perSecond float64, burst int) *limiterRegistry {
	return &limiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    max(burst, 1),
	}
}

// Allow reports whether key may act now, consuming a token if so.
func (r *limiterRegistry) Allow(key string) bool {
	r.mu.Lock()
	limiter, ok := r.limiters[key]
	if !ok {
		if len(r.limiters) >= maxTrackedIdentities {
			r.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = limiter
	}
	r.mu.Unlock()

	return limiter.Allow()
}
