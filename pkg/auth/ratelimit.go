package auth

import (
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter hands out a per-actor token bucket lazily, the same
// golang.org/x/time/rate idiom pkg/queue.TenantLimiter uses for
// per-tenant queue throughput, applied here at the HTTP edge where an
// over-limit request is rejected outright rather than delayed.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewLimiter builds a Limiter allowing ratePerMinute requests per actor
// on average, with burst headroom.
func NewLimiter(ratePerMinute, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(float64(ratePerMinute) / 60.0),
		burst:    burst,
	}
}

func (l *Limiter) forActor(actorID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[actorID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[actorID] = lim
	}
	return lim
}

// Allow reports whether actorID may proceed right now, consuming one
// token if so.
func (l *Limiter) Allow(actorID string) bool {
	return l.forActor(actorID).Allow()
}

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP
// layer. It extracts the actor ID from the authenticated Principal
// (falling back to remote IP for unauthenticated public-path requests).
// A nil limiter fails open, matching the teacher's dev-mode posture.
func RateLimitMiddleware(limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if principal, err := GetPrincipal(r.Context()); err == nil {
				actorID = fmt.Sprintf("%s/%s", principal.GetTenantID(), principal.GetID())
			}

			if !limiter.Allow(actorID) {
				writeTooManyRequests(w, 1)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
