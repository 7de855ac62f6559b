package handler

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jinjjij/Capstone-Qbank/internal/apperr"
	"github.com/jinjjij/Capstone-Qbank/internal/model"
)

// visitor pairs a token bucket with the last time it was used, so idle
// buckets can be dropped.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiter is a per-user token bucket. A nil limiter allows everything.
type limiter struct {
	mu        sync.Mutex
	visitors  map[int64]*visitor
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// newLimiter allows perMinute requests per user on average with bursts of
// burst. perMinute <= 0 disables limiting.
func newLimiter(perMinute float64, burst int, idle time.Duration) *limiter {
	if perMinute <= 0 {
		return nil
	}
	return &limiter{
		visitors: make(map[int64]*visitor),
		limit:    rate.Limit(perMinute / 60),
		burst:    max(burst, 1),
		idle:     idle,
		now:      time.Now,
	}
}

func (l *limiter) allow(userID int64) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.idle {
		for id, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idle {
				delete(l.visitors, id)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[userID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[userID] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// retryAfter is the time for one token to refill, in whole seconds.
func (l *limiter) retryAfter() int {
	if l == nil || l.limit <= 0 {
		return 0
	}
	return int(math.Ceil(1 / float64(l.limit)))
}

// rateLimitAI throttles the AI endpoints per signed-in user.
func (h *Handler) rateLimitAI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := model.UserFromContext(r.Context())
		if user != nil && !h.limiter.allow(user.ID) {
			w.Header().Set("Retry-After", strconv.Itoa(h.limiter.retryAfter()))
			h.fail(w, r, apperr.Errorf(apperr.RateLimited, "user %d exceeded the AI request rate", user.ID))
			return
		}
		next.ServeHTTP(w, r)
	})
}
