package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhouzirui/emochat/backend/internal/apperr"
	"github.com/zhouzirui/emochat/backend/pkg/utils"
)

// sweepInterval bounds how often idle buckets are dropped.
const sweepInterval = time.Minute

// RateLimiter keeps one token bucket per caller. Callers are keyed by the
// X-User-Id header, then the userId query parameter, then the remote IP.
// Fully refilled buckets are dropped on the next sweep.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rps       rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

// NewRateLimiter returns a limiter allowing rps requests per second with the
// given burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *RateLimiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweep(now)
	}
	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.limiters[key] = lim
	return lim
}

func (l *RateLimiter) sweep(now time.Time) {
	for key, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}

// Allow reports whether key may issue another request now.
func (l *RateLimiter) Allow(key string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	now := l.now()
	return l.get(key, now).AllowN(now, 1)
}

// size 返回当前保留的桶数量
func (l *RateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Middleware rejects callers over their budget with RATE_LIMITED.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(callerKey(r)) {
			w.Header().Set("Retry-After", "1")
			utils.RespondAppError(w, apperr.RateLimited("too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-Id")); id != "" {
		return "user:" + id
	}
	if id := strings.TrimSpace(r.URL.Query().Get("userId")); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
