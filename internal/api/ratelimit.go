package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitorIdle is how long a client can stay quiet before its limiter is dropped.
const visitorIdle = 5 * time.Minute

// RateLimitOptions configures RateLimit. A zero PerMinute disables limiting.
type RateLimitOptions struct {
	PerMinute int
	Burst     int
	// TrustProxy keys clients on X-Forwarded-For. Enable it only behind a
	// proxy that appends the header, otherwise clients pick their own key.
	TrustProxy bool
}

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter hands out one token bucket per client key.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	every    rate.Limit
	burst    int
}

// NewRateLimiter allows perMinute submissions per client with the given burst.
// Idle clients are forgotten by a sweeper that runs until ctx is done.
func NewRateLimiter(ctx context.Context, perMinute, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		every:    rate.Every(time.Minute / time.Duration(max(perMinute, 1))),
		burst:    max(burst, 1),
	}
	go rl.sweep(ctx)
	return rl
}

// reserve takes a token for key. When none is available it returns false and
// how long the client should wait.
func (rl *RateLimiter) reserve(key string) (bool, time.Duration) {
	rl.mu.Lock()
	v := rl.visitors[key]
	if v == nil {
		v = &visitor{lim: rate.NewLimiter(rl.every, rl.burst)}
		rl.visitors[key] = v
	}
	v.seen = time.Now()
	rl.mu.Unlock()

	res := v.lim.Reserve()
	if wait := res.Delay(); wait > 0 {
		res.Cancel()
		return false, wait
	}
	return true, 0
}

func (rl *RateLimiter) sweep(ctx context.Context) {
	t := time.NewTicker(visitorIdle)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			rl.evict(now.Add(-visitorIdle))
		}
	}
}

func (rl *RateLimiter) evict(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if v.seen.Before(cutoff) {
			delete(rl.visitors, key)
		}
	}
}

// limitedRoutes are the endpoints that start an analysis.
var limitedRoutes = map[string]bool{
	"/api/v1/analysis/jobs":  true,
	"/api/v1/analyze/stream": true,
}

// RateLimit throttles analysis submissions per client. Other requests pass through.
func RateLimit(ctx context.Context, opts RateLimitOptions) Middleware {
	if opts.PerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	rl := NewRateLimiter(ctx, opts.PerMinute, opts.Burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !limitedRoutes[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if ok, wait := rl.reserve(clientIP(r, opts.TrustProxy)); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the peer address. With trustProxy it returns the right-most
// X-Forwarded-For hop instead, the one the proxy itself appended; hops to its
// left come from the client and are ignored.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		fwd := r.Header.Values("X-Forwarded-For")
		if len(fwd) > 0 {
			hops := strings.Split(fwd[len(fwd)-1], ",")
			if ip := net.ParseIP(strings.TrimSpace(hops[len(hops)-1])); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
