package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit bounds per-client request throughput.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// RateLimiter applies a token-bucket limit per client address.
type RateLimiter struct {
	limit  RateLimit
	logger *slog.Logger

	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// NewRateLimiter constructs a per-client limiter. A non-positive rate
// disables limiting.
func NewRateLimiter(limit RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limit:    limit,
		logger:   logger,
		visitors: make(map[string]*rate.Limiter),
	}
}

// Middleware enforces the limit on every request.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.limit.RequestsPerMinute <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		if !r.limiterFor(clientID(req)).Allow() {
			r.logger.Warn("request rate limited", "client", clientID(req), "path", req.URL.Path)
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) limiterFor(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.visitors[id]
	if ok {
		return limiter
	}
	burst := r.limit.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), burst)
	r.visitors[id] = limiter
	return limiter
}

func clientID(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
