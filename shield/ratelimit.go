package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the rate limit for a single endpoint.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter provides per-IP, per-endpoint fixed-window rate limiting.
// Endpoints are keyed "METHOD /path"; requests to endpoints without a rule
// pass through.
type RateLimiter struct {
	rules   map[string]RateLimitConfig
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter creates a rate limiter for rules. Call StartGC to drop
// expired buckets periodically.
func NewRateLimiter(rules map[string]RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		rules:   rules,
		logger:  logger,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// StartGC removes expired buckets every interval until done is closed.
func (rl *RateLimiter) StartGC(interval time.Duration, done <-chan struct{}) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
}

// allow reports whether the request may proceed, and if not, how long until
// the window resets.
func (rl *RateLimiter) allow(ip, endpoint string) (bool, time.Duration) {
	cfg, ok := rl.rules[endpoint]
	if !ok || cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return true, 0
	}

	key := ip + ":" + endpoint
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(cfg.Window)}
		return true, 0
	}
	b.count++
	if b.count <= cfg.MaxRequests {
		return true, 0
	}
	return false, b.resetAt.Sub(now)
}

// Middleware is the HTTP middleware that enforces rate limits. Blocked
// requests get 429 with a JSON error and Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)

		ok, wait := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		rl.logger.Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint)

		secs := int(wait.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"code":    "ERROR",
			"message": "muitas requisições, tente novamente em instantes",
			"details": nil,
		})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
