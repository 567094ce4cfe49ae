package httpx

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// rateRule is the allowance for one route. Subjects on different routes
// never share a window.
type rateRule struct {
	route  string
	limit  int
	window time.Duration
}

func (rr rateRule) windowOrDefault() time.Duration {
	if rr.window <= 0 {
		return time.Minute
	}
	return rr.window
}

// RateLimiter counts a subject's requests against a route's rule in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, rule rateRule, subject string) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// memoryRateLimiter keeps one bucket table per route.
type memoryRateLimiter struct {
	mu     sync.Mutex
	routes map[string]map[string]rateWindow
	stopCh chan struct{}
	once   sync.Once
	now    func() time.Time
}

type rateWindow struct {
	count int
	ends  time.Time
}

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		routes: make(map[string]map[string]rateWindow),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryRateLimiter) Allow(_ context.Context, rule rateRule, subject string) rateDecision {
	if rule.limit <= 0 {
		return rateDecision{allowed: true}
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	buckets, ok := rl.routes[rule.route]
	if !ok {
		buckets = make(map[string]rateWindow)
		rl.routes[rule.route] = buckets
	}
	w := buckets[subject]
	if now.After(w.ends) {
		w = rateWindow{ends: now.Add(rule.windowOrDefault())}
	}
	if w.count >= rule.limit {
		return rateDecision{count: w.count, windowEnd: w.ends}
	}
	w.count++
	buckets[subject] = w
	return rateDecision{allowed: true, count: w.count, windowEnd: w.ends}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

// sweep drops expired windows and routes left without any.
func (rl *memoryRateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for route, buckets := range rl.routes {
		for subject, w := range buckets {
			if now.After(w.ends) {
				delete(buckets, subject)
			}
		}
		if len(buckets) == 0 {
			delete(rl.routes, route)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}

func (r *Router) withRateLimit(rule rateRule, subjectFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if rule.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		subject := subjectFn(req)
		if subject == "" {
			subject = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(req.Context(), rule, subject)
		r.applyRateHeaders(w, rule.limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(rule.route, rateMetricKey(subject))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// authRate authenticates first so the limit is charged to the user.
func (r *Router) authRate(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(rule, rateLimitKeyUser, next))
}

func rateLimitKeyUser(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
		return "user:" + info.UserID
	}
	return ""
}

func rateLimitKeyIP(req *http.Request) string {
	host := clientIP(req)
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

func rateMetricKey(subject string) string {
	if idx := strings.IndexRune(subject, ':'); idx > 0 {
		return subject[:idx]
	}
	if subject == "" {
		return "unknown"
	}
	return subject
}
