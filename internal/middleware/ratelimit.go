// AngelaMos | 2026
// ratelimit.go

package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	redis_rate "github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/erisrwa/portal/internal/core"
	"github.com/erisrwa/portal/internal/metrics"
)

const keyPrefix = "ratelimit:"

// SubjectKind tells which part of the request a budget is charged to.
type SubjectKind string

const (
	SubjectUser    SubjectKind = "user"
	SubjectSession SubjectKind = "session"
	SubjectIP      SubjectKind = "ip"
)

// Subject is who a request is charged to: the resolved user, else the
// unresolved session, else the client address.
type Subject struct {
	Kind SubjectKind
	ID   string
	Tier string
}

func (s Subject) key() string {
	return keyPrefix + string(s.Kind) + ":" + s.ID
}

func SubjectOf(r *http.Request) Subject {
	ctx := r.Context()
	if p := GetPrincipal(ctx); p != nil {
		return Subject{Kind: SubjectUser, ID: p.UserID, Tier: p.Tier}
	}
	if sid := GetSessionID(ctx); sid != "" {
		return Subject{Kind: SubjectSession, ID: sid}
	}
	return Subject{Kind: SubjectIP, ID: clientIP(r)}
}

// clientIP trusts the last X-Forwarded-For hop, which is the one appended
// by our own load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		return strings.TrimSpace(hops[len(hops)-1])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func KeyByIP(r *http.Request) string {
	return Subject{Kind: SubjectIP, ID: clientIP(r)}.key()
}

func KeyBySubject(r *http.Request) string {
	return SubjectOf(r).key()
}

// KeyBySubjectAndRoute gives every caller one budget per route, so all
// assets behind /api/rwa/{id}/invest share a single bucket.
func KeyBySubjectAndRoute(r *http.Request) string {
	return SubjectOf(r).key() + ":route:" + routeOf(r)
}

func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if path := strings.TrimSuffix(r.URL.Path, "/"); path != "" {
		return path
	}
	return "/"
}

func PerMinute(requests, burst int) redis_rate.Limit {
	return redis_rate.Limit{Rate: requests, Burst: burst, Period: time.Minute}
}

func PerHour(requests, burst int) redis_rate.Limit {
	return redis_rate.Limit{Rate: requests, Burst: burst, Period: time.Hour}
}

// buckets takes tokens from redis and falls back to per-instance buckets
// while redis is unreachable.
type buckets struct {
	shared *redis_rate.Limiter
	local  *localBuckets
}

func newBuckets(rdb *redis.Client) *buckets {
	return &buckets{
		shared: redis_rate.NewLimiter(rdb),
		local:  &localBuckets{entries: make(map[string]*localBucket)},
	}
}

func (b *buckets) take(
	ctx context.Context,
	key string,
	limit redis_rate.Limit,
) *redis_rate.Result {
	res, err := b.shared.Allow(ctx, key, limit)
	if err == nil {
		return res
	}
	metrics.RateLimitFallbacks.Inc()
	slog.DebugContext(ctx, "rate limit store unavailable", "key", key, "error", err)
	return b.local.take(key, limit, time.Now())
}

const (
	localSweepEvery = 5 * time.Minute
	localIdleAfter  = 10 * time.Minute
)

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type localBuckets struct {
	mu      sync.Mutex
	entries map[string]*localBucket
	swept   time.Time
}

func (l *localBuckets) take(
	key string,
	limit redis_rate.Limit,
	now time.Time,
) *redis_rate.Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > localSweepEvery {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > localIdleAfter {
				delete(l.entries, k)
			}
		}
		l.swept = now
	}

	interval := limit.Period / time.Duration(max(limit.Rate, 1))
	e, ok := l.entries[key]
	if !ok {
		e = &localBucket{limiter: rate.NewLimiter(rate.Every(interval), limit.Burst)}
		l.entries[key] = e
	}
	e.lastSeen = now

	res := &redis_rate.Result{
		Limit:      limit,
		RetryAfter: -1,
		ResetAfter: interval,
	}
	if e.limiter.AllowN(now, 1) {
		res.Allowed = 1
	} else {
		res.RetryAfter = interval
	}
	res.Remaining = max(int(e.limiter.TokensAt(now)), 0)
	return res
}

type RateLimitConfig struct {
	// Name labels rejections in metrics.
	Name       string
	Limit      redis_rate.Limit
	KeyFunc    func(*http.Request) string
	BypassFunc func(*http.Request) bool
}

type RateLimiter struct {
	buckets *buckets
	config  RateLimitConfig
}

func NewRateLimiter(rdb *redis.Client, cfg RateLimitConfig) *RateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = KeyByIP
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &RateLimiter{buckets: newBuckets(rdb), config: cfg}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.config.BypassFunc != nil && rl.config.BypassFunc(r) {
			next.ServeHTTP(w, r)
			return
		}

		res := rl.buckets.take(r.Context(), rl.config.KeyFunc(r), rl.config.Limit)
		setRateLimitHeaders(w, res)
		if res.Allowed == 0 {
			metrics.RateLimited.WithLabelValues(
				rl.config.Name,
				string(SubjectOf(r).Kind),
			).Inc()
			writeRateLimited(w, res)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// TierLimits budgets requests by investor subscription tier.
type TierLimits struct {
	Tiers map[string]redis_rate.Limit
	// Default applies to resolved users whose tier is not listed.
	Default string
	// Unresolved applies to sessions and clients with no resolved user.
	Unresolved redis_rate.Limit
}

const unresolvedTier = "unresolved"

func (t TierLimits) limitFor(s Subject) (string, redis_rate.Limit) {
	if s.Kind != SubjectUser {
		return unresolvedTier, t.Unresolved
	}
	if limit, ok := t.Tiers[s.Tier]; ok {
		return s.Tier, limit
	}
	return t.Default, t.Tiers[t.Default]
}

// SubscriptionLimiter charges resolved users against their tier and
// everyone else against the unresolved budget, keyed by session when
// there is one.
func SubscriptionLimiter(
	rdb *redis.Client,
	limits TierLimits,
) func(http.Handler) http.Handler {
	b := newBuckets(rdb)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := SubjectOf(r)
			tier, limit := limits.limitFor(subject)

			res := b.take(r.Context(), subject.key()+":tier", limit)
			w.Header().Set("X-RateLimit-Tier", tier)
			setRateLimitHeaders(w, res)
			if res.Allowed == 0 {
				metrics.RateLimited.WithLabelValues("tier:"+tier, string(subject.Kind)).Inc()
				writeRateLimited(w, res)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, res *redis_rate.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit.Rate))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(res.ResetAfter).Unix(), 10))
	h.Set("RateLimit-Policy", fmt.Sprintf("%d;w=%d", res.Limit.Rate, int(res.Limit.Period.Seconds())))
	h.Set("RateLimit", fmt.Sprintf("%d;t=%d", res.Remaining, int(res.ResetAfter.Seconds())))
}

func writeRateLimited(w http.ResponseWriter, res *redis_rate.Result) {
	retryAfter := max(int(res.RetryAfter.Seconds()), 1)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	core.JSONError(w, core.RateLimitedError(retryAfter))
}
