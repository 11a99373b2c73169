// Package ratelimit provides a fixed-window request limiter shared across
// engine instances through redis.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/visionarychurch/followup/internal/logging"
)

// Limit is the number of requests allowed per window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimits applies to the public, unauthenticated endpoints.
var DefaultLimits = map[string]Limit{
	"triggers":    {Requests: 600, Window: time.Minute},
	"unsubscribe": {Requests: 30, Window: time.Minute},
	"webhooks":    {Requests: 1200, Window: time.Minute},
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// Limiter counts requests per (route, client) in redis. Counters are
// incremented atomically and expire with their window, so every engine
// instance sees the same count.
type Limiter struct {
	rdb      redis.UniversalClient
	prefix   string
	limits   map[string]Limit
	fallback Limit
	enabled  bool
	logger   zerolog.Logger

	requestCount atomic.Int64
	deniedCount  atomic.Int64
}

// Option configures the Limiter.
type Option func(*Limiter)

// WithRouteLimits sets custom limits for specific routes.
func WithRouteLimits(limits map[string]Limit) Option {
	return func(l *Limiter) {
		for route, limit := range limits {
			l.limits[route] = limit
		}
	}
}

// WithDefaultLimit applies to routes without their own limit. A zero limit
// leaves such routes unlimited.
func WithDefaultLimit(limit Limit) Option {
	return func(l *Limiter) {
		l.fallback = limit
	}
}

// WithEnabled enables or disables rate limiting.
func WithEnabled(enabled bool) Option {
	return func(l *Limiter) {
		l.enabled = enabled
	}
}

// WithPrefix namespaces the redis keys.
func WithPrefix(prefix string) Option {
	return func(l *Limiter) {
		l.prefix = prefix
	}
}

// New creates a limiter over rdb.
func New(rdb redis.UniversalClient, opts ...Option) *Limiter {
	l := &Limiter{
		rdb:     rdb,
		prefix:  "followup:ratelimit",
		limits:  make(map[string]Limit),
		enabled: rdb != nil,
		logger:  logging.Component("ratelimit"),
	}
	for route, limit := range DefaultLimits {
		l.limits[route] = limit
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.rdb == nil {
		l.enabled = false
	}
	return l
}

// Allow counts one request from client against route's limit. Redis
// failures allow the request.
func (l *Limiter) Allow(ctx context.Context, route, client string) (Decision, error) {
	limit, ok := l.limitFor(route)
	if !l.enabled || !ok {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	l.requestCount.Add(1)

	key := fmt.Sprintf("%s:%s:%s", l.prefix, route, client)
	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return Decision{Allowed: true, Remaining: -1}, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	if count == 1 {
		if err := l.rdb.PExpire(ctx, key, limit.Window).Err(); err != nil {
			return Decision{Allowed: true, Remaining: -1}, fmt.Errorf("failed to set rate window: %w", err)
		}
	}

	ttl, err := l.rdb.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		// A counter without expiry would block the client forever.
		if ttl == -1 {
			_ = l.rdb.PExpire(ctx, key, limit.Window).Err()
		}
		ttl = limit.Window
	}

	d := Decision{
		Allowed:   count <= int64(limit.Requests),
		Remaining: max(0, limit.Requests-int(count)),
		ResetIn:   ttl,
	}
	if !d.Allowed {
		l.deniedCount.Add(1)
	}
	return d, nil
}

func (l *Limiter) limitFor(route string) (Limit, bool) {
	if limit, ok := l.limits[route]; ok && limit.Requests > 0 && limit.Window > 0 {
		return limit, true
	}
	if l.fallback.Requests > 0 && l.fallback.Window > 0 {
		return l.fallback, true
	}
	return Limit{}, false
}

// Stats returns request and denied counts seen by this instance.
func (l *Limiter) Stats() (requests, denied int64) {
	return l.requestCount.Load(), l.deniedCount.Load()
}

// Middleware limits requests to route by client address and answers 429
// with Retry-After when the window is exhausted.
func (l *Limiter) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), route, ClientKey(r))
			if err != nil {
				l.logger.Warn().Err(err).Str("route", route).Msg("rate limiter unavailable, allowing request")
			}
			if d.Remaining >= 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int((d.ResetIn+time.Second-1)/time.Second)))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the caller by tenant header and remote host.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" {
		return tenant + "|" + host
	}
	return host
}
