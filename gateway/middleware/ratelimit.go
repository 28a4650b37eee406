// Package middleware carries the gateway's cross-cutting HTTP concerns:
// CORS for the admin surface, admin bearer-token auth, request
// observability, and per-caller rate limiting. The rate limiter sits in
// front of the authority pipeline as a cheap pre-authorization throttle:
// buckets are keyed by the principal found in the request context
// (PrincipalContextKey) when an earlier handler has set one, else by the
// presented API key, else by the client IP. The gateway pipeline sets the
// principal only on the request it hands to its own later stages, so a
// limiter wrapped around the gateway (as cmd/caracald wires it) keys on the
// API key or the client IP.
package middleware

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type principalContextKey struct{}

// PrincipalContextKey is the request-context key the gateway pipeline sets
// to the authenticated principal ID after stage 1. Middleware buckets by
// principal only for requests whose context already carries it when the
// limiter runs.
var PrincipalContextKey = principalContextKey{}

// WithPrincipal returns a copy of ctx carrying principalID for Middleware's
// caller-key lookup.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, principalID)
}

// RateLimit configures one named limit. Tokens maps "METHOD /path" to a
// per-request token cost; requests not listed consume DefaultTokens (or 1).
type RateLimit struct {
	RatePerSecond float64
	Burst         int
	Tokens        map[string]int
	DefaultTokens int
}

// visitorIdleTTL is how long an untouched bucket survives before the next
// sweep drops it; sweepInterval bounds how often a sweep runs.
const (
	visitorIdleTTL = 10 * time.Minute
	sweepInterval  = time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies token-bucket limits per (limit name, caller). Stale
// buckets are swept inline under the lock rather than by per-bucket
// goroutines, so an abusive caller fanning out identities cannot also fan
// out goroutines.
type RateLimiter struct {
	logger *log.Logger
	limits map[string]RateLimit
	nowFn  func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *log.Logger) *RateLimiter {
	if logger == nil {
		logger = log.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		nowFn:    time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Middleware enforces the limit registered under key. Requests for
// unregistered keys pass through untouched.
func (rl *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			cfg, ok := rl.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			caller := callerKey(req)
			limiter := rl.obtain(key+"|"+caller, cfg)
			if !limiter.AllowN(rl.nowFn(), requestCost(cfg, req)) {
				rl.logger.Printf("rate limit exceeded: limit=%s caller=%s", key, caller)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// obtain returns the bucket for id, creating it if absent and opportunistically
// sweeping idle buckets at most once per sweepInterval.
func (rl *RateLimiter) obtain(id string, cfg RateLimit) *rate.Limiter {
	now := rl.nowFn()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= sweepInterval {
		rl.lastSweep = now
		for key, v := range rl.visitors {
			if now.Sub(v.lastSeen) > visitorIdleTTL {
				delete(rl.visitors, key)
			}
		}
	}

	if v, ok := rl.visitors[id]; ok {
		v.lastSeen = now
		return v.limiter
	}

	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	v := &visitor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), lastSeen: now}
	rl.visitors[id] = v
	return v.limiter
}

func requestCost(cfg RateLimit, req *http.Request) int {
	if len(cfg.Tokens) > 0 {
		if tokens, ok := cfg.Tokens[strings.ToUpper(req.Method)+" "+req.URL.Path]; ok && tokens > 0 {
			return tokens
		}
	}
	if cfg.DefaultTokens > 0 {
		return cfg.DefaultTokens
	}
	return 1
}

// callerKey identifies who a request counts against: the authenticated
// principal when the pipeline has resolved one, else the raw API key, else
// the client IP.
func callerKey(r *http.Request) string {
	if principalID, ok := r.Context().Value(PrincipalContextKey).(string); ok && principalID != "" {
		return "principal:" + principalID
	}
	if apiKey := strings.TrimSpace(r.Header.Get("X-API-Key")); apiKey != "" {
		return "api-key:" + apiKey
	}
	return "ip:" + clientIP(r)
}

// clientIP prefers the proxy-provided headers, taking only the first
// (client-most) X-Forwarded-For hop and ignoring unparseable values.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
