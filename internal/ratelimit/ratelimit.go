// Package ratelimit provides the token-bucket limiter the outbound
// transport consults: one bucket per logical route plus a single global
// bucket, with route buckets tightened from response metadata.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config contains limiter configuration.
type Config struct {
	GlobalRate  float64
	GlobalBurst int
	RouteRate   float64
	RouteBurst  int
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		GlobalRate:  50,
		GlobalBurst: 50,
		RouteRate:   1,
		RouteBurst:  5,
	}
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type routeState struct {
	limiter      *rate.Limiter
	blockedUntil time.Time
}

// Limiter implements per-route token buckets behind one global bucket.
type Limiter struct {
	config Config
	global *rate.Limiter
	now    func() time.Time

	mu     sync.Mutex
	routes map[string]*routeState
}

// New creates a limiter.
func New(config Config) *Limiter {
	return &Limiter{
		config: config,
		global: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		now:    time.Now,
		routes: make(map[string]*routeState),
	}
}

func (l *Limiter) route(name string) *routeState {
	if state, ok := l.routes[name]; ok {
		return state
	}
	state := &routeState{
		limiter: rate.NewLimiter(rate.Limit(l.config.RouteRate), l.config.RouteBurst),
	}
	l.routes[name] = state
	return state
}

// Check consumes one token for the route if both the global and the
// route bucket allow it, and otherwise reports how long to wait.
func (l *Limiter) Check(routeName string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state := l.route(routeName)

	if now.Before(state.blockedUntil) {
		return Decision{RetryAfter: state.blockedUntil.Sub(now)}
	}

	globalRes := l.global.ReserveN(now, 1)
	if delay := globalRes.DelayFrom(now); delay > 0 {
		globalRes.CancelAt(now)
		return Decision{RetryAfter: delay}
	}

	routeRes := state.limiter.ReserveN(now, 1)
	if delay := routeRes.DelayFrom(now); delay > 0 {
		routeRes.CancelAt(now)
		globalRes.CancelAt(now)
		return Decision{RetryAfter: delay}
	}

	return Decision{Allowed: true}
}

// UpdateFromResponse tightens a route bucket from response metadata:
// the route is blocked for retryAfter regardless of available tokens.
func (l *Limiter) UpdateFromResponse(routeName string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.route(routeName)
	until := l.now().Add(retryAfter)
	if until.After(state.blockedUntil) {
		state.blockedUntil = until
	}
}
