// Package circuitbreaker guards upstreams with a per-route breaker
// whose state is shared across gateway instances through the cache.
// When the cache is unreachable each instance falls back to a local
// breaker with the same transitions.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/perimeterhq/perimeter/internal/errors"
	"github.com/perimeterhq/perimeter/internal/logging"
)

// Breaker states as stored in the cache.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// allowScript decides admission in one round trip. The open-to-half_open
// transition admits exactly the transitioning request as the probe;
// later requests see half_open and are rejected until the probe reports.
// KEYS: state, failures, opened_at. ARGV: now_ms, cooldown_ms, ttl_ms.
// Returns {allowed, state}.
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if state == 'open' then
  local opened_at = tonumber(redis.call('GET', KEYS[3]) or '0')
  if now - opened_at >= cooldown then
    redis.call('SET', KEYS[1], 'half_open', 'PX', ttl)
    return {1, 'half_open'}
  end
  return {0, 'open'}
end

if state == 'half_open' then
  return {0, 'half_open'}
end

return {1, 'closed'}
`)

// reportScript applies an outcome. Consecutive failures are counted in
// a window (counter TTL); any success in closed state resets the run.
// KEYS: state, failures, opened_at.
// ARGV: is_failure, threshold, window_ms, now_ms, ttl_ms.
// Returns the resulting state.
var reportScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local is_failure = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

if state == 'half_open' then
  if is_failure == 1 then
    redis.call('SET', KEYS[1], 'open', 'PX', ttl)
    redis.call('SET', KEYS[3], now, 'PX', ttl)
    redis.call('DEL', KEYS[2])
    return 'open'
  end
  redis.call('SET', KEYS[1], 'closed', 'PX', ttl)
  redis.call('DEL', KEYS[2])
  redis.call('DEL', KEYS[3])
  return 'closed'
end

if state == 'closed' then
  if is_failure == 1 then
    local failures = redis.call('INCR', KEYS[2])
    if failures == 1 then
      redis.call('PEXPIRE', KEYS[2], window)
    end
    if failures >= threshold then
      redis.call('SET', KEYS[1], 'open', 'PX', ttl)
      redis.call('SET', KEYS[3], now, 'PX', ttl)
      redis.call('DEL', KEYS[2])
      return 'open'
    end
  else
    redis.call('DEL', KEYS[2])
  end
  return 'closed'
end

return state
`)

// Config holds per-route breaker parameters.
type Config struct {
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
}

// Breaker is the shared-state circuit breaker for all routes.
type Breaker struct {
	rdb redis.UniversalClient
	cfg Config

	mu    sync.Mutex
	local map[string]*localBreaker

	now func() time.Time
}

func New(rdb redis.UniversalClient, cfg Config) *Breaker {
	cfg.applyDefaults()
	return &Breaker{
		rdb:   rdb,
		cfg:   cfg,
		local: make(map[string]*localBreaker),
		now:   time.Now,
	}
}

func (b *Breaker) keys(routeID string) []string {
	prefix := "circuit:" + routeID + ":"
	return []string{prefix + "state", prefix + "failures", prefix + "opened_at"}
}

// State keys must outlive the cooldown, or an open breaker would
// silently close on expiry.
func (b *Breaker) ttl() time.Duration {
	ttl := b.cfg.Cooldown * 4
	if w := b.cfg.FailureWindow * 2; w > ttl {
		ttl = w
	}
	return ttl
}

// Allow reports whether a request may reach the route's upstream.
// Returns ErrCircuitOpen when the breaker rejects.
func (b *Breaker) Allow(ctx context.Context, routeID string) error {
	raw, err := allowScript.Run(ctx, b.rdb, b.keys(routeID),
		b.now().UnixMilli(), b.cfg.Cooldown.Milliseconds(), b.ttl().Milliseconds()).Slice()
	if err != nil {
		logging.Warn("breaker cache unavailable, using local state",
			zap.String("route", routeID), zap.Error(err))
		if b.localFor(routeID).allow(b.now()) {
			return nil
		}
		return errors.ErrCircuitOpen
	}
	if len(raw) == 2 {
		if allowed, ok := raw[0].(int64); ok && allowed == 1 {
			return nil
		}
	}
	return errors.ErrCircuitOpen
}

// Report records an attempt outcome and returns the resulting state.
// Each proxy attempt reports once.
func (b *Breaker) Report(ctx context.Context, routeID string, failure bool) string {
	isFailure := 0
	if failure {
		isFailure = 1
	}
	state, err := reportScript.Run(ctx, b.rdb, b.keys(routeID),
		isFailure, b.cfg.FailureThreshold, b.cfg.FailureWindow.Milliseconds(),
		b.now().UnixMilli(), b.ttl().Milliseconds()).Text()
	if err != nil {
		logging.Warn("breaker report failed, updating local state",
			zap.String("route", routeID), zap.Error(err))
		lb := b.localFor(routeID)
		lb.report(b.now(), failure)
		return lb.current()
	}
	return state
}

// State returns the route's current state for health and metrics.
func (b *Breaker) State(ctx context.Context, routeID string) (string, error) {
	state, err := b.rdb.Get(ctx, "circuit:"+routeID+":state").Result()
	if err == redis.Nil {
		return StateClosed, nil
	}
	if err != nil {
		return "", fmt.Errorf("circuitbreaker: read state: %w", err)
	}
	return state, nil
}

func (b *Breaker) localFor(routeID string) *localBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	lb, ok := b.local[routeID]
	if !ok {
		lb = newLocalBreaker(b.cfg)
		b.local[routeID] = lb
	}
	return lb
}
