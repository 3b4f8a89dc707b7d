// Package ratelimit runs per-policy rate-limit strategies as atomic
// scripts on the shared cache.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perimeterhq/perimeter/internal/model"
)

const keyPrefix = "ratelimit:"

// concurrencyRetryHint is returned on concurrency denials; release
// time is unpredictable, so the hint is a small constant.
const concurrencyRetryHint = time.Second

// Decision is one strategy verdict.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Time
}

// Releaser returns a concurrency slot. Non-concurrency strategies get
// a no-op so callers can always defer it.
type Releaser func()

// Config tunes the limiter.
type Config struct {
	// OpTimeout bounds each script call so a slow cache cannot stall
	// the hot path.
	OpTimeout time.Duration
	// ConcurrencyTTL is the slot-leak recovery window.
	ConcurrencyTTL time.Duration
}

// Limiter executes rate-limit policies against the shared cache.
type Limiter struct {
	rdb            redis.UniversalClient
	opTimeout      time.Duration
	concurrencyTTL time.Duration

	now func() time.Time
}

func New(rdb redis.UniversalClient, cfg Config) *Limiter {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 100 * time.Millisecond
	}
	if cfg.ConcurrencyTTL <= 0 {
		cfg.ConcurrencyTTL = time.Minute
	}
	return &Limiter{
		rdb:            rdb,
		opTimeout:      cfg.OpTimeout,
		concurrencyTTL: cfg.ConcurrencyTTL,
		now:            time.Now,
	}
}

func baseKey(strategy model.Strategy, routeID string, tier model.Tier, identifier string) string {
	return fmt.Sprintf("%s%s:%s:%s:%s", keyPrefix, strategy, routeID, tier, identifier)
}

// Allow runs policy's strategy for one request. The returned Releaser
// must be called exactly once after the response completes; it is a
// no-op for every strategy but concurrency and for denials.
func (l *Limiter) Allow(ctx context.Context, policy *model.RateLimitPolicy, tier model.Tier, identifier string) (*Decision, Releaser, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()

	now := l.now()
	key := baseKey(policy.Strategy, policy.APIDefinitionID, tier, identifier)

	var (
		raw []int64
		err error
	)
	switch policy.Strategy {
	case model.TokenBucket:
		raw, err = l.runBucket(ctx, tokenBucketScript, key, policy, now)
	case model.LeakyBucket:
		raw, err = l.runBucket(ctx, leakyBucketScript, key, policy, now)
	case model.FixedWindow:
		raw, err = l.runFixedWindow(ctx, key, policy, now)
	case model.SlidingWindow:
		raw, err = l.runSlidingWindow(ctx, key, policy, now)
	case model.Concurrency:
		return l.acquire(ctx, key, policy)
	default:
		return nil, noopRelease, fmt.Errorf("ratelimit: unknown strategy %q", policy.Strategy)
	}
	if err != nil {
		return nil, noopRelease, fmt.Errorf("ratelimit: %s check: %w", policy.Strategy, err)
	}
	return decode(raw, policy.Capacity), noopRelease, nil
}

func noopRelease() {}

func decode(raw []int64, capacity int) *Decision {
	d := &Decision{Limit: capacity}
	if len(raw) != 4 {
		return d
	}
	d.Allowed = raw[0] == 1
	d.Remaining = int(raw[1])
	d.RetryAfter = time.Duration(raw[2]) * time.Millisecond
	if raw[3] > 0 {
		d.Reset = time.UnixMilli(raw[3])
	}
	return d
}

// runBucket serves both bucket strategies; they share the argument
// shape. TTL is twice the full drain/refill time, floored at a minute,
// so idle state expires but active state never does.
func (l *Limiter) runBucket(ctx context.Context, script *redis.Script, key string, policy *model.RateLimitPolicy, now time.Time) ([]int64, error) {
	ttl := time.Duration(2*float64(policy.Capacity)/policy.RefillRate) * time.Second
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return script.Run(ctx, l.rdb, []string{key},
		now.UnixMilli(), policy.Capacity, policy.RefillRate, ttl.Milliseconds()).Int64Slice()
}

func (l *Limiter) runFixedWindow(ctx context.Context, key string, policy *model.RateLimitPolicy, now time.Time) ([]int64, error) {
	windowMs := int64(policy.WindowSeconds) * 1000
	nowMs := now.UnixMilli()
	windowStart := nowMs - nowMs%windowMs
	bucketKey := fmt.Sprintf("%s:%d", key, windowStart)

	return fixedWindowScript.Run(ctx, l.rdb, []string{bucketKey},
		policy.Capacity, windowMs, windowStart+windowMs, nowMs).Int64Slice()
}

func (l *Limiter) runSlidingWindow(ctx context.Context, key string, policy *model.RateLimitPolicy, now time.Time) ([]int64, error) {
	windowMs := int64(policy.WindowSeconds) * 1000
	nowMs := now.UnixMilli()
	windowStart := nowMs - nowMs%windowMs
	currentKey := fmt.Sprintf("%s:%d", key, windowStart)
	previousKey := fmt.Sprintf("%s:%d", key, windowStart-windowMs)

	return slidingWindowScript.Run(ctx, l.rdb, []string{currentKey, previousKey},
		policy.Capacity, windowMs, windowStart, nowMs).Int64Slice()
}

func (l *Limiter) acquire(ctx context.Context, key string, policy *model.RateLimitPolicy) (*Decision, Releaser, error) {
	raw, err := concurrencyAcquireScript.Run(ctx, l.rdb, []string{key},
		policy.Capacity, l.concurrencyTTL.Milliseconds(),
		concurrencyRetryHint.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, noopRelease, fmt.Errorf("ratelimit: concurrency acquire: %w", err)
	}

	d := decode(raw, policy.Capacity)
	if !d.Allowed {
		return d, noopRelease, nil
	}
	return d, l.releaser(key), nil
}

// releaser returns the slot exactly once, with its own timeout so
// release still runs when the request context is gone.
func (l *Limiter) releaser(key string) Releaser {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.Background(), l.opTimeout)
		defer cancel()
		concurrencyReleaseScript.Run(ctx, l.rdb, []string{key})
	}
}
