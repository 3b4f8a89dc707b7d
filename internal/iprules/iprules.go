// Package iprules enforces IP block and allow rules. Block decisions
// are cached in the shared cache so repeat offenders are rejected
// without a database read on every request.
package iprules

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/perimeterhq/perimeter/internal/errors"
	"github.com/perimeterhq/perimeter/internal/logging"
	"github.com/perimeterhq/perimeter/internal/middleware"
	"github.com/perimeterhq/perimeter/internal/model"
	"github.com/perimeterhq/perimeter/internal/reqctx"
	"github.com/perimeterhq/perimeter/internal/store"
)

const blockedPrefix = "blocked_ip:"

// maxCacheTTL caps how long a block decision is cached, so manual
// unblocks take effect within this bound even without invalidation.
const maxCacheTTL = 5 * time.Minute

// Checker resolves whether an IP may pass the gateway.
type Checker struct {
	rdb   redis.UniversalClient
	rules *store.IPRuleRepo

	now func() time.Time
}

func NewChecker(rdb redis.UniversalClient, rules *store.IPRuleRepo) *Checker {
	return &Checker{rdb: rdb, rules: rules, now: time.Now}
}

// Check returns nil when ip may pass, ErrIPBlocked when an active
// block rule matches, and ErrIPNotAllowed when allowlist mode is in
// force and ip has no allow rule. Database failures fail open.
func (c *Checker) Check(ctx context.Context, ip string) error {
	if v, err := c.rdb.Get(ctx, blockedPrefix+ip).Result(); err == nil && v == "1" {
		return errors.ErrIPBlocked
	}

	active, err := c.rules.ActiveForIP(ctx, ip)
	if err != nil {
		logging.Warn("ip rule lookup failed, allowing", zap.String("ip", ip), zap.Error(err))
		return nil
	}

	hasAllow := false
	for i := range active {
		switch active[i].RuleType {
		case model.RuleBlock:
			c.cacheBlock(ctx, ip, &active[i])
			return errors.ErrIPBlocked
		case model.RuleAllow:
			hasAllow = true
		}
	}

	if hasAllow {
		return nil
	}
	allowMode, err := c.rules.HasActiveAllowRules(ctx)
	if err != nil {
		logging.Warn("allowlist mode lookup failed, allowing", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	if allowMode {
		return errors.ErrIPNotAllowed
	}
	return nil
}

// Invalidate drops the cached block decision for ip. Called after a
// manual unblock so it takes effect immediately on this keyspace.
func (c *Checker) Invalidate(ctx context.Context, ip string) error {
	return c.rdb.Del(ctx, blockedPrefix+ip).Err()
}

// cacheBlock stores the decision until the rule expires, capped at
// maxCacheTTL. Cache errors only cost the fast path.
func (c *Checker) cacheBlock(ctx context.Context, ip string, rule *model.IPRule) {
	ttl := maxCacheTTL
	if rule.ExpiresAt != nil {
		if remaining := rule.ExpiresAt.Sub(c.now()); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}
	if err := c.rdb.Set(ctx, blockedPrefix+ip, "1", ttl).Err(); err != nil {
		logging.Warn("block decision cache write failed", zap.String("ip", ip), zap.Error(err))
	}
}

// Middleware is the pipeline stage: it rejects requests from blocked
// or non-allowlisted IPs before any credential work happens.
func Middleware(c *Checker) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.From(r)
			if err := c.Check(r.Context(), rc.ClientIP); err != nil {
				errors.AsGatewayError(err).WithRequestID(rc.RequestID).WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
