// Package autoblock tracks per-IP violation counters in the shared
// cache and promotes repeat offenders to temporary block rules.
package autoblock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/perimeterhq/perimeter/internal/logging"
	"github.com/perimeterhq/perimeter/internal/model"
	"github.com/perimeterhq/perimeter/internal/realip"
	"github.com/perimeterhq/perimeter/internal/store"
)

// Kind classifies a violation.
type Kind string

const (
	KindInvalidAPIKey  Kind = "invalid_api_key"
	KindInvalidToken   Kind = "invalid_token"
	KindRateLimitAbuse Kind = "rate_limit_abuse"
	KindAuthFailure    Kind = "auth_failure"
)

// Kinds lists every violation kind, in counter-clearing order.
var Kinds = []Kind{KindInvalidAPIKey, KindInvalidToken, KindRateLimitAbuse, KindAuthFailure}

// threshold / observation window / block duration per kind.
type rule struct {
	Threshold int64
	Window    time.Duration
	Block     time.Duration
}

var rules = map[Kind]rule{
	KindInvalidAPIKey:  {Threshold: 10, Window: time.Minute, Block: time.Hour},
	KindInvalidToken:   {Threshold: 20, Window: time.Minute, Block: time.Hour},
	KindRateLimitAbuse: {Threshold: 50, Window: 5 * time.Minute, Block: 30 * time.Minute},
	KindAuthFailure:    {Threshold: 30, Window: 5 * time.Minute, Block: 2 * time.Hour},
}

// recordScript increments the violation counter and sets the window
// TTL only on the first hit, so the window slides per observation
// period rather than per violation.
var recordScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// Blocker records violations and creates auto block rules when a
// counter crosses its threshold.
type Blocker struct {
	rdb   redis.UniversalClient
	rules *store.IPRuleRepo
	audit *store.AuditRepo

	now func() time.Time
}

func New(rdb redis.UniversalClient, rules *store.IPRuleRepo, audit *store.AuditRepo) *Blocker {
	return &Blocker{rdb: rdb, rules: rules, audit: audit, now: time.Now}
}

func violationKey(kind Kind, ip string) string {
	return fmt.Sprintf("violations:%s:%s", kind, ip)
}

// Record notes one violation of kind by ip. Loopback addresses and IPs
// with an active allow rule are exempt. When the counter reaches the
// kind's threshold an expiring block rule is created, an audit event is
// written and the counter is cleared. Errors are logged, not returned:
// the blocker must never fail the request that reported the violation.
func (b *Blocker) Record(ctx context.Context, kind Kind, ip string) {
	r, ok := rules[kind]
	if !ok || ip == "" {
		return
	}
	if b.exempt(ctx, ip) {
		return
	}

	count, err := recordScript.Run(ctx, b.rdb, []string{violationKey(kind, ip)},
		int(r.Window.Seconds())).Int64()
	if err != nil {
		logging.Warn("violation counter update failed",
			zap.String("kind", string(kind)), zap.String("ip", ip), zap.Error(err))
		return
	}
	if count < r.Threshold {
		return
	}

	b.block(ctx, kind, ip, count, r)
}

func (b *Blocker) block(ctx context.Context, kind Kind, ip string, count int64, r rule) {
	expires := b.now().Add(r.Block)
	blockRule := &model.IPRule{
		IPAddress:   ip,
		RuleType:    model.RuleBlock,
		Reason:      fmt.Sprintf("auto-blocked: %d %s violations", count, kind),
		AutoBlocked: true,
		ExpiresAt:   &expires,
	}
	if err := b.rules.Create(ctx, blockRule); err != nil {
		logging.Error("auto-block rule creation failed",
			zap.String("ip", ip), zap.Error(err))
		return
	}

	if err := b.audit.Append(ctx, &model.AuditEvent{
		EventType:    "ip_auto_blocked",
		ActorIP:      ip,
		ResourceType: "ip_rule",
		ResourceID:   blockRule.ID,
		Metadata:     fmt.Sprintf(`{"kind":%q,"count":%d,"block_seconds":%d}`, kind, count, int(r.Block.Seconds())),
	}); err != nil {
		logging.Error("auto-block audit write failed", zap.String("ip", ip), zap.Error(err))
	}

	b.rdb.Del(ctx, violationKey(kind, ip))

	logging.Warn("ip auto-blocked",
		zap.String("ip", ip),
		zap.String("kind", string(kind)),
		zap.Int64("violations", count),
		zap.Time("expires_at", expires),
	)
}

// ClearAll removes every violation counter for ip. Called on
// successful authentication.
func (b *Blocker) ClearAll(ctx context.Context, ip string) {
	keys := make([]string, 0, len(Kinds))
	for _, kind := range Kinds {
		keys = append(keys, violationKey(kind, ip))
	}
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		logging.Warn("violation counter clear failed", zap.String("ip", ip), zap.Error(err))
	}
}

func (b *Blocker) exempt(ctx context.Context, ip string) bool {
	if realip.IsLoopback(ip) {
		return true
	}
	active, err := b.rules.ActiveForIP(ctx, ip)
	if err != nil {
		return false
	}
	for i := range active {
		if active[i].RuleType == model.RuleAllow {
			return true
		}
	}
	return false
}
