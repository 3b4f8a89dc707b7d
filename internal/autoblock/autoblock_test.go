package autoblock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/perimeterhq/perimeter/internal/model"
	"github.com/perimeterhq/perimeter/internal/store"
)

func newBlocker(t *testing.T) (*Blocker, *store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	return New(rdb, st.IPRules, st.Audit), st, mr
}

func TestRecordBlocksAtThreshold(t *testing.T) {
	b, st, _ := newBlocker(t)
	ctx := context.Background()
	ip := "203.0.113.9"

	// invalid_api_key threshold is 10
	for i := 0; i < 9; i++ {
		b.Record(ctx, KindInvalidAPIKey, ip)
	}
	active, err := st.IPRules.ActiveForIP(ctx, ip)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Fatalf("blocked before threshold: %+v", active)
	}

	b.Record(ctx, KindInvalidAPIKey, ip)

	active, err = st.IPRules.ActiveForIP(ctx, ip)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("expected one block rule, got %d", len(active))
	}
	rule := active[0]
	if rule.RuleType != model.RuleBlock || !rule.AutoBlocked {
		t.Errorf("rule: %+v", rule)
	}
	if rule.ExpiresAt == nil || time.Until(*rule.ExpiresAt) > time.Hour+time.Minute {
		t.Errorf("expiry: %v", rule.ExpiresAt)
	}

	events, err := st.Audit.List(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != "ip_auto_blocked" {
		t.Errorf("audit events: %+v", events)
	}
}

func TestRecordClearsCounterAfterBlock(t *testing.T) {
	b, _, mr := newBlocker(t)
	ctx := context.Background()
	ip := "203.0.113.10"

	for i := 0; i < 10; i++ {
		b.Record(ctx, KindInvalidAPIKey, ip)
	}
	if mr.Exists(violationKey(KindInvalidAPIKey, ip)) {
		t.Error("counter not cleared after block")
	}
}

func TestCounterWindowSlidesPerObservationPeriod(t *testing.T) {
	b, _, mr := newBlocker(t)
	ctx := context.Background()
	ip := "203.0.113.11"

	b.Record(ctx, KindInvalidToken, ip)
	b.Record(ctx, KindInvalidToken, ip)

	// TTL was set on the first increment only; expiring the key resets
	// the window and the count.
	mr.FastForward(61 * time.Second)
	if mr.Exists(violationKey(KindInvalidToken, ip)) {
		t.Fatal("counter should expire with the observation window")
	}

	b.Record(ctx, KindInvalidToken, ip)
	got, err := mr.Get(violationKey(KindInvalidToken, ip))
	if err != nil {
		t.Fatal(err)
	}
	if got != "1" {
		t.Errorf("count after window reset = %s, want 1", got)
	}
}

func TestLoopbackAndAllowlistedExempt(t *testing.T) {
	b, st, mr := newBlocker(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		b.Record(ctx, KindInvalidAPIKey, "127.0.0.1")
	}
	if mr.Exists(violationKey(KindInvalidAPIKey, "127.0.0.1")) {
		t.Error("loopback should not accumulate violations")
	}

	allowed := "198.51.100.40"
	if err := st.IPRules.Create(ctx, &model.IPRule{
		IPAddress: allowed,
		RuleType:  model.RuleAllow,
		Reason:    "office egress",
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		b.Record(ctx, KindInvalidAPIKey, allowed)
	}
	if mr.Exists(violationKey(KindInvalidAPIKey, allowed)) {
		t.Error("allowlisted IP should not accumulate violations")
	}
}

func TestClearAll(t *testing.T) {
	b, _, mr := newBlocker(t)
	ctx := context.Background()
	ip := "203.0.113.12"

	b.Record(ctx, KindInvalidToken, ip)
	b.Record(ctx, KindAuthFailure, ip)

	b.ClearAll(ctx, ip)

	for _, kind := range Kinds {
		if mr.Exists(violationKey(kind, ip)) {
			t.Errorf("counter %s survived ClearAll", kind)
		}
	}
}
