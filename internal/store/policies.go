package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/perimeterhq/perimeter/internal/model"
)

// PolicyRepo persists rate-limit policies. (api_definition_id, tier) is
// unique; tier '' is the default policy for all tiers.
type PolicyRepo struct {
	db *sqlx.DB
}

// Create inserts a policy after validation.
func (r *PolicyRepo) Create(ctx context.Context, p *model.RateLimitPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now().UTC()
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO rate_limit_policies (id, api_definition_id, tier, strategy, capacity, refill_rate, window_seconds, failure_mode, created_at)
		VALUES (:id, :api_definition_id, :tier, :strategy, :capacity, :refill_rate, :window_seconds, :failure_mode, :created_at)`, p)
	return translateErr(err)
}

// Upsert replaces the policy for (route, tier), used by config seeding.
func (r *PolicyRepo) Upsert(ctx context.Context, p *model.RateLimitPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now().UTC()
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO rate_limit_policies (id, api_definition_id, tier, strategy, capacity, refill_rate, window_seconds, failure_mode, created_at)
		VALUES (:id, :api_definition_id, :tier, :strategy, :capacity, :refill_rate, :window_seconds, :failure_mode, :created_at)
		ON CONFLICT (api_definition_id, tier) DO UPDATE SET
		    strategy = excluded.strategy, capacity = excluded.capacity,
		    refill_rate = excluded.refill_rate, window_seconds = excluded.window_seconds,
		    failure_mode = excluded.failure_mode`, p)
	return translateErr(err)
}

// ListByRoute returns all policies for a route.
func (r *PolicyRepo) ListByRoute(ctx context.Context, routeID string) ([]model.RateLimitPolicy, error) {
	var pols []model.RateLimitPolicy
	err := r.db.SelectContext(ctx, &pols, `
		SELECT * FROM rate_limit_policies WHERE api_definition_id = ? ORDER BY tier`, routeID)
	return pols, translateErr(err)
}

// List returns every policy, grouped by route then tier.
func (r *PolicyRepo) List(ctx context.Context) ([]model.RateLimitPolicy, error) {
	var pols []model.RateLimitPolicy
	err := r.db.SelectContext(ctx, &pols, `
		SELECT * FROM rate_limit_policies ORDER BY api_definition_id, tier`)
	return pols, translateErr(err)
}

// Delete removes a policy.
func (r *PolicyRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rate_limit_policies WHERE id = ?`, id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
