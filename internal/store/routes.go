package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/perimeterhq/perimeter/internal/model"
)

// RouteRepo persists API definitions (proxyable routes).
type RouteRepo struct {
	db *sqlx.DB
}

// Create inserts a route after validation.
func (r *RouteRepo) Create(ctx context.Context, d *model.APIDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO api_definitions (id, name, route_pattern, backend_url, allowed_methods, required_scope, enabled, created_at, updated_at)
		VALUES (:id, :name, :route_pattern, :backend_url, :allowed_methods, :required_scope, :enabled, :created_at, :updated_at)`, d)
	return translateErr(err)
}

// Upsert inserts or replaces a route keyed by its unique name. Used by
// config seeding; keeps the existing id and created_at when present.
func (r *RouteRepo) Upsert(ctx context.Context, d *model.APIDefinition) error {
	existing, err := r.GetByName(ctx, d.Name)
	switch {
	case err == nil:
		d.ID = existing.ID
		d.CreatedAt = existing.CreatedAt
		d.UpdatedAt = time.Now().UTC()
		if err := d.Validate(); err != nil {
			return err
		}
		_, err := r.db.NamedExecContext(ctx, `
			UPDATE api_definitions
			SET route_pattern = :route_pattern, backend_url = :backend_url,
			    allowed_methods = :allowed_methods, required_scope = :required_scope,
			    enabled = :enabled, updated_at = :updated_at
			WHERE id = :id`, d)
		return translateErr(err)
	case errors.Is(err, ErrNotFound):
		return r.Create(ctx, d)
	default:
		return err
	}
}

// GetByID returns a route by id.
func (r *RouteRepo) GetByID(ctx context.Context, id string) (*model.APIDefinition, error) {
	var d model.APIDefinition
	err := r.db.GetContext(ctx, &d, `SELECT * FROM api_definitions WHERE id = ?`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return &d, nil
}

// GetByName returns a route by its unique slug.
func (r *RouteRepo) GetByName(ctx context.Context, name string) (*model.APIDefinition, error) {
	var d model.APIDefinition
	err := r.db.GetContext(ctx, &d, `SELECT * FROM api_definitions WHERE name = ?`, name)
	if err != nil {
		return nil, translateErr(err)
	}
	return &d, nil
}

// ListEnabled returns enabled routes in registration order. Matching
// picks the first hit, so order is part of the contract.
func (r *RouteRepo) ListEnabled(ctx context.Context) ([]model.APIDefinition, error) {
	var defs []model.APIDefinition
	err := r.db.SelectContext(ctx, &defs, `
		SELECT * FROM api_definitions WHERE enabled = 1 ORDER BY created_at, id`)
	return defs, translateErr(err)
}

// List returns every route, enabled or not, in registration order.
func (r *RouteRepo) List(ctx context.Context) ([]model.APIDefinition, error) {
	var defs []model.APIDefinition
	err := r.db.SelectContext(ctx, &defs, `
		SELECT * FROM api_definitions ORDER BY created_at, id`)
	return defs, translateErr(err)
}

// SetEnabled toggles a route.
func (r *RouteRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_definitions SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a route; its policies cascade.
func (r *RouteRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_definitions WHERE id = ?`, id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
