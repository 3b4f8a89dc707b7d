package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/perimeterhq/perimeter/internal/model"
)

// APIKeyRepo persists API keys. Only digests are stored; plaintext key
// material never reaches this layer.
type APIKeyRepo struct {
	db *sqlx.DB
}

// Create inserts a new key record.
func (r *APIKeyRepo) Create(ctx context.Context, k *model.APIKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	k.CreatedAt = time.Now().UTC()
	if k.Status == "" {
		k.Status = model.KeyActive
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, key_digest, prefix, display_name, scopes, status, expires_at, last_used_at, created_at)
		VALUES (:id, :user_id, :key_digest, :prefix, :display_name, :scopes, :status, :expires_at, :last_used_at, :created_at)`, k)
	return translateErr(err)
}

// GetByDigest looks a key up by its one-way digest. This is the hot-path
// authentication query.
func (r *APIKeyRepo) GetByDigest(ctx context.Context, digest string) (*model.APIKey, error) {
	var k model.APIKey
	err := r.db.GetContext(ctx, &k, `SELECT * FROM api_keys WHERE key_digest = ?`, digest)
	if err != nil {
		return nil, translateErr(err)
	}
	return &k, nil
}

// GetByID returns a key by id.
func (r *APIKeyRepo) GetByID(ctx context.Context, id string) (*model.APIKey, error) {
	var k model.APIKey
	err := r.db.GetContext(ctx, &k, `SELECT * FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return &k, nil
}

// ListByUser returns all keys owned by a user.
func (r *APIKeyRepo) ListByUser(ctx context.Context, userID string) ([]model.APIKey, error) {
	var keys []model.APIKey
	err := r.db.SelectContext(ctx, &keys, `
		SELECT * FROM api_keys WHERE user_id = ? ORDER BY created_at`, userID)
	return keys, translateErr(err)
}

// TouchLastUsed updates last_used_at. Best-effort; callers fire and forget.
func (r *APIKeyRepo) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return translateErr(err)
}

// SetStatus moves a key through its lifecycle (active/revoked/deprecated).
func (r *APIKeyRepo) SetStatus(ctx context.Context, id string, status model.KeyStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a key record.
func (r *APIKeyRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
