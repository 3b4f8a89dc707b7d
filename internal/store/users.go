package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/perimeterhq/perimeter/internal/model"
)

// UserRepo persists users.
type UserRepo struct {
	db *sqlx.DB
}

// Create inserts a new user. Email uniqueness is case-insensitive;
// collisions return ErrDuplicate.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	if u.Role == "" {
		u.Role = model.RoleUser
	}
	if u.Tier == "" {
		u.Tier = model.TierFree
	}
	if u.TokenVersion == 0 {
		u.TokenVersion = 1
	}
	u.Email = strings.ToLower(u.Email)

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO users (id, email, password_digest, role, tier, token_version, created_at, updated_at)
		VALUES (:id, :email, :password_digest, :role, :tier, :token_version, :created_at, :updated_at)`, u)
	return translateErr(err)
}

// GetByID returns a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return &u, nil
}

// GetByEmail returns a user by email, case-insensitively.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE email = ?`, strings.ToLower(email))
	if err != nil {
		return nil, translateErr(err)
	}
	return &u, nil
}

// TokenVersion returns the user's current token version.
func (r *UserRepo) TokenVersion(ctx context.Context, id string) (int64, error) {
	var v int64
	err := r.db.GetContext(ctx, &v, `SELECT token_version FROM users WHERE id = ?`, id)
	if err != nil {
		return 0, translateErr(err)
	}
	return v, nil
}

// BumpTokenVersion invalidates all outstanding tokens for the user and
// returns the new version.
func (r *UserRepo) BumpTokenVersion(ctx context.Context, id string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET token_version = token_version + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return 0, translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	return r.TokenVersion(ctx, id)
}

// UpdatePassword replaces the password digest and bumps the token
// version in the same statement, so old tokens die with the password.
func (r *UserRepo) UpdatePassword(ctx context.Context, id, digest string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_digest = ?, token_version = token_version + 1, updated_at = ?
		WHERE id = ?`,
		digest, time.Now().UTC(), id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a user; API keys cascade.
func (r *UserRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
