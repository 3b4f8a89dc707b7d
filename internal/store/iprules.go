package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/perimeterhq/perimeter/internal/model"
)

// IPRuleRepo persists IP block/allow rules.
type IPRuleRepo struct {
	db *sqlx.DB
}

// Create inserts a rule.
func (r *IPRuleRepo) Create(ctx context.Context, rule *model.IPRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.CreatedAt = time.Now().UTC()
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO ip_rules (id, ip_address, rule_type, reason, auto_blocked, expires_at, created_at)
		VALUES (:id, :ip_address, :rule_type, :reason, :auto_blocked, :expires_at, :created_at)`, rule)
	return translateErr(err)
}

// ActiveForIP returns the active rules for one IP. "Active" means no
// expiry or an expiry in the future.
func (r *IPRuleRepo) ActiveForIP(ctx context.Context, ip string) ([]model.IPRule, error) {
	var rules []model.IPRule
	err := r.db.SelectContext(ctx, &rules, `
		SELECT * FROM ip_rules
		WHERE ip_address = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at`, ip, time.Now().UTC())
	return rules, translateErr(err)
}

// HasActiveAllowRules reports whether any active allow rule exists. When
// true, allowlist mode is in force and unlisted IPs are rejected.
func (r *IPRuleRepo) HasActiveAllowRules(ctx context.Context) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM ip_rules
		WHERE rule_type = 'allow' AND (expires_at IS NULL OR expires_at > ?)`,
		time.Now().UTC())
	return n > 0, translateErr(err)
}

// List returns all rules, newest first.
func (r *IPRuleRepo) List(ctx context.Context) ([]model.IPRule, error) {
	var rules []model.IPRule
	err := r.db.SelectContext(ctx, &rules, `SELECT * FROM ip_rules ORDER BY created_at DESC`)
	return rules, translateErr(err)
}

// Delete removes a rule (manual unblock).
func (r *IPRuleRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ip_rules WHERE id = ?`, id)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteForIP removes every rule for one IP (manual unblock by address).
func (r *IPRuleRepo) DeleteForIP(ctx context.Context, ip string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ip_rules WHERE ip_address = ?`, ip)
	if err != nil {
		return 0, translateErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
