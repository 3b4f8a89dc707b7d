package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/perimeterhq/perimeter/internal/model"
)

// AuditRepo persists audit events. The table is append-only: there is no
// update or delete method, deliberately.
type AuditRepo struct {
	db *sqlx.DB
}

// Append writes one audit event synchronously. Audit loss is not
// acceptable, so this is never buffered.
func (r *AuditRepo) Append(ctx context.Context, ev *model.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO audit_logs (id, timestamp, event_type, actor_user_id, actor_ip, resource_type, resource_id, changes, metadata)
		VALUES (:id, :timestamp, :event_type, :actor_user_id, :actor_ip, :resource_type, :resource_id, :changes, :metadata)`, ev)
	return translateErr(err)
}

// List returns events newest first, bounded by limit.
func (r *AuditRepo) List(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var evs []model.AuditEvent
	err := r.db.SelectContext(ctx, &evs, `
		SELECT * FROM audit_logs ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	return evs, translateErr(err)
}
