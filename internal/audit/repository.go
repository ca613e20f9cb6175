package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetwatch/backend/internal/models"
	"github.com/fleetwatch/backend/pkg/queue"
)

// Repository handles audit_logs persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an audit log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert writes one audit row.
func (r *Repository) Insert(ctx context.Context, p queue.AuditPayload) error {
	occurredAt := p.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, user_id, username, action, resource_type, resource_id, new_value, success, error_message, created_at)
		 VALUES (gen_random_uuid(), $1, $2, $3, NULLIF($4,''), NULLIF($5,''), NULLIF($6,''), $7, NULLIF($8,''), $9)`,
		p.UserID, p.Username, p.Action, p.ResourceType, p.ResourceID, p.NewValue, p.Success, p.ErrorMessage, occurredAt)
	return err
}

// List returns the most recent audit rows, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, COALESCE(username,''), action, COALESCE(resource_type,''), COALESCE(resource_id,''),
		        COALESCE(new_value,''), success, COALESCE(error_message,''), created_at
		 FROM audit_logs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.ID, &a.UserID, &a.Username, &a.Action, &a.ResourceType, &a.ResourceID,
			&a.NewValue, &a.Success, &a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}
