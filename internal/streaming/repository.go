package streaming

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetwatch/backend/internal/models"
)

// Repository is the Postgres-backed SessionStore.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a stream session repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, device_id, started_by, start_time, end_time, status,
	bytes_transferred, duration_seconds, listener_count, COALESCE(error_message,'')`

func scanSession(row pgx.Row) (*models.StreamSession, error) {
	var s models.StreamSession
	err := row.Scan(&s.ID, &s.DeviceID, &s.StartedBy, &s.StartTime, &s.EndTime, &s.Status,
		&s.BytesTransferred, &s.DurationSeconds, &s.ListenerCount, &s.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts a requested session with one listener.
func (r *Repository) CreateSession(ctx context.Context, deviceID string, startedBy uuid.UUID) (*models.StreamSession, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO live_stream_sessions (id, device_id, started_by, start_time, status, listener_count)
		VALUES ($1, $2, $3, NOW(), $4, 1)
		RETURNING `+sessionColumns,
		uuid.New(), deviceID, startedBy, models.StreamStatusRequested)
	return scanSession(row)
}

// GetSession returns a session by id, or nil if absent.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM live_stream_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// SetSessionActive transitions a requested session to active.
func (r *Repository) SetSessionActive(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE live_stream_sessions SET status = $1
		WHERE id = $2 AND status = $3`,
		models.StreamStatusActive, id, models.StreamStatusRequested)
	return err
}

// SetListenerCount stores the current listener count.
func (r *Repository) SetListenerCount(ctx context.Context, id uuid.UUID, count int) error {
	_, err := r.db.Exec(ctx, `UPDATE live_stream_sessions SET listener_count = $1 WHERE id = $2`, count, id)
	return err
}

// UpdateSessionBytes writes the running transfer total. Terminal sessions are
// left alone so a late flush cannot overwrite the final figure.
func (r *Repository) UpdateSessionBytes(ctx context.Context, id uuid.UUID, bytes int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE live_stream_sessions SET bytes_transferred = $1
		WHERE id = $2 AND status IN ($3, $4)`,
		bytes, id, models.StreamStatusRequested, models.StreamStatusActive)
	return err
}

// FinishSession writes the terminal state of a session.
func (r *Repository) FinishSession(ctx context.Context, id uuid.UUID, status string, endTime time.Time, durationSeconds int, bytes int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE live_stream_sessions
		SET status = $1, end_time = $2, duration_seconds = $3, bytes_transferred = $4
		WHERE id = $5 AND status IN ($6, $7)`,
		status, endTime, durationSeconds, bytes, id,
		models.StreamStatusRequested, models.StreamStatusActive)
	return err
}

// AddListener inserts an open listener row. One row per join, so a user who
// rejoins gets a fresh row.
func (r *Repository) AddListener(ctx context.Context, sessionID, userID uuid.UUID, username string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO stream_listeners (id, session_id, user_id, username, joined_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		uuid.New(), sessionID, userID, username)
	return err
}

// CloseListener closes the user's most recent open listener row for the
// session. Returns false when no open row exists.
func (r *Repository) CloseListener(ctx context.Context, sessionID, userID uuid.UUID, leftAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE stream_listeners
		SET left_at = $1, duration_seconds = EXTRACT(EPOCH FROM ($1 - joined_at))::int
		WHERE id = (
			SELECT id FROM stream_listeners
			WHERE session_id = $2 AND user_id = $3 AND left_at IS NULL
			ORDER BY joined_at DESC LIMIT 1
		)`,
		leftAt, sessionID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CloseAllListeners closes every open listener row for the session.
func (r *Repository) CloseAllListeners(ctx context.Context, sessionID uuid.UUID, leftAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE stream_listeners
		SET left_at = $1, duration_seconds = EXTRACT(EPOCH FROM ($1 - joined_at))::int
		WHERE session_id = $2 AND left_at IS NULL`,
		leftAt, sessionID)
	return err
}

// ListByDevice returns a device's session history, newest first.
func (r *Repository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]models.StreamSession, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM live_stream_sessions
		WHERE device_id = $1 ORDER BY start_time DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.StreamSession
	for rows.Next() {
		var s models.StreamSession
		if err := rows.Scan(&s.ID, &s.DeviceID, &s.StartedBy, &s.StartTime, &s.EndTime, &s.Status,
			&s.BytesTransferred, &s.DurationSeconds, &s.ListenerCount, &s.ErrorMessage); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListListeners returns every listener row of a session, oldest first.
func (r *Repository) ListListeners(ctx context.Context, sessionID uuid.UUID) ([]models.StreamListener, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, session_id, user_id, COALESCE(username,''), joined_at, left_at, duration_seconds
		FROM stream_listeners WHERE session_id = $1 ORDER BY joined_at ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listeners []models.StreamListener
	for rows.Next() {
		var l models.StreamListener
		if err := rows.Scan(&l.ID, &l.SessionID, &l.UserID, &l.Username, &l.JoinedAt, &l.LeftAt, &l.DurationSeconds); err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, rows.Err()
}
