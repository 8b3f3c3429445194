package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planly/notifier/internal/domain"
	"github.com/planly/notifier/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.NotificationRepository = (*Repository)(nil)

// InsertNotification stores a notification for later retrieval.
func (r *Repository) InsertNotification(ctx context.Context, n domain.Notification) error {
	const query = `INSERT INTO notifications (id, user_id, team_id, type, title, message, data, created_at, read)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		n.ID, n.UserID, n.TeamID, n.Type, n.Title, n.Message, []byte(n.Data), n.Timestamp.UTC(), n.Read)
	return err
}

// ListUnread returns the user's unread notifications, newest first.
func (r *Repository) ListUnread(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, user_id, COALESCE(team_id, ''), type, title, message, COALESCE(data, 'null'), created_at, read
		FROM notifications
		WHERE user_id = $1 AND read = false
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var data []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.TeamID, &n.Type, &n.Title, &n.Message, &data, &n.Timestamp, &n.Read); err != nil {
			return nil, err
		}
		n.Data = data
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead flags one notification as read.
func (r *Repository) MarkRead(ctx context.Context, userID, notificationID string) error {
	const query = `UPDATE notifications SET read = true WHERE id = $1 AND user_id = $2`
	tag, err := r.pool.Exec(ctx, query, notificationID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkAllRead flags every unread notification of a user.
func (r *Repository) MarkAllRead(ctx context.Context, userID string) error {
	const query = `UPDATE notifications SET read = true WHERE user_id = $1 AND read = false`
	_, err := r.pool.Exec(ctx, query, userID)
	return err
}

// Get fetches one notification by id; used by tests and backfills.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Notification, error) {
	const query = `SELECT id, user_id, COALESCE(team_id, ''), type, title, message, COALESCE(data, 'null'), created_at, read
		FROM notifications WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var n domain.Notification
	var data []byte
	if err := row.Scan(&n.ID, &n.UserID, &n.TeamID, &n.Type, &n.Title, &n.Message, &data, &n.Timestamp, &n.Read); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	n.Data = data
	return &n, nil
}
