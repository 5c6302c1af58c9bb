package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
)

const notificationColumns = `id,recipient_context,message,status,created_at,read_at`

func scanNotification(row rowScanner) (domain.Notification, error) {
	var n domain.Notification
	var createdAt int64
	var readAt sql.NullInt64
	if err := row.Scan(&n.ID, &n.RecipientContext, &n.Message, &n.Status, &createdAt, &readAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return n, ErrNotFound
		}
		return n, err
	}
	n.CreatedAt = fromMillis(createdAt)
	n.ReadAt = fromNullMillis(readAt)
	return n, nil
}

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,recipient_context,message,status,created_at) VALUES (?,?,?,'unread',?)`,
		n.ID, n.RecipientContext, n.Message, toMillis(n.CreatedAt))
	return err
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
}

// MarkNotificationRead flips an unread notification to read. ErrConflict
// means it was already read.
func (r Repo) MarkNotificationRead(ctx context.Context, id string, now time.Time) (domain.Notification, error) {
	n, err := scanNotification(r.DB.QueryRowContext(ctx, `UPDATE notifications SET status='read', read_at=? WHERE id=? AND status='unread'
		RETURNING `+notificationColumns, toMillis(now), id))
	if errors.Is(err, ErrNotFound) {
		if _, gerr := r.GetNotification(ctx, id); gerr != nil {
			return domain.Notification{}, gerr
		}
		return domain.Notification{}, ErrConflict
	}
	return n, err
}

func (r Repo) ListNotifications(ctx context.Context, recipient string, onlyUnread bool, limit int) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_context=?`
	args := []any{recipient}
	if onlyUnread {
		query += ` AND status='unread'`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, sqlLimit(limit))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time, statuses []domain.NotificationStatus, limit int) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []any{toMillis(cutoff)}
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, sqlLimit(limit))
	res, err := r.DB.ExecContext(ctx, `DELETE FROM notifications WHERE id IN (
		SELECT id FROM notifications WHERE created_at<? AND status IN (`+inClause(len(statuses))+`) ORDER BY created_at ASC LIMIT ?)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r Repo) CountNotificationsByStatus(ctx context.Context) (map[string]int, error) {
	return countByStatus(ctx, r.DB, "notifications")
}
