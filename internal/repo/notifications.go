package repo

import (
	"context"
	"database/sql"
	"errors"

	"releaseflow/internal/domain"
)

// Notifications is the idempotency log of dispatched notifications.
type Notifications struct {
	DB *sql.DB
}

func (n Notifications) Get(ctx context.Context, eventID, recipient string) (domain.Notification, error) {
	row := n.DB.QueryRowContext(ctx, `SELECT event_id,event_type,recipient,subject,body,status,error,source,created_at FROM notifications WHERE event_id=? AND recipient=?`, eventID, recipient)
	var rec domain.Notification
	var status, createdAt string
	var errText sql.NullString
	if err := row.Scan(&rec.EventID, &rec.EventType, &rec.Recipient, &rec.Subject, &rec.Body, &status, &errText, &rec.Source, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Notification{}, ErrNotFound
		}
		return domain.Notification{}, err
	}
	rec.Status = domain.NotificationStatus(status)
	if errText.Valid {
		rec.Error = errText.String
	}
	rec.CreatedAt = parseTime(createdAt)
	return rec, nil
}

// Upsert records the outcome of a dispatch, overwriting an earlier attempt for the same event and recipient.
func (n Notifications) Upsert(ctx context.Context, rec domain.Notification) error {
	_, err := n.DB.ExecContext(ctx, `INSERT INTO notifications(event_id,event_type,recipient,subject,body,status,error,source,created_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(event_id, recipient) DO UPDATE SET subject=excluded.subject, body=excluded.body, status=excluded.status, error=excluded.error, created_at=excluded.created_at`,
		rec.EventID, rec.EventType, rec.Recipient, rec.Subject, rec.Body, string(rec.Status), nullable(rec.Error), rec.Source, formatTime(rec.CreatedAt))
	return err
}

func (n Notifications) Count(ctx context.Context) (int, error) {
	var c int
	err := n.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`).Scan(&c)
	return c, err
}
