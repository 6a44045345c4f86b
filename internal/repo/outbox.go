package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"releaseflow/internal/events"
)

// Outbox persists envelopes that could not be handed to the broker.
type Outbox struct {
	DB  *sql.DB
	Now func() time.Time
}

func (o Outbox) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Enqueue stores env for immediate retry. Enqueueing the same event id twice is a no-op.
func (o Outbox) Enqueue(ctx context.Context, topic string, env events.Envelope, reason string) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	now := formatTime(o.now())
	_, err = o.DB.ExecContext(ctx, `INSERT INTO outbox(topic,event_id,envelope_json,attempts,next_attempt_at,last_error,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(event_id) DO UPDATE SET last_error=excluded.last_error`,
		topic, env.ID, string(data), 0, now, nullable(reason), now)
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

func (o Outbox) ClaimDue(ctx context.Context, now time.Time, limit int) ([]events.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return o.query(ctx, `WHERE next_attempt_at<=? ORDER BY id ASC LIMIT ?`, formatTime(now), limit)
}

// List returns every pending entry oldest first.
func (o Outbox) List(ctx context.Context, limit int) ([]events.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return o.query(ctx, `ORDER BY id ASC LIMIT ?`, limit)
}

func (o Outbox) Delete(ctx context.Context, id int64) error {
	_, err := o.DB.ExecContext(ctx, `DELETE FROM outbox WHERE id=?`, id)
	return err
}

func (o Outbox) Reschedule(ctx context.Context, id int64, attempts int, next time.Time, reason string) error {
	res, err := o.DB.ExecContext(ctx, `UPDATE outbox SET attempts=?, next_attempt_at=?, last_error=? WHERE id=?`,
		attempts, formatTime(next), nullable(reason), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (o Outbox) query(ctx context.Context, tail string, args ...any) ([]events.OutboxEntry, error) {
	rows, err := o.DB.QueryContext(ctx, `SELECT id,topic,envelope_json,attempts,next_attempt_at,last_error FROM outbox `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []events.OutboxEntry
	for rows.Next() {
		var e events.OutboxEntry
		var raw, next string
		var lastErr sql.NullString
		if err := rows.Scan(&e.ID, &e.Topic, &raw, &e.Attempts, &next, &lastErr); err != nil {
			return nil, err
		}
		env, err := events.Unmarshal([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("outbox entry %d: %w", e.ID, err)
		}
		e.Envelope = env
		e.NextAttemptAt = parseTime(next)
		if lastErr.Valid {
			e.LastError = lastErr.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
