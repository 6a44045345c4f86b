package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Event is one row of the local published-event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	Topic      string `json:"topic"`
	Source     string `json:"source"`
	ReleaseID  string `json:"release_id,omitempty"`
	OccurredAt string `json:"occurred_at"`
	Payload    string `json:"payload,omitempty"`
}

const eventColumns = `id,ts,event_id,type,topic,source,release_id,occurred_at,payload_json`

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, releaseID string) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if releaseID != "" {
		clauses = append(clauses, "release_id=?")
		args = append(args, releaseID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, eventColumns)
	return r.queryEvents(ctx, query, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var releaseID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.EventID, &e.Type, &e.Topic, &e.Source, &releaseID, &e.OccurredAt, &payload); err != nil {
			return nil, err
		}
		if releaseID.Valid {
			e.ReleaseID = releaseID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
