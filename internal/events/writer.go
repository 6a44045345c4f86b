package events

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends published envelopes to the local events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Record(ctx context.Context, topic string, env Envelope) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	var releaseID string
	if evt, err := env.Event(); err == nil {
		if rs, ok := evt.(ReleaseScoped); ok {
			releaseID = rs.ReleaseRef()
		}
	}
	_, err := w.DB.ExecContext(ctx, `INSERT INTO events(ts,event_id,type,topic,source,release_id,occurred_at,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, env.ID, env.EventType, topic, env.Source, nullable(releaseID), env.Timestamp, string(env.Payload))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
