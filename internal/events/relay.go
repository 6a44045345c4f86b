package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	rflog "releaseflow/internal/log"
)

// OutboxEntry is an envelope waiting to be re-sent.
type OutboxEntry struct {
	ID            int64
	Topic         string
	Envelope      Envelope
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

type OutboxStore interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error)
	Delete(ctx context.Context, id int64) error
	Reschedule(ctx context.Context, id int64, attempts int, next time.Time, reason string) error
}

// Relay periodically re-sends outbox entries until the fabric accepts them.
type Relay struct {
	Store    OutboxStore
	Sender   Sender
	Recorder Recorder
	Backoff  func(attempt int) time.Duration
	Interval time.Duration
	Limit    int
	Metrics  Metrics
	Now      func() time.Time
	Log      zerolog.Logger
}

func NewRelay(store OutboxStore, sender Sender, backoff func(int) time.Duration, interval time.Duration) *Relay {
	return &Relay{
		Store:    store,
		Sender:   sender,
		Backoff:  backoff,
		Interval: interval,
		Limit:    100,
		Now:      time.Now,
		Log:      rflog.WithComponent("outbox-relay"),
	}
}

func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if _, err := r.Process(ctx); err != nil {
				r.Log.Error().Err(err).Msg("outbox relay")
			}
		}
	}
}

// Process re-sends every due entry once and returns how many were delivered.
func (r *Relay) Process(ctx context.Context) (int, error) {
	now := r.now()
	entries, err := r.Store.ClaimDue(ctx, now, r.limit())
	if err != nil {
		return 0, fmt.Errorf("claim due outbox entries: %w", err)
	}
	sent := 0
	for _, e := range entries {
		if err := r.Sender.Send(ctx, e.Topic, e.Envelope.EventType, e.Envelope); err != nil {
			attempts := e.Attempts + 1
			next := now.Add(r.backoff(attempts))
			r.Log.Warn().Err(err).
				Str(rflog.FieldEventID, e.Envelope.ID).
				Int(rflog.FieldAttempt, attempts).
				Msg("outbox resend failed")
			if rerr := r.Store.Reschedule(ctx, e.ID, attempts, next, err.Error()); rerr != nil {
				return sent, fmt.Errorf("reschedule outbox entry %d: %w", e.ID, rerr)
			}
			continue
		}
		if r.Metrics != nil {
			r.Metrics.EventPublished(e.Envelope.EventType)
		}
		if r.Recorder != nil {
			if err := r.Recorder.Record(ctx, e.Topic, e.Envelope); err != nil {
				r.Log.Warn().Err(err).Str(rflog.FieldEventID, e.Envelope.ID).Msg("record event")
			}
		}
		if err := r.Store.Delete(ctx, e.ID); err != nil {
			return sent, fmt.Errorf("delete outbox entry %d: %w", e.ID, err)
		}
		sent++
	}
	return sent, nil
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Relay) limit() int {
	if r.Limit <= 0 {
		return 100
	}
	return r.Limit
}

func (r *Relay) backoff(attempt int) time.Duration {
	if r.Backoff == nil {
		return time.Second
	}
	return r.Backoff(attempt)
}
