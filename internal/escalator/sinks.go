package escalator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"releaseflow/internal/events"
)

// TopicSink publishes each alert as a DeadLetterAlert envelope on the alerts topic.
type TopicSink struct {
	Sender events.Sender
	Topic  string
	Source string
	NewID  func() string
}

func (s TopicSink) Raise(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	if s.NewID != nil {
		id = s.NewID()
	}
	env := events.Envelope{
		EventType: AlertEventType,
		Source:    s.Source,
		ID:        id,
		Timestamp: a.CapturedAt.UTC().Format(time.RFC3339),
		Headers:   map[string]string{events.HeaderSchema: events.SchemaVersion},
		Payload:   payload,
	}
	if err := s.Sender.Send(ctx, s.Topic, AlertEventType, env); err != nil {
		return fmt.Errorf("alert topic: %w", err)
	}
	return nil
}

// Recent keeps the latest alerts in memory, newest last.
type Recent struct {
	mu    sync.Mutex
	limit int
	items []Alert
}

func NewRecent(limit int) *Recent {
	if limit <= 0 {
		limit = DefaultRecentCap
	}
	return &Recent{limit: limit}
}

func (r *Recent) Raise(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, a)
	if len(r.items) > r.limit {
		r.items = append([]Alert(nil), r.items[len(r.items)-r.limit:]...)
	}
	return nil
}

// List returns a copy of the buffered alerts, newest first.
func (r *Recent) List() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.items))
	for i, a := range r.items {
		out[len(r.items)-1-i] = a
	}
	return out
}
