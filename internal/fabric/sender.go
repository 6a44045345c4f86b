package fabric

import (
	"context"
	"fmt"

	"releaseflow/internal/events"
)

// Sender publishes envelopes through a Producer.
type Sender struct {
	Producer Producer
}

func (s Sender) Send(ctx context.Context, topic, key string, env events.Envelope) error {
	value, err := env.Marshal()
	if err != nil {
		return err
	}
	headers := map[string]string{
		HeaderEventType: env.EventType,
		HeaderEventID:   env.ID,
	}
	for k, v := range env.Headers {
		headers[k] = v
	}
	if err := s.Producer.Produce(ctx, Message{Topic: topic, Key: key, Value: value, Headers: headers}); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.ID, topic, err)
	}
	return nil
}
