package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	rflog "releaseflow/internal/log"
)

// Sender hands an envelope to the delivery fabric and returns once it is durably accepted.
type Sender interface {
	Send(ctx context.Context, topic, key string, env Envelope) error
}

// Outbox parks envelopes whose send failed so a Relay can retry them later.
type Outbox interface {
	Enqueue(ctx context.Context, topic string, env Envelope, reason string) error
}

// Recorder keeps a local audit trail of published envelopes.
type Recorder interface {
	Record(ctx context.Context, topic string, env Envelope) error
}

type Metrics interface {
	EventPublished(eventType string)
}

type Publisher struct {
	Sender   Sender
	Outbox   Outbox
	Recorder Recorder
	Metrics  Metrics
	Topics   Topics
	Source   string
	Now      func() time.Time
	NewID    func() string
	Log      zerolog.Logger
}

func NewPublisher(sender Sender, source string) *Publisher {
	return &Publisher{
		Sender: sender,
		Topics: DefaultTopics(),
		Source: source,
		Now:    time.Now,
		NewID:  func() string { return uuid.NewString() },
		Log:    rflog.WithComponent("publisher"),
	}
}

func (p *Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Publisher) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return uuid.NewString()
}

// Publish wraps evt in a fresh envelope and sends it keyed by its event type.
// When the send fails the envelope goes to the outbox (if any) and the send error is returned.
func (p *Publisher) Publish(ctx context.Context, evt DomainEvent) (Envelope, error) {
	env, err := NewEnvelope(evt, p.Source, p.newID(), p.now())
	if err != nil {
		return Envelope{}, err
	}
	topic := p.Topics.TopicFor(evt)
	if err := p.Sender.Send(ctx, topic, env.EventType, env); err != nil {
		if p.Outbox != nil {
			if oerr := p.Outbox.Enqueue(ctx, topic, env, err.Error()); oerr != nil {
				p.Log.Error().Err(oerr).
					Str(rflog.FieldEventID, env.ID).
					Str(rflog.FieldEventType, env.EventType).
					Msg("outbox enqueue failed; event dropped")
			}
		}
		return env, fmt.Errorf("publish %s: %w", env.EventType, err)
	}
	p.delivered(ctx, topic, env)
	return env, nil
}

func (p *Publisher) delivered(ctx context.Context, topic string, env Envelope) {
	if p.Metrics != nil {
		p.Metrics.EventPublished(env.EventType)
	}
	if p.Recorder != nil {
		if err := p.Recorder.Record(ctx, topic, env); err != nil {
			p.Log.Warn().Err(err).Str(rflog.FieldEventID, env.ID).Msg("record event")
		}
	}
}
