// Package escalator turns dead-lettered deliveries into operator alerts.
package escalator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"releaseflow/internal/events"
	"releaseflow/internal/fabric"
	rflog "releaseflow/internal/log"
)

const (
	Group            = "dead-letter-escalator"
	UnknownReason    = "unknown"
	AlertEventType   = "DeadLetterAlert"
	DefaultRecentCap = 50
)

// Alert describes one envelope that exhausted its retries.
type Alert struct {
	Topic         string    `json:"topic"`
	OriginalTopic string    `json:"originalTopic"`
	Group         string    `json:"group,omitempty"`
	EventType     string    `json:"eventType"`
	EventID       string    `json:"eventId"`
	Source        string    `json:"source"`
	Reason        string    `json:"reason"`
	CapturedAt    time.Time `json:"capturedAt"`
}

type Sink interface {
	Raise(ctx context.Context, a Alert) error
}

type Metrics interface {
	AlertRaised()
}

type Escalator struct {
	Sinks   []Sink
	Metrics Metrics
	Now     func() time.Time
	Log     zerolog.Logger
}

func New(sinks ...Sink) *Escalator {
	return &Escalator{
		Sinks: sinks,
		Now:   time.Now,
		Log:   rflog.WithComponent("dlq-escalator"),
	}
}

// Harness consumes src, which should be subscribed to fabric.DLQTopics. The harness is
// terminal, so a failing sink never sends the alert back through retry.
func (e *Escalator) Harness(src fabric.Source, producer fabric.Producer) *fabric.Harness {
	h := fabric.NewHarness(Group, src, producer, e.Handle)
	h.Terminal = true
	return h
}

// Handle builds an Alert from the dead-lettered envelope and fans it out to every sink.
// Sink failures are joined and returned; the terminal harness only logs them.
func (e *Escalator) Handle(ctx context.Context, env events.Envelope) error {
	a := e.alertFor(ctx, env)
	if e.Metrics != nil {
		e.Metrics.AlertRaised()
	}
	e.Log.Error().
		Str(rflog.FieldEventID, a.EventID).
		Str(rflog.FieldEventType, a.EventType).
		Str(rflog.FieldTopic, a.OriginalTopic).
		Str(rflog.FieldGroup, a.Group).
		Str("reason", a.Reason).
		Msg("dead-lettered event")
	var errs []error
	for _, s := range e.Sinks {
		if err := s.Raise(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Escalator) alertFor(ctx context.Context, env events.Envelope) Alert {
	a := Alert{
		EventType:  env.EventType,
		EventID:    env.ID,
		Source:     env.Source,
		Reason:     UnknownReason,
		CapturedAt: e.now().UTC(),
	}
	if msg, ok := fabric.MessageFrom(ctx); ok {
		a.Topic = msg.Topic
		a.OriginalTopic = msg.Header(fabric.HeaderOriginalTopic)
		if a.OriginalTopic == "" {
			a.OriginalTopic = fabric.OriginalTopic(msg.Topic)
		}
		a.Group = msg.Header(fabric.HeaderGroup)
		if r := strings.TrimSpace(msg.Header(fabric.HeaderFailureReason)); r != "" {
			a.Reason = r
		}
	}
	return a
}

func (e *Escalator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
