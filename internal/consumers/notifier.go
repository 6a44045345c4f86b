// Package consumers holds the downstream handlers fed by the delivery fabric.
package consumers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"releaseflow/internal/domain"
	"releaseflow/internal/events"
	rflog "releaseflow/internal/log"
	"releaseflow/internal/repo"
)

const NotifierGroup = "notification-service"

// Mail is one outbound message.
type Mail struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Mailer delivers mail. SMTP transport lives outside this module.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// LogMailer writes mail to the log instead of sending it.
type LogMailer struct {
	Log zerolog.Logger
}

func (l LogMailer) Send(_ context.Context, m Mail) error {
	l.Log.Info().Str("to", m.To).Str("subject", m.Subject).Msg("mail")
	return nil
}

type NotificationLog interface {
	Get(ctx context.Context, eventID, recipient string) (domain.Notification, error)
	Upsert(ctx context.Context, rec domain.Notification) error
}

// Directory maps developer ids to email addresses.
type Directory struct {
	Emails  map[string]string
	Default string
}

func (d Directory) Resolve(developerID string) string {
	if addr, ok := d.Emails[developerID]; ok && strings.TrimSpace(addr) != "" {
		return addr
	}
	return d.Default
}

// Notifier emails the people concerned by workflow events.
type Notifier struct {
	Mailer    Mailer
	Records   NotificationLog
	Directory Directory
	From      string
	Now       func() time.Time
	Log       zerolog.Logger
}

func NewNotifier(mailer Mailer, records NotificationLog, dir Directory, from string) *Notifier {
	return &Notifier{
		Mailer:    mailer,
		Records:   records,
		Directory: dir,
		From:      from,
		Now:       time.Now,
		Log:       rflog.WithComponent("notifier"),
	}
}

// Handle is a fabric.Handler. A mailer failure is returned so the fabric retries.
func (n *Notifier) Handle(ctx context.Context, env events.Envelope) error {
	evt, err := env.Event()
	if err != nil {
		if errors.Is(err, events.ErrUnknownEventType) {
			return nil
		}
		return err
	}
	recipient, subject, body, ok := n.compose(evt, env)
	if !ok {
		return nil
	}
	return n.deliver(ctx, env, recipient, subject, body)
}

func (n *Notifier) compose(evt events.DomainEvent, env events.Envelope) (recipient, subject, body string, ok bool) {
	switch e := evt.(type) {
	case events.TaskAssigned:
		return n.Directory.Resolve(e.DeveloperID),
			"New task assigned: " + e.TaskTitle,
			lines("You have been assigned a new task.",
				"Release: "+e.ReleaseID,
				"Task: "+e.TaskTitle,
				"Task ID: "+e.TaskID,
				"Assignee: "+e.DeveloperID), true
	case events.HotfixTaskAdded:
		return n.Directory.Resolve(e.DeveloperID),
			"Hotfix task added to release " + e.ReleaseID,
			lines("A hotfix task was added to a completed release.",
				"Release: "+e.ReleaseID,
				"Task: "+e.TaskTitle,
				"Assignee: "+e.DeveloperID), true
	case events.StaleTaskDetected:
		return n.Directory.Resolve(e.DeveloperID),
			"Stale task detected: " + e.TaskTitle,
			lines("A task has been open without updates for too long.",
				"Release: "+e.ReleaseID,
				"Task: "+e.TaskTitle,
				"Task ID: "+e.TaskID,
				"Last updated: "+formatInstant(e.LastUpdatedAt),
				"Assignee: "+e.DeveloperID), true
	case events.SystemError:
		return n.Directory.Default,
			"Critical system error: " + e.Service,
			lines("A critical system error was reported.",
				"Service: "+e.Service,
				"Message: "+e.Message,
				"Reported at: "+env.Timestamp), true
	}
	return "", "", "", false
}

func (n *Notifier) deliver(ctx context.Context, env events.Envelope, recipient, subject, body string) error {
	if recipient == "" {
		n.Log.Warn().Str(rflog.FieldEventID, env.ID).Msg("no recipient; notification skipped")
		return nil
	}
	prev, err := n.Records.Get(ctx, env.ID, recipient)
	switch {
	case err == nil && prev.Status == domain.NotificationSent:
		return nil
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("notification log: %w", err)
	}

	rec := domain.Notification{
		EventID:   env.ID,
		EventType: env.EventType,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Status:    domain.NotificationSent,
		Source:    env.Source,
		CreatedAt: n.now(),
	}
	sendErr := n.Mailer.Send(ctx, Mail{From: n.From, To: recipient, Subject: subject, Body: body})
	if sendErr != nil {
		rec.Status = domain.NotificationFailed
		rec.Error = sendErr.Error()
	}
	if err := n.Records.Upsert(ctx, rec); err != nil {
		n.Log.Error().Err(err).Str(rflog.FieldEventID, env.ID).Msg("record notification")
	}
	if sendErr != nil {
		return fmt.Errorf("send to %s: %w", recipient, sendErr)
	}
	return nil
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now().UTC()
	}
	return time.Now().UTC()
}

func lines(parts ...string) string {
	return strings.Join(parts, "\n")
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}
