// Package monitor reminds developers about tasks that have not moved for a while.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"releaseflow/internal/domain"
	"releaseflow/internal/events"
	rflog "releaseflow/internal/log"
)

const (
	DefaultThreshold = 24 * time.Hour
	DefaultCooldown  = time.Hour
	DefaultInterval  = time.Hour
)

type Store interface {
	FindAll(ctx context.Context) ([]domain.Release, error)
}

type Publisher interface {
	Publish(ctx context.Context, evt events.DomainEvent) (events.Envelope, error)
}

type Metrics interface {
	StaleReminder()
}

type Monitor struct {
	Store        Store
	Publisher    Publisher
	Suppressions *Suppressions
	Threshold    time.Duration
	Cooldown     time.Duration
	Interval     time.Duration
	// Limiter caps reminder publishing; nil means unlimited.
	Limiter *rate.Limiter
	Metrics Metrics
	Now     func() time.Time
	Log     zerolog.Logger
}

func New(store Store, pub Publisher, sup *Suppressions) *Monitor {
	return &Monitor{
		Store:        store,
		Publisher:    pub,
		Suppressions: sup,
		Threshold:    DefaultThreshold,
		Cooldown:     DefaultCooldown,
		Interval:     DefaultInterval,
		Now:          time.Now,
		Log:          rflog.WithComponent("stale-monitor"),
	}
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Run scans on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Scan(ctx)
			if err != nil {
				m.Log.Error().Err(err).Msg("stale task scan")
				continue
			}
			if n > 0 {
				m.Log.Info().Int("reminders", n).Msg("stale task scan")
			}
		}
	}
}

// Scan publishes StaleTaskDetected for every unfinished task not updated within Threshold,
// at most once per Cooldown per task. It returns the number of reminders published.
func (m *Monitor) Scan(ctx context.Context) (int, error) {
	releases, err := m.Store.FindAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list releases: %w", err)
	}
	now := m.now()
	cutoff := now.Add(-m.Threshold)
	sent := 0
	for _, rel := range releases {
		for _, t := range rel.Tasks {
			if t.Status == domain.StatusCompleted || t.UpdatedAt.After(cutoff) {
				continue
			}
			if last, ok := m.Suppressions.Last(t.ID); ok && now.Sub(last) < m.Cooldown {
				continue
			}
			if m.Limiter != nil {
				if err := m.Limiter.Wait(ctx); err != nil {
					return sent, err
				}
			}
			evt := events.StaleTaskDetected{
				DeveloperID:   t.AssigneeID,
				ReleaseID:     rel.ID,
				TaskID:        t.ID,
				TaskTitle:     t.Title,
				LastUpdatedAt: t.UpdatedAt,
			}
			if _, err := m.Publisher.Publish(ctx, evt); err != nil {
				// not suppressed, so the next scan tries again
				m.Log.Warn().Err(err).Str(rflog.FieldTask, t.ID).Msg("stale reminder not delivered")
				continue
			}
			m.Suppressions.Record(t.ID, now)
			if m.Metrics != nil {
				m.Metrics.StaleReminder()
			}
			sent++
		}
	}
	return sent, nil
}
