package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"releaseflow/internal/domain"
	"releaseflow/internal/events"
)

type staticStore struct {
	releases []domain.Release
}

func (s staticStore) FindAll(context.Context) ([]domain.Release, error) {
	return s.releases, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []events.StaleTaskDetected
	fail bool
}

func (p *fakePublisher) Publish(_ context.Context, evt events.DomainEvent) (events.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return events.Envelope{}, errors.New("broker down")
	}
	p.sent = append(p.sent, evt.(events.StaleTaskDetected))
	return events.Envelope{}, nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type counter struct{ n int }

func (c *counter) StaleReminder() { c.n++ }

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func fixture() staticStore {
	return staticStore{releases: []domain.Release{{
		ID: "rel-1",
		Tasks: []domain.Task{
			{ID: "stale-todo", Title: "old", AssigneeID: "dev-1", OrderIndex: 1, Status: domain.StatusTodo, UpdatedAt: now.Add(-48 * time.Hour)},
			{ID: "stale-active", Title: "slow", AssigneeID: "dev-2", OrderIndex: 2, Status: domain.StatusInProcess, UpdatedAt: now.Add(-25 * time.Hour)},
			{ID: "fresh", Title: "new", AssigneeID: "dev-3", OrderIndex: 3, Status: domain.StatusTodo, UpdatedAt: now.Add(-time.Hour)},
			{ID: "done", Title: "done", AssigneeID: "dev-4", OrderIndex: 4, Status: domain.StatusCompleted, UpdatedAt: now.Add(-72 * time.Hour)},
		},
	}}}
}

func newTestMonitor(pub *fakePublisher, clock *time.Time) (*Monitor, *counter) {
	m := New(fixture(), pub, NewSuppressions(100, 24*time.Hour))
	m.Log = zerolog.Nop()
	m.Now = func() time.Time { return *clock }
	c := &counter{}
	m.Metrics = c
	return m, c
}

func TestScanRemindsStaleUnfinishedTasks(t *testing.T) {
	pub := &fakePublisher{}
	clock := now
	m, c := newTestMonitor(pub, &clock)

	n, err := m.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, c.n)
	ids := []string{pub.sent[0].TaskID, pub.sent[1].TaskID}
	require.ElementsMatch(t, []string{"stale-todo", "stale-active"}, ids)
	require.Equal(t, "dev-1", pub.sent[0].DeveloperID)
	require.True(t, pub.sent[0].LastUpdatedAt.Equal(now.Add(-48*time.Hour)))
	require.Equal(t, 2, m.Suppressions.Len())
}

func TestScanHonoursCooldown(t *testing.T) {
	pub := &fakePublisher{}
	clock := now
	m, _ := newTestMonitor(pub, &clock)
	ctx := context.Background()

	_, err := m.Scan(ctx)
	require.NoError(t, err)
	clock = now.Add(30 * time.Minute)
	n, err := m.Scan(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "reminders inside the cooldown must be suppressed")

	clock = now.Add(61 * time.Minute)
	n, err = m.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 4, pub.count())
}

func TestFailedPublishIsNotSuppressed(t *testing.T) {
	pub := &fakePublisher{fail: true}
	clock := now
	m, _ := newTestMonitor(pub, &clock)
	ctx := context.Background()

	n, err := m.Scan(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, m.Suppressions.Len())

	pub.fail = false
	n, err = m.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestScanStopsWhenLimiterCancelled(t *testing.T) {
	pub := &fakePublisher{}
	clock := now
	m, _ := newTestMonitor(pub, &clock)
	m.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Scan(ctx)
	require.Error(t, err)
}

func TestSuppressionsExpire(t *testing.T) {
	s := NewSuppressions(2, 20*time.Millisecond)
	s.Record("a", now)
	s.Record("b", now)
	s.Record("c", now)
	require.Equal(t, 2, s.Len(), "size bound evicts the oldest")
	_, ok := s.Last("a")
	require.False(t, ok)
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	pub := &fakePublisher{}
	clock := now
	m, _ := newTestMonitor(pub, &clock)
	// the expirable LRU keeps a janitor goroutine for its lifetime
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	m.Interval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return pub.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
