package fabric

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"releaseflow/internal/events"
)

var fixedNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type recordedSleeps struct {
	mu     sync.Mutex
	values []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, d)
	return nil
}

func publishEnvelope(t *testing.T, broker *MemoryBroker, id string) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.TaskAssigned{DeveloperID: "dev-1", ReleaseID: "r1", TaskID: "t1", TaskTitle: "Hotfix"}, "release-service", id, fixedNow)
	require.NoError(t, err)
	require.NoError(t, Sender{Producer: broker}.Send(context.Background(), "release.events", env.EventType, env))
	return env
}

func newTestHarness(broker *MemoryBroker, group string, h Handler, sleeps *recordedSleeps) *Harness {
	src := broker.Subscribe(group, ConsumeTopics(group, "release.events")...)
	harness := NewHarness(group, src, broker, h)
	harness.Now = func() time.Time { return fixedNow }
	harness.Sleep = sleeps.sleep
	return harness
}

func drain(t *testing.T, h *Harness, rounds int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < rounds; i++ {
		batch, err := h.Source.Poll(ctx)
		require.NoError(t, err)
		require.NoError(t, h.HandleBatch(ctx, batch))
	}
}

func TestHarnessDeadLettersAfterMaxAttempts(t *testing.T) {
	broker := NewMemoryBroker(1)
	env := publishEnvelope(t, broker, "env-1")
	sleeps := &recordedSleeps{}
	calls := 0
	h := newTestHarness(broker, "notification", func(context.Context, events.Envelope) error {
		calls++
		return errors.New("smtp unavailable")
	}, sleeps)

	drain(t, h, 3)

	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.values)
	require.Len(t, broker.Messages("release.events"), 1, "never re-published on the primary topic")
	require.Len(t, broker.Messages("release.events.notification.retry"), 2)

	dlq := broker.Messages("release.events.DLQ")
	require.Len(t, dlq, 1)
	require.Equal(t, "smtp unavailable", dlq[0].Header(HeaderFailureReason))
	require.Equal(t, "release.events", dlq[0].Header(HeaderOriginalTopic))
	require.Equal(t, "3", dlq[0].Header(HeaderAttempt))

	back, err := events.Unmarshal(dlq[0].Value)
	require.NoError(t, err)
	require.Equal(t, env.ID, back.ID)
	require.Equal(t, env.EventType, back.EventType)
	require.Equal(t, string(env.Payload), string(back.Payload))
}

func TestHarnessRecoversOnRetry(t *testing.T) {
	broker := NewMemoryBroker(1)
	publishEnvelope(t, broker, "env-1")
	sleeps := &recordedSleeps{}
	calls := 0
	h := newTestHarness(broker, "feed", func(context.Context, events.Envelope) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}, sleeps)

	drain(t, h, 2)

	require.Equal(t, 2, calls)
	require.Empty(t, broker.Messages("release.events.DLQ"))
	require.Equal(t, []time.Duration{time.Second}, sleeps.values)
}

func TestHarnessDedupesByEnvelopeID(t *testing.T) {
	broker := NewMemoryBroker(1)
	env := publishEnvelope(t, broker, "env-dup")
	require.NoError(t, Sender{Producer: broker}.Send(context.Background(), "release.events", env.EventType, env))

	var handled []string
	h := newTestHarness(broker, "notification", func(_ context.Context, e events.Envelope) error {
		handled = append(handled, e.ID)
		return nil
	}, &recordedSleeps{})
	h.Dedupe = NewLRUDeduper(100, time.Hour)

	drain(t, h, 2)

	require.Equal(t, []string{"env-dup"}, handled)
}

func TestHarnessDedupeIsPerGroup(t *testing.T) {
	broker := NewMemoryBroker(1)
	publishEnvelope(t, broker, "env-1")
	dedupe := NewLRUDeduper(100, time.Hour)
	counts := map[string]int{}
	for _, group := range []string{"notification", "feed"} {
		group := group
		h := newTestHarness(broker, group, func(context.Context, events.Envelope) error {
			counts[group]++
			return nil
		}, &recordedSleeps{})
		h.Dedupe = dedupe
		drain(t, h, 1)
	}
	require.Equal(t, map[string]int{"notification": 1, "feed": 1}, counts)
}

func TestUnackedDeliveryIsRedelivered(t *testing.T) {
	broker := NewMemoryBroker(1)
	publishEnvelope(t, broker, "env-crash")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first := broker.Subscribe("notification", "release.events")
	batch, err := first.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, first.Close())

	second := broker.Subscribe("notification", "release.events")
	again, err := second.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, batch[0].Offset, again[0].Offset)
	require.NoError(t, again[0].Ack(ctx))

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err = second.Poll(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHarnessSkipsUndecodableMessages(t *testing.T) {
	broker := NewMemoryBroker(1)
	require.NoError(t, broker.Produce(context.Background(), Message{Topic: "release.events", Key: "x", Value: []byte("null")}))
	calls := 0
	h := newTestHarness(broker, "notification", func(context.Context, events.Envelope) error {
		calls++
		return nil
	}, &recordedSleeps{})

	drain(t, h, 1)

	require.Zero(t, calls)
	require.Empty(t, broker.Messages("release.events.notification.retry"))
}

func TestTerminalHarnessNeverRepublishes(t *testing.T) {
	broker := NewMemoryBroker(1)
	env, err := events.NewEnvelope(events.SystemError{Service: "x", Message: "y"}, "svc", "env-dlq", fixedNow)
	require.NoError(t, err)
	require.NoError(t, Sender{Producer: broker}.Send(context.Background(), "system.errors.DLQ", env.EventType, env))

	src := broker.Subscribe("escalator", "system.errors.DLQ")
	h := NewHarness("escalator", src, broker, func(context.Context, events.Envelope) error { return errors.New("sink down") })
	h.Terminal = true
	drain(t, h, 1)

	require.Empty(t, broker.Messages(RetryTopic("system.errors", "escalator")))
	require.Len(t, broker.Messages("system.errors.DLQ"), 1)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		require.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}
}

func TestTopicNames(t *testing.T) {
	require.Equal(t, "release.events.notification.retry", RetryTopic("release.events", "notification"))
	require.Equal(t, "release.events.DLQ", DLQTopic("release.events"))
	require.Equal(t, "system.errors", OriginalTopic("system.errors.DLQ"))
	require.True(t, IsDLQ("system.errors.DLQ"))
	require.True(t, IsRetry(RetryTopic("a", "feed")))
	require.Equal(t, []string{"a", "a.feed.retry", "b", "b.feed.retry"}, ConsumeTopics("feed", "a", "b"))
}

func TestFailingGroupsRetryIndependently(t *testing.T) {
	broker := NewMemoryBroker(1)
	publishEnvelope(t, broker, "env-1")
	dedupe := NewLRUDeduper(100, time.Hour)
	calls := map[string]int{}
	var harnesses []*Harness
	for _, group := range []string{"notification", "context"} {
		h := newTestHarness(broker, group, func(context.Context, events.Envelope) error {
			calls[group]++
			return errors.New(group + " down")
		}, &recordedSleeps{})
		h.Dedupe = dedupe
		harnesses = append(harnesses, h)
	}

	// groups take turns so each sees the other's republishes land on the broker
	for round := 0; round < 3; round++ {
		for _, h := range harnesses {
			drain(t, h, 1)
		}
	}
	for _, h := range harnesses {
		short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err := h.Source.Poll(short)
		cancel()
		require.ErrorIs(t, err, context.DeadlineExceeded, "group %s has nothing left", h.Group)
	}

	require.Equal(t, map[string]int{"notification": 3, "context": 3}, calls)
	require.Len(t, broker.Messages(RetryTopic("release.events", "notification")), 2)
	require.Len(t, broker.Messages(RetryTopic("release.events", "context")), 2)

	dlq := broker.Messages("release.events.DLQ")
	require.Len(t, dlq, 2)
	groups := []string{dlq[0].Header(HeaderGroup), dlq[1].Header(HeaderGroup)}
	require.ElementsMatch(t, []string{"notification", "context"}, groups)
}

type flakyProducer struct {
	Producer
	mu    sync.Mutex
	fails int
}

func (f *flakyProducer) Produce(ctx context.Context, msgs ...Message) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("broker unavailable")
	}
	f.mu.Unlock()
	return f.Producer.Produce(ctx, msgs...)
}

func TestFailedRepublishIsRedelivered(t *testing.T) {
	broker := NewMemoryBroker(1)
	publishEnvelope(t, broker, "env-1")
	var mu sync.Mutex
	handled := map[string]int{}
	h := newTestHarness(broker, "notification", func(_ context.Context, e events.Envelope) error {
		mu.Lock()
		handled[e.ID]++
		mu.Unlock()
		if e.ID == "env-1" {
			return errors.New("smtp unavailable")
		}
		return nil
	}, &recordedSleeps{})
	h.Producer = &flakyProducer{Producer: broker, fails: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	batch, err := h.Source.Poll(ctx)
	require.NoError(t, err)
	require.ErrorContains(t, h.HandleBatch(ctx, batch), "broker unavailable")
	require.Empty(t, broker.Messages(RetryTopic("release.events", "notification")))

	publishEnvelope(t, broker, "env-2")
	// redelivered env-1, then env-2 alongside its retry, then the last attempt
	drain(t, h, 3)

	require.Equal(t, map[string]int{"env-1": 4, "env-2": 1}, handled)
	require.Len(t, broker.Messages(RetryTopic("release.events", "notification")), 2)
	require.Len(t, broker.Messages("release.events.DLQ"), 1)
}
