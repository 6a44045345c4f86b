package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"releaseflow/internal/events"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisDeduper) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, NewRedisDeduper(client, time.Minute)
}

func TestRedisDeduper(t *testing.T) {
	mr, d := setupMiniRedis(t)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "notification:env-1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, d.Mark(ctx, "notification:env-1"))
	seen, err = d.Seen(ctx, "notification:env-1")
	require.NoError(t, err)
	require.True(t, seen)
	require.True(t, mr.Exists("rf:dedupe:notification:env-1"))

	mr.FastForward(2 * time.Minute)
	seen, err = d.Seen(ctx, "notification:env-1")
	require.NoError(t, err)
	require.False(t, seen, "entries expire after the ttl")
}

func TestRedisDeduperWithHarness(t *testing.T) {
	_, d := setupMiniRedis(t)
	broker := NewMemoryBroker(1)
	env := publishEnvelope(t, broker, "env-shared")
	require.NoError(t, Sender{Producer: broker}.Send(context.Background(), "release.events", env.EventType, env))

	calls := 0
	h := newTestHarness(broker, "notification", func(context.Context, events.Envelope) error {
		calls++
		return nil
	}, &recordedSleeps{})
	h.Dedupe = d
	drain(t, h, 2)
	require.Equal(t, 1, calls)
}
