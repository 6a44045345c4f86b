package pg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"releaseflow/internal/db"
	"releaseflow/internal/domain"
	"releaseflow/internal/repo"
)

// Set RELEASEFLOW_TEST_PG_DSN to run against a live database.
func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	dsn := os.Getenv("RELEASEFLOW_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("RELEASEFLOW_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	r := New(pool)
	require.NoError(t, r.EnsureSchema(ctx))
	return r
}

func TestSaveLoadAndConflict(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.NewString()
	rel := domain.Release{ID: id, Name: "pg", Version: "1.0.0", CreatedAt: now, UpdatedAt: now,
		Tasks: []domain.Task{{ID: uuid.NewString(), Title: "one", AssigneeID: "dev-" + id, OrderIndex: 1, Status: domain.StatusTodo, CreatedAt: now, UpdatedAt: now}}}

	saved, err := r.Save(ctx, rel)
	require.NoError(t, err)
	require.EqualValues(t, 1, saved.Revision)

	got, err := r.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Tasks, 1)
	require.True(t, got.CreatedAt.Equal(now))

	stale := saved
	saved.Name = "renamed"
	_, err = r.Save(ctx, saved)
	require.NoError(t, err)
	_, err = r.Save(ctx, stale)
	require.True(t, errors.Is(err, repo.ErrConflict))

	mine, err := r.FindByAssignee(ctx, "dev-"+id)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	_, err = r.FindByTaskID(ctx, uuid.NewString())
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestActiveTaskViolationNamesDeveloper(t *testing.T) {
	err := &pgconn.PgError{Code: "23505", ConstraintName: activeTaskIndex, Detail: "Key (assignee_id)=(dev-7) already exists."}
	dev, ok := activeTaskViolation(fmt.Errorf("batch: %w", err))
	require.True(t, ok)
	require.Equal(t, "dev-7", dev)

	_, ok = activeTaskViolation(&pgconn.PgError{Code: "23505", ConstraintName: "tasks_pkey"})
	require.False(t, ok)
}

func TestSecondActiveTaskIsDeveloperBusy(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	dev := "dev-" + uuid.NewString()
	active := func() domain.Release {
		return domain.Release{ID: uuid.NewString(), Name: "pg", Version: "1.0.0", CreatedAt: now, UpdatedAt: now,
			Tasks: []domain.Task{{ID: uuid.NewString(), Title: "one", AssigneeID: dev, OrderIndex: 1, Status: domain.StatusInProcess, CreatedAt: now, UpdatedAt: now}}}
	}

	_, err := r.Save(ctx, active())
	require.NoError(t, err)
	_, err = r.Save(ctx, active())
	require.Equal(t, domain.KindDeveloperBusy, domain.KindOf(err))
	require.Contains(t, err.Error(), dev)
}
