// Package pg stores releases in PostgreSQL through pgx.
package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"releaseflow/internal/domain"
	"releaseflow/internal/repo"
)

const Schema = `
CREATE TABLE IF NOT EXISTS releases (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    version           TEXT NOT NULL,
    completed         BOOLEAN NOT NULL DEFAULT FALSE,
    completed_at      TIMESTAMPTZ,
    last_completed_at TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL,
    revision          BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    release_id  TEXT NOT NULL REFERENCES releases(id) ON DELETE CASCADE,
    title       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    assignee_id TEXT NOT NULL,
    order_index INT NOT NULL,
    status      TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    UNIQUE (release_id, order_index)
);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks (assignee_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS ux_tasks_one_in_process ON tasks (assignee_id) WHERE status = 'IN_PROCESS';
`

const activeTaskIndex = "ux_tasks_one_in_process"

type Repo struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// EnsureSchema creates the tables if they do not exist yet.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *Repo) Load(ctx context.Context, id string) (domain.Release, error) {
	items, err := r.query(ctx, "r.id = $1", id)
	if err != nil {
		return domain.Release{}, err
	}
	if len(items) == 0 {
		return domain.Release{}, repo.ErrNotFound
	}
	return items[0], nil
}

func (r *Repo) FindAll(ctx context.Context) ([]domain.Release, error) {
	return r.query(ctx, "TRUE")
}

func (r *Repo) FindByAssignee(ctx context.Context, developerID string) ([]domain.Release, error) {
	return r.query(ctx, "r.id IN (SELECT release_id FROM tasks WHERE assignee_id = $1)", developerID)
}

func (r *Repo) FindByAssigneeAndStatus(ctx context.Context, developerID string, status domain.TaskStatus) ([]domain.Release, error) {
	return r.query(ctx, "r.id IN (SELECT release_id FROM tasks WHERE assignee_id = $1 AND status = $2)", developerID, string(status))
}

func (r *Repo) FindByTaskID(ctx context.Context, taskID string) (domain.Release, error) {
	items, err := r.query(ctx, "r.id IN (SELECT release_id FROM tasks WHERE id = $1)", taskID)
	if err != nil {
		return domain.Release{}, err
	}
	if len(items) == 0 {
		return domain.Release{}, repo.ErrNotFound
	}
	return items[0], nil
}

func (r *Repo) Save(ctx context.Context, rel domain.Release) (domain.Release, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Release{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	next := rel.Revision + 1
	if rel.Revision == 0 {
		const q = `
    INSERT INTO releases (id, name, version, completed, completed_at, last_completed_at, created_at, updated_at, revision)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		if _, err := tx.Exec(ctx, q, rel.ID, rel.Name, rel.Version, rel.Completed, rel.CompletedAt, rel.LastCompletedAt, rel.CreatedAt, rel.UpdatedAt, next); err != nil {
			if isUniqueViolation(err) {
				return domain.Release{}, repo.ErrConflict
			}
			return domain.Release{}, fmt.Errorf("insert release %s: %w", rel.ID, err)
		}
	} else {
		const q = `
    UPDATE releases SET name = $1, version = $2, completed = $3, completed_at = $4, last_completed_at = $5, updated_at = $6, revision = $7
    WHERE id = $8 AND revision = $9`
		tag, err := tx.Exec(ctx, q, rel.Name, rel.Version, rel.Completed, rel.CompletedAt, rel.LastCompletedAt, rel.UpdatedAt, next, rel.ID, rel.Revision)
		if err != nil {
			return domain.Release{}, fmt.Errorf("update release %s: %w", rel.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.Release{}, repo.ErrConflict
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE release_id = $1`, rel.ID); err != nil {
		return domain.Release{}, fmt.Errorf("clear tasks %s: %w", rel.ID, err)
	}
	batch := &pgx.Batch{}
	for _, t := range rel.Tasks {
		batch.Queue(`
    INSERT INTO tasks (id, release_id, title, description, assignee_id, order_index, status, created_at, updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			t.ID, rel.ID, t.Title, t.Description, t.AssigneeID, t.OrderIndex, string(t.Status), t.CreatedAt, t.UpdatedAt)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if dev, ok := activeTaskViolation(err); ok {
				return domain.Release{}, repo.DeveloperBusy(dev)
			}
			if isUniqueViolation(err) {
				return domain.Release{}, repo.ErrConflict
			}
			return domain.Release{}, fmt.Errorf("insert tasks %s: %w", rel.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Release{}, fmt.Errorf("commit: %w", err)
	}
	rel.Revision = next
	return rel, nil
}

func (r *Repo) query(ctx context.Context, where string, args ...any) ([]domain.Release, error) {
	q := `
    SELECT r.id, r.name, r.version, r.completed, r.completed_at, r.last_completed_at, r.created_at, r.updated_at, r.revision
    FROM releases r
    WHERE ` + where + `
    ORDER BY r.created_at, r.id`
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query releases: %w", err)
	}
	var res []domain.Release
	index := map[string]int{}
	for rows.Next() {
		var rel domain.Release
		if err := rows.Scan(&rel.ID, &rel.Name, &rel.Version, &rel.Completed, &rel.CompletedAt, &rel.LastCompletedAt, &rel.CreatedAt, &rel.UpdatedAt, &rel.Revision); err != nil {
			rows.Close()
			return nil, err
		}
		rel.Tasks = []domain.Task{}
		index[rel.ID] = len(res)
		res = append(res, rel)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows releases: %w", err)
	}
	if len(res) == 0 {
		return res, nil
	}

	tq := `
    SELECT t.id, t.release_id, t.title, t.description, t.assignee_id, t.order_index, t.status, t.created_at, t.updated_at
    FROM tasks t
    WHERE t.release_id IN (SELECT r.id FROM releases r WHERE ` + where + `)
    ORDER BY t.release_id, t.order_index`
	taskRows, err := r.pool.Query(ctx, tq, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var t domain.Task
		var releaseID, status string
		if err := taskRows.Scan(&t.ID, &releaseID, &t.Title, &t.Description, &t.AssigneeID, &t.OrderIndex, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Status = domain.TaskStatus(status)
		if i, ok := index[releaseID]; ok {
			res[i].Tasks = append(res[i].Tasks, t)
		}
	}
	if err := taskRows.Err(); err != nil {
		return nil, fmt.Errorf("rows tasks: %w", err)
	}
	return res, nil
}

// activeTaskViolation extracts the developer from a violation of the
// one-in-process index. Detail reads "Key (assignee_id)=(dev-1) already exists.".
func activeTaskViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" || pgErr.ConstraintName != activeTaskIndex {
		return "", false
	}
	dev := pgErr.Detail
	if i := strings.Index(dev, ")=("); i >= 0 {
		dev = dev[i+3:]
		if j := strings.LastIndex(dev, ")"); j >= 0 {
			dev = dev[:j]
		}
	}
	return dev, true
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
