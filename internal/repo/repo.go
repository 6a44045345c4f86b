package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"releaseflow/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the release changed since it was loaded.
	ErrConflict = errors.New("revision conflict")
)

// Repo is the SQLite release store.
type Repo struct {
	DB *sql.DB
}

const releaseColumns = `r.id,r.name,r.version,r.completed,r.completed_at,r.last_completed_at,r.created_at,r.updated_at,r.revision`
const taskColumns = `t.id,t.release_id,t.title,t.description,t.assignee_id,t.order_index,t.status,t.created_at,t.updated_at`

func (r Repo) Load(ctx context.Context, id string) (domain.Release, error) {
	items, err := r.queryReleases(ctx, "r.id=?", id)
	if err != nil {
		return domain.Release{}, err
	}
	if len(items) == 0 {
		return domain.Release{}, ErrNotFound
	}
	return items[0], nil
}

func (r Repo) FindAll(ctx context.Context) ([]domain.Release, error) {
	return r.queryReleases(ctx, "1=1")
}

func (r Repo) FindByAssignee(ctx context.Context, developerID string) ([]domain.Release, error) {
	return r.queryReleases(ctx, "r.id IN (SELECT release_id FROM tasks WHERE assignee_id=?)", developerID)
}

func (r Repo) FindByAssigneeAndStatus(ctx context.Context, developerID string, status domain.TaskStatus) ([]domain.Release, error) {
	return r.queryReleases(ctx, "r.id IN (SELECT release_id FROM tasks WHERE assignee_id=? AND status=?)", developerID, string(status))
}

func (r Repo) FindByTaskID(ctx context.Context, taskID string) (domain.Release, error) {
	items, err := r.queryReleases(ctx, "r.id IN (SELECT release_id FROM tasks WHERE id=?)", taskID)
	if err != nil {
		return domain.Release{}, err
	}
	if len(items) == 0 {
		return domain.Release{}, ErrNotFound
	}
	return items[0], nil
}

// Save writes the release and its tasks if rel.Revision still matches the stored row.
// A zero revision inserts a new release. The returned release carries the new revision.
func (r Repo) Save(ctx context.Context, rel domain.Release) (domain.Release, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Release{}, err
	}
	defer tx.Rollback()

	next := rel.Revision + 1
	if rel.Revision == 0 {
		_, err := tx.ExecContext(ctx, `INSERT INTO releases(id,name,version,completed,completed_at,last_completed_at,created_at,updated_at,revision) VALUES (?,?,?,?,?,?,?,?,?)`,
			rel.ID, rel.Name, rel.Version, boolInt(rel.Completed), nullableTime(rel.CompletedAt), nullableTime(rel.LastCompletedAt),
			formatTime(rel.CreatedAt), formatTime(rel.UpdatedAt), next)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.Release{}, ErrConflict
			}
			return domain.Release{}, fmt.Errorf("insert release: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `UPDATE releases SET name=?,version=?,completed=?,completed_at=?,last_completed_at=?,updated_at=?,revision=? WHERE id=? AND revision=?`,
			rel.Name, rel.Version, boolInt(rel.Completed), nullableTime(rel.CompletedAt), nullableTime(rel.LastCompletedAt),
			formatTime(rel.UpdatedAt), next, rel.ID, rel.Revision)
		if err != nil {
			return domain.Release{}, fmt.Errorf("update release: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return domain.Release{}, err
		}
		if n == 0 {
			return domain.Release{}, ErrConflict
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE release_id=?`, rel.ID); err != nil {
		return domain.Release{}, fmt.Errorf("clear tasks: %w", err)
	}
	for _, t := range rel.Tasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,release_id,title,description,assignee_id,order_index,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			t.ID, rel.ID, t.Title, nullable(t.Description), t.AssigneeID, t.OrderIndex, string(t.Status), formatTime(t.CreatedAt), formatTime(t.UpdatedAt)); err != nil {
			if isActiveTaskViolation(err) {
				return domain.Release{}, DeveloperBusy(t.AssigneeID)
			}
			if isUniqueViolation(err) {
				return domain.Release{}, ErrConflict
			}
			return domain.Release{}, fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Release{}, err
	}
	rel.Revision = next
	return rel, nil
}

func (r Repo) queryReleases(ctx context.Context, where string, args ...any) ([]domain.Release, error) {
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM releases r WHERE %s ORDER BY r.created_at, r.id`, releaseColumns, where), args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Release
	index := map[string]int{}
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[rel.ID] = len(res)
		res = append(res, rel)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(res) == 0 {
		return res, nil
	}

	taskRows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM tasks t WHERE t.release_id IN (SELECT r.id FROM releases r WHERE %s) ORDER BY t.release_id, t.order_index`, taskColumns, where), args...)
	if err != nil {
		return nil, err
	}
	defer taskRows.Close()
	for taskRows.Next() {
		t, releaseID, err := scanTask(taskRows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[releaseID]; ok {
			res[i].Tasks = append(res[i].Tasks, t)
		}
	}
	if err := taskRows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Tasks == nil {
			res[i].Tasks = []domain.Task{}
		}
	}
	return res, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRelease(s scanner) (domain.Release, error) {
	var rel domain.Release
	var completed int
	var completedAt, lastCompletedAt sql.NullString
	var createdAt, updatedAt string
	if err := s.Scan(&rel.ID, &rel.Name, &rel.Version, &completed, &completedAt, &lastCompletedAt, &createdAt, &updatedAt, &rel.Revision); err != nil {
		return domain.Release{}, err
	}
	rel.Completed = completed == 1
	rel.CompletedAt = parseNullTime(completedAt)
	rel.LastCompletedAt = parseNullTime(lastCompletedAt)
	rel.CreatedAt = parseTime(createdAt)
	rel.UpdatedAt = parseTime(updatedAt)
	return rel, nil
}

func scanTask(s scanner) (domain.Task, string, error) {
	var t domain.Task
	var releaseID, status, createdAt, updatedAt string
	var desc sql.NullString
	if err := s.Scan(&t.ID, &releaseID, &t.Title, &desc, &t.AssigneeID, &t.OrderIndex, &status, &createdAt, &updatedAt); err != nil {
		return domain.Task{}, "", err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, releaseID, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	ts := parseTime(v.String)
	return &ts
}

// DeveloperBusy reports a store-level rejection of a second IN_PROCESS task for developerID.
func DeveloperBusy(developerID string) error {
	return domain.Errorf(domain.KindDeveloperBusy, "developer %s already has a task in progress", developerID)
}

// isActiveTaskViolation matches the partial unique index on tasks(assignee_id).
func isActiveTaskViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.assignee_id")
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
