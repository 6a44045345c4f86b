package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"releaseflow/internal/domain"
	"releaseflow/internal/events"
	rflog "releaseflow/internal/log"
	"releaseflow/internal/repo"
)

// Store persists Release aggregates. Save is a compare-and-swap on Release.Revision
// and returns repo.ErrConflict when the stored revision moved.
type Store interface {
	Load(ctx context.Context, id string) (domain.Release, error)
	Save(ctx context.Context, rel domain.Release) (domain.Release, error)
	FindAll(ctx context.Context) ([]domain.Release, error)
	FindByAssignee(ctx context.Context, developerID string) ([]domain.Release, error)
	FindByAssigneeAndStatus(ctx context.Context, developerID string, status domain.TaskStatus) ([]domain.Release, error)
	FindByTaskID(ctx context.Context, taskID string) (domain.Release, error)
}

type Publisher interface {
	Publish(ctx context.Context, evt events.DomainEvent) (events.Envelope, error)
}

type Metrics interface {
	TaskCompleted()
	SetActiveDevelopers(n int)
}

type Engine struct {
	Store   Store
	Events  Publisher
	Metrics Metrics
	Log     zerolog.Logger
	Now     func() time.Time
	NewID   func() string

	locksOnce sync.Once
	locks     *keyedLocks
}

func New(store Store, pub Publisher) *Engine {
	return &Engine{
		Store:  store,
		Events: pub,
		Log:    rflog.WithComponent("engine"),
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Engine) lock(key string) func() {
	e.locksOnce.Do(func() { e.locks = newKeyedLocks() })
	return e.locks.Lock(key)
}

func (e *Engine) CreateRelease(ctx context.Context, name, version string) (domain.Release, error) {
	name, version = strings.TrimSpace(name), strings.TrimSpace(version)
	if name == "" || version == "" {
		return domain.Release{}, domain.Errorf(domain.KindInvalidInput, "name and version are required")
	}
	now := e.now()
	rel := domain.Release{
		ID:        e.newID(),
		Name:      name,
		Version:   version,
		CreatedAt: now,
		UpdatedAt: now,
		Tasks:     []domain.Task{},
	}
	saved, err := e.save(ctx, rel)
	if err != nil {
		return domain.Release{}, err
	}
	e.publish(ctx, events.ReleaseCreated{ReleaseID: saved.ID, Name: saved.Name, Version: saved.Version})
	return saved, nil
}

func (e *Engine) GetRelease(ctx context.Context, id string) (domain.Release, error) {
	rel, err := e.Store.Load(ctx, id)
	if err != nil {
		return domain.Release{}, e.notFound(err, domain.KindReleaseNotFound, "release %s not found", id)
	}
	return rel, nil
}

func (e *Engine) ListReleases(ctx context.Context) ([]domain.Release, error) {
	return e.Store.FindAll(ctx)
}

// AddTaskInput describes a task to append to a release.
type AddTaskInput struct {
	Title       string
	Description string
	AssigneeID  string
	OrderIndex  int
}

// AddTask appends a TODO task. Adding to a completed release reopens it.
func (e *Engine) AddTask(ctx context.Context, releaseID string, in AddTaskInput) (domain.Release, domain.Task, error) {
	in.Title, in.AssigneeID = strings.TrimSpace(in.Title), strings.TrimSpace(in.AssigneeID)
	if in.Title == "" || in.AssigneeID == "" {
		return domain.Release{}, domain.Task{}, domain.Errorf(domain.KindInvalidInput, "title and assignee are required")
	}
	unlock := e.lock(releaseKey(releaseID))
	defer unlock()

	rel, err := e.GetRelease(ctx, releaseID)
	if err != nil {
		return domain.Release{}, domain.Task{}, err
	}
	if in.OrderIndex <= 0 {
		return domain.Release{}, domain.Task{}, domain.Errorf(domain.KindInvalidOrderIndex, "orderIndex must be a positive integer")
	}
	if _, taken := rel.TaskAt(in.OrderIndex); taken {
		return domain.Release{}, domain.Task{}, domain.Errorf(domain.KindInvalidOrderIndex, "orderIndex %d is already used in release %s", in.OrderIndex, rel.ID)
	}

	now := e.now()
	task := domain.Task{
		ID:          e.newID(),
		Title:       in.Title,
		Description: in.Description,
		AssigneeID:  in.AssigneeID,
		OrderIndex:  in.OrderIndex,
		Status:      domain.StatusTodo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rel.Tasks = append(rel.Tasks, task)
	rel.SortTasks()
	rel.UpdatedAt = now
	reopened := reopenIfCompleted(&rel)

	saved, err := e.save(ctx, rel)
	if err != nil {
		return domain.Release{}, domain.Task{}, err
	}
	e.publish(ctx, events.TaskAssigned{DeveloperID: task.AssigneeID, ReleaseID: saved.ID, TaskID: task.ID, TaskTitle: task.Title})
	if reopened {
		e.publish(ctx, events.HotfixTaskAdded{DeveloperID: task.AssigneeID, ReleaseID: saved.ID, TaskTitle: task.Title})
	}
	return saved, task, nil
}

// reopenIfCompleted clears the completion of rel and reports whether it did.
// LastCompletedAt is kept as history.
func reopenIfCompleted(rel *domain.Release) bool {
	if !rel.Completed {
		return false
	}
	rel.Completed = false
	rel.CompletedAt = nil
	return true
}

// StartTask moves a TODO task to IN_PROCESS for its assignee.
func (e *Engine) StartTask(ctx context.Context, releaseID, taskID, developerID string) (domain.Release, error) {
	unlockDev := e.lock(developerKey(developerID))
	defer unlockDev()
	unlock := e.lock(releaseKey(releaseID))
	defer unlock()

	rel, err := e.GetRelease(ctx, releaseID)
	if err != nil {
		return domain.Release{}, err
	}
	task, ok := rel.Task(taskID)
	if !ok {
		return domain.Release{}, domain.Errorf(domain.KindTaskNotFound, "task %s not found in release %s", taskID, releaseID)
	}
	now := e.now()
	next := *task
	if err := next.Start(developerID, now); err != nil {
		return domain.Release{}, err
	}
	if err := ensurePredecessorCompleted(rel, next); err != nil {
		return domain.Release{}, err
	}
	if err := e.ensureDeveloperIdle(ctx, developerID); err != nil {
		return domain.Release{}, err
	}
	*task = next
	rel.UpdatedAt = now

	saved, err := e.save(ctx, rel)
	if err != nil {
		return domain.Release{}, err
	}
	e.publish(ctx, events.TaskStarted{DeveloperID: developerID, ReleaseID: saved.ID, TaskID: next.ID, TaskTitle: next.Title})
	e.refreshActiveDevelopers(ctx)
	return saved, nil
}

// CompleteTask moves an IN_PROCESS task to COMPLETED for its assignee.
func (e *Engine) CompleteTask(ctx context.Context, releaseID, taskID, developerID string) (domain.Release, error) {
	unlock := e.lock(releaseKey(releaseID))
	defer unlock()

	rel, err := e.GetRelease(ctx, releaseID)
	if err != nil {
		return domain.Release{}, err
	}
	task, ok := rel.Task(taskID)
	if !ok {
		return domain.Release{}, domain.Errorf(domain.KindTaskNotFound, "task %s not found in release %s", taskID, releaseID)
	}
	now := e.now()
	next := *task
	if err := next.Complete(developerID, now); err != nil {
		return domain.Release{}, err
	}
	*task = next
	rel.UpdatedAt = now

	saved, err := e.save(ctx, rel)
	if err != nil {
		return domain.Release{}, err
	}
	if e.Metrics != nil {
		e.Metrics.TaskCompleted()
	}
	e.publish(ctx, events.TaskCompleted{DeveloperID: developerID, ReleaseID: saved.ID, TaskID: next.ID, TaskTitle: next.Title})
	e.refreshActiveDevelopers(ctx)
	return saved, nil
}

func (e *Engine) StartTaskByID(ctx context.Context, taskID, developerID string) (domain.Release, error) {
	releaseID, err := e.releaseOf(ctx, taskID)
	if err != nil {
		return domain.Release{}, err
	}
	return e.StartTask(ctx, releaseID, taskID, developerID)
}

func (e *Engine) CompleteTaskByID(ctx context.Context, taskID, developerID string) (domain.Release, error) {
	releaseID, err := e.releaseOf(ctx, taskID)
	if err != nil {
		return domain.Release{}, err
	}
	return e.CompleteTask(ctx, releaseID, taskID, developerID)
}

// CompleteRelease marks a release whose tasks are all COMPLETED as completed. It emits no event.
func (e *Engine) CompleteRelease(ctx context.Context, releaseID string) (domain.Release, error) {
	unlock := e.lock(releaseKey(releaseID))
	defer unlock()

	rel, err := e.GetRelease(ctx, releaseID)
	if err != nil {
		return domain.Release{}, err
	}
	if rel.Completed {
		return domain.Release{}, domain.Errorf(domain.KindReleaseAlreadyCompleted, "release %s is already completed", rel.ID)
	}
	if !rel.AllCompleted() {
		return domain.Release{}, domain.Errorf(domain.KindIncompleteTasks, "all tasks must be completed before finishing release %s", rel.ID)
	}
	now := e.now()
	rel.Completed = true
	rel.CompletedAt = &now
	rel.LastCompletedAt = &now
	rel.UpdatedAt = now
	return e.save(ctx, rel)
}

// ListTasksForDeveloper returns every task assigned to developerID together with its release.
func (e *Engine) ListTasksForDeveloper(ctx context.Context, developerID string) ([]domain.DeveloperTask, error) {
	releases, err := e.Store.FindByAssignee(ctx, developerID)
	if err != nil {
		return nil, err
	}
	res := []domain.DeveloperTask{}
	for _, rel := range releases {
		for _, t := range rel.Tasks {
			if t.AssigneeID != developerID {
				continue
			}
			res = append(res, domain.DeveloperTask{Task: t, ReleaseID: rel.ID, ReleaseName: rel.Name, ReleaseVersion: rel.Version})
		}
	}
	return res, nil
}

// ActiveDevelopers counts developers holding an IN_PROCESS task.
func (e *Engine) ActiveDevelopers(ctx context.Context) (int, error) {
	releases, err := e.Store.FindAll(ctx)
	if err != nil {
		return 0, err
	}
	seen := map[string]struct{}{}
	for _, rel := range releases {
		for _, t := range rel.Tasks {
			if t.Status == domain.StatusInProcess {
				seen[t.AssigneeID] = struct{}{}
			}
		}
	}
	return len(seen), nil
}

// ensurePredecessorCompleted requires the task at OrderIndex-1 to exist and be COMPLETED.
// Only OrderIndex 1 has no predecessor.
func ensurePredecessorCompleted(rel domain.Release, task domain.Task) error {
	prev := task.OrderIndex - 1
	if prev <= 0 {
		return nil
	}
	p, ok := rel.TaskAt(prev)
	if !ok {
		return domain.Errorf(domain.KindPredecessorIncomplete, "previous task (order %d) is missing", prev)
	}
	if p.Status != domain.StatusCompleted {
		return domain.Errorf(domain.KindPredecessorIncomplete, "previous task %s must be completed first", p.ID)
	}
	return nil
}

func (e *Engine) ensureDeveloperIdle(ctx context.Context, developerID string) error {
	releases, err := e.Store.FindByAssigneeAndStatus(ctx, developerID, domain.StatusInProcess)
	if err != nil {
		return fmt.Errorf("find active tasks: %w", err)
	}
	for _, rel := range releases {
		if t, ok := rel.ActiveTaskFor(developerID); ok {
			return domain.Errorf(domain.KindDeveloperBusy, "developer %s already has task %s in progress", developerID, t.ID)
		}
	}
	return nil
}

func (e *Engine) releaseOf(ctx context.Context, taskID string) (string, error) {
	rel, err := e.Store.FindByTaskID(ctx, taskID)
	if err != nil {
		return "", e.notFound(err, domain.KindTaskNotFound, "task %s not found", taskID)
	}
	return rel.ID, nil
}

func (e *Engine) save(ctx context.Context, rel domain.Release) (domain.Release, error) {
	saved, err := e.Store.Save(ctx, rel)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Release{}, domain.Errorf(domain.KindConflict, "release %s was modified concurrently", rel.ID)
		}
		if domain.KindOf(err) != "" {
			return domain.Release{}, err
		}
		return domain.Release{}, fmt.Errorf("save release %s: %w", rel.ID, err)
	}
	return saved, nil
}

func (e *Engine) notFound(err error, kind domain.Kind, format string, args ...any) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Errorf(kind, format, args...)
	}
	return err
}

// publish runs after the mutation is stored. Failures are parked in the outbox by the publisher.
func (e *Engine) publish(ctx context.Context, evt events.DomainEvent) {
	if e.Events == nil {
		return
	}
	if _, err := e.Events.Publish(ctx, evt); err != nil {
		e.Log.Warn().Err(err).Str(rflog.FieldEventType, evt.EventType()).Msg("publish failed; event left for relay")
	}
}

func (e *Engine) refreshActiveDevelopers(ctx context.Context) {
	if e.Metrics == nil {
		return
	}
	n, err := e.ActiveDevelopers(ctx)
	if err != nil {
		e.Log.Debug().Err(err).Msg("count active developers")
		return
	}
	e.Metrics.SetActiveDevelopers(n)
}
