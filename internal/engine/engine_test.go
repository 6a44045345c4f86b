package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"releaseflow/internal/db"
	"releaseflow/internal/domain"
	"releaseflow/internal/engine"
	"releaseflow/internal/events"
	"releaseflow/internal/metrics"
	"releaseflow/internal/migrate"
	"releaseflow/internal/repo"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.DomainEvent) (events.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return events.Envelope{}, p.err
	}
	p.events = append(p.events, evt)
	return events.Envelope{EventType: evt.EventType()}, nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

func (p *recordingPublisher) count(eventType string) int {
	n := 0
	for _, t := range p.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

type testEnv struct {
	Engine *engine.Engine
	Repo   repo.Repo
	Pub    *recordingPublisher
	Ctx    context.Context
}

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := repo.Repo{DB: conn}
	pub := &recordingPublisher{}
	eng := engine.New(store, pub)
	eng.Log = zerolog.Nop()
	eng.Now = func() time.Time { return fixedNow }
	return testEnv{Engine: eng, Repo: store, Pub: pub, Ctx: context.Background()}
}

func (env testEnv) release(t *testing.T, name string) domain.Release {
	t.Helper()
	rel, err := env.Engine.CreateRelease(env.Ctx, name, "1.0")
	if err != nil {
		t.Fatalf("create release: %v", err)
	}
	return rel
}

func (env testEnv) task(t *testing.T, releaseID, title, assignee string, order int) domain.Task {
	t.Helper()
	_, task, err := env.Engine.AddTask(env.Ctx, releaseID, engine.AddTaskInput{Title: title, AssigneeID: assignee, OrderIndex: order})
	if err != nil {
		t.Fatalf("add task %s: %v", title, err)
	}
	return task
}

func expectKind(t *testing.T, err error, kind domain.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", kind)
	}
	if got := domain.KindOf(err); got != kind {
		t.Fatalf("expected %s, got %v", kind, err)
	}
}

func TestStartAndAssigneeCheck(t *testing.T) {
	env := newTestEnv(t)
	rel, err := env.Engine.CreateRelease(env.Ctx, "Apollo", "2.1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task := env.task(t, rel.ID, "Hotfix", "dev-1", 1)
	if task.Status != domain.StatusTodo {
		t.Fatalf("new task should be TODO, got %s", task.Status)
	}

	rel, err = env.Engine.StartTask(env.Ctx, rel.ID, task.ID, "dev-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	started, _ := rel.Task(task.ID)
	if started.Status != domain.StatusInProcess {
		t.Fatalf("expected IN_PROCESS, got %s", started.Status)
	}
	if env.Pub.count(events.TypeTaskStarted) != 1 {
		t.Fatalf("TaskStarted not emitted: %v", env.Pub.types())
	}

	_, err = env.Engine.StartTask(env.Ctx, rel.ID, task.ID, "dev-2")
	expectKind(t, err, domain.KindNotAssignee)
	if !errors.Is(err, domain.ErrNotAssignee) {
		t.Fatalf("sentinel should match: %v", err)
	}
}

func TestPredecessorMustBeCompleted(t *testing.T) {
	env := newTestEnv(t)
	rel := env.release(t, "Orion")
	first := env.task(t, rel.ID, "first", "dev-1", 1)
	second := env.task(t, rel.ID, "second", "dev-1", 2)

	_, err := env.Engine.StartTask(env.Ctx, rel.ID, second.ID, "dev-1")
	expectKind(t, err, domain.KindPredecessorIncomplete)

	if _, err := env.Engine.StartTask(env.Ctx, rel.ID, first.ID, "dev-1"); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, rel.ID, first.ID, "dev-1"); err != nil {
		t.Fatalf("complete first: %v", err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, rel.ID, second.ID, "dev-1"); err != nil {
		t.Fatalf("start second after first completed: %v", err)
	}
}

func TestMissingPredecessorIsRejected(t *testing.T) {
	env := newTestEnv(t)
	rel := env.release(t, "Gap")
	env.task(t, rel.ID, "one", "dev-1", 1)
	third := env.task(t, rel.ID, "three", "dev-2", 3)

	_, err := env.Engine.StartTask(env.Ctx, rel.ID, third.ID, "dev-2")
	expectKind(t, err, domain.KindPredecessorIncomplete)
}

func TestSingleActiveTaskAcrossReleases(t *testing.T) {
	env := newTestEnv(t)
	x := env.release(t, "X")
	y := env.release(t, "Y")
	tx := env.task(t, x.ID, "x1", "dev-1", 1)
	ty := env.task(t, y.ID, "y1", "dev-1", 1)

	if _, err := env.Engine.StartTask(env.Ctx, x.ID, tx.ID, "dev-1"); err != nil {
		t.Fatalf("start x: %v", err)
	}
	_, err := env.Engine.StartTask(env.Ctx, y.ID, ty.ID, "dev-1")
	expectKind(t, err, domain.KindDeveloperBusy)

	got, _ := env.Repo.Load(env.Ctx, y.ID)
	if got.Tasks[0].Status != domain.StatusTodo {
		t.Fatalf("rejected start must not mutate: %s", got.Tasks[0].Status)
	}
}

func TestConcurrentStartsForOneDeveloper(t *testing.T) {
	env := newTestEnv(t)
	const n = 4
	type target struct{ rel, task string }
	var targets []target
	for i := 0; i < n; i++ {
		rel := env.release(t, fmt.Sprintf("R%d", i))
		task := env.task(t, rel.ID, "t", "dev-1", 1)
		targets = append(targets, target{rel.ID, task.ID})
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, tg := range targets {
		wg.Add(1)
		go func(i int, tg target) {
			defer wg.Done()
			_, errs[i] = env.Engine.StartTask(env.Ctx, tg.rel, tg.task, "dev-1")
		}(i, tg)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case domain.KindOf(err) == domain.KindDeveloperBusy:
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one start to win, got %d", ok)
	}
	active, err := env.Engine.ActiveDevelopers(env.Ctx)
	if err != nil || active != 1 {
		t.Fatalf("active developers: %d %v", active, err)
	}
}

func TestStoreRejectsSecondActiveTaskAcrossEngines(t *testing.T) {
	env := newTestEnv(t)
	other := engine.New(env.Repo, env.Pub)
	other.Log = zerolog.Nop()
	other.Now = env.Engine.Now
	engines := []*engine.Engine{env.Engine, other}

	for round := 0; round < 5; round++ {
		dev := fmt.Sprintf("dev-%d", round)
		var rels, tasks []string
		for i := range engines {
			rel := env.release(t, fmt.Sprintf("%s-R%d", dev, i))
			task := env.task(t, rel.ID, "t", dev, 1)
			rels = append(rels, rel.ID)
			tasks = append(tasks, task.ID)
		}

		var wg sync.WaitGroup
		errs := make([]error, len(engines))
		for i, eng := range engines {
			wg.Add(1)
			go func(i int, eng *engine.Engine) {
				defer wg.Done()
				_, errs[i] = eng.StartTask(env.Ctx, rels[i], tasks[i], dev)
			}(i, eng)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case domain.KindOf(err) == domain.KindDeveloperBusy:
			default:
				t.Fatalf("round %d: unexpected error: %v", round, err)
			}
		}
		if ok != 1 {
			t.Fatalf("round %d: expected exactly one start to win, got %d", round, ok)
		}
		busy, err := env.Repo.FindByAssigneeAndStatus(env.Ctx, dev, domain.StatusInProcess)
		if err != nil || len(busy) != 1 {
			t.Fatalf("round %d: %s should hold one active task: %d %v", round, dev, len(busy), err)
		}
	}
}

func TestZeroValueEngineLocksConcurrently(t *testing.T) {
	env := newTestEnv(t)
	eng := &engine.Engine{Store: env.Repo, Events: env.Pub, Log: zerolog.Nop()}
	rel := env.release(t, "Bare")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = eng.AddTask(env.Ctx, rel.ID, engine.AddTaskInput{Title: fmt.Sprintf("t%d", i), AssigneeID: "dev-1", OrderIndex: i + 1})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("add task %d: %v", i, err)
		}
	}
	got, err := env.Repo.Load(env.Ctx, rel.ID)
	if err != nil || len(got.Tasks) != len(errs) {
		t.Fatalf("expected %d tasks, got %d %v", len(errs), len(got.Tasks), err)
	}
}

func TestAddTaskReopensCompletedRelease(t *testing.T) {
	env := newTestEnv(t)
	rel := env.release(t, "Done")
	task := env.task(t, rel.ID, "only", "dev-1", 1)
	if _, err := env.Engine.StartTask(env.Ctx, rel.ID, task.ID, "dev-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, rel.ID, task.ID, "dev-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, err := env.Engine.CompleteRelease(env.Ctx, rel.ID)
	if err != nil {
		t.Fatalf("complete release: %v", err)
	}
	if !done.Completed || done.CompletedAt == nil || !done.CompletedAt.Equal(*done.LastCompletedAt) {
		t.Fatalf("completion timestamps not stamped: %+v", done)
	}
	env.Pub.reset()

	reopened, _, err := env.Engine.AddTask(env.Ctx, rel.ID, engine.AddTaskInput{Title: "hotfix", AssigneeID: "dev-2", OrderIndex: 2})
	if err != nil {
		t.Fatalf("add hotfix: %v", err)
	}
	if reopened.Completed || reopened.CompletedAt != nil {
		t.Fatalf("release should be reopened: %+v", reopened)
	}
	if reopened.LastCompletedAt == nil {
		t.Fatalf("last completion should be kept")
	}
	if got := env.Pub.count(events.TypeHotfixTaskAdded); got != 1 {
		t.Fatalf("expected one HotfixTaskAdded, got %d (%v)", got, env.Pub.types())
	}
	if got := env.Pub.count(events.TypeTaskAssigned); got != 1 {
		t.Fatalf("expected one TaskAssigned, got %d", got)
	}

	// a second task on the now-open release is not a hotfix
	env.task(t, rel.ID, "follow-up", "dev-2", 3)
	if got := env.Pub.count(events.TypeHotfixTaskAdded); got != 1 {
		t.Fatalf("hotfix should be emitted once, got %d", got)
	}
}

func TestCompleteReleaseWithOpenTask(t *testing.T) {
	env := newTestEnv(t)
	rel := env.release(t, "Open")
	env.task(t, rel.ID, "todo", "dev-1", 1)
	before, _ := env.Repo.Load(env.Ctx, rel.ID)
	env.Pub.reset()

	_, err := env.Engine.CompleteRelease(env.Ctx, rel.ID)
	expectKind(t, err, domain.KindIncompleteTasks)

	after, _ := env.Repo.Load(env.Ctx, rel.ID)
	if after.Completed || after.Revision != before.Revision {
		t.Fatalf("release must be unchanged: before=%+v after=%+v", before, after)
	}
	if len(env.Pub.types()) != 0 {
		t.Fatalf("no event expected, got %v", env.Pub.types())
	}
}

func TestCompleteReleaseTwice(t *testing.T) {
	env := newTestEnv(t)
	rel := env.release(t, "Empty")
	if _, err := env.Engine.CompleteRelease(env.Ctx, rel.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err := env.Engine.CompleteRelease(env.Ctx, rel.ID)
	expectKind(t, err, domain.KindReleaseAlreadyCompleted)
}

func TestAddTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	rel := env.release(t, "Val")
	env.task(t, rel.ID, "one", "dev-1", 1)

	cases := []struct {
		name    string
		release string
		in      engine.AddTaskInput
		kind    domain.Kind
	}{
		{"zero index", rel.ID, engine.AddTaskInput{Title: "t", AssigneeID: "d", OrderIndex: 0}, domain.KindInvalidOrderIndex},
		{"negative index", rel.ID, engine.AddTaskInput{Title: "t", AssigneeID: "d", OrderIndex: -2}, domain.KindInvalidOrderIndex},
		{"duplicate index", rel.ID, engine.AddTaskInput{Title: "t", AssigneeID: "d", OrderIndex: 1}, domain.KindInvalidOrderIndex},
		{"missing title", rel.ID, engine.AddTaskInput{AssigneeID: "d", OrderIndex: 2}, domain.KindInvalidInput},
		{"unknown release", "nope", engine.AddTaskInput{Title: "t", AssigneeID: "d", OrderIndex: 2}, domain.KindReleaseNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := env.Engine.AddTask(env.Ctx, tc.release, tc.in)
			expectKind(t, err, tc.kind)
		})
	}
	got, _ := env.Repo.Load(env.Ctx, rel.ID)
	if len(got.Tasks) != 1 {
		t.Fatalf("rejected adds must not mutate, have %d tasks", len(got.Tasks))
	}
}

func TestTasksAreKeptSorted(t *testing.T) {
	env := newTestEnv(t)
	rel := env.release(t, "Sort")
	env.task(t, rel.ID, "three", "dev-1", 3)
	env.task(t, rel.ID, "one", "dev-1", 1)
	env.task(t, rel.ID, "two", "dev-1", 2)
	got, err := env.Engine.GetRelease(env.Ctx, rel.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i, task := range got.Tasks {
		if task.OrderIndex != i+1 {
			t.Fatalf("tasks out of order: %+v", got.Tasks)
		}
	}
}

func TestTaskByIDAndDeveloperListing(t *testing.T) {
	env := newTestEnv(t)
	a := env.release(t, "A")
	b := env.release(t, "B")
	ta := env.task(t, a.ID, "a1", "dev-1", 1)
	env.task(t, b.ID, "b1", "dev-1", 1)
	env.task(t, b.ID, "b2", "dev-2", 2)

	if _, err := env.Engine.StartTaskByID(env.Ctx, ta.ID, "dev-1"); err != nil {
		t.Fatalf("start by id: %v", err)
	}
	rel, err := env.Engine.CompleteTaskByID(env.Ctx, ta.ID, "dev-1")
	if err != nil {
		t.Fatalf("complete by id: %v", err)
	}
	if done, _ := rel.Task(ta.ID); done.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	_, err = env.Engine.StartTaskByID(env.Ctx, "missing", "dev-1")
	expectKind(t, err, domain.KindTaskNotFound)

	mine, err := env.Engine.ListTasksForDeveloper(env.Ctx, "dev-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected two tasks for dev-1, got %+v", mine)
	}
	for _, dt := range mine {
		if dt.AssigneeID != "dev-1" || dt.ReleaseName == "" {
			t.Fatalf("bad projection: %+v", dt)
		}
	}
	none, err := env.Engine.ListTasksForDeveloper(env.Ctx, "dev-9")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty list: %v %v", none, err)
	}
}

func TestCompleteRequiresInProcess(t *testing.T) {
	env := newTestEnv(t)
	rel := env.release(t, "C")
	task := env.task(t, rel.ID, "c1", "dev-1", 1)
	_, err := env.Engine.CompleteTask(env.Ctx, rel.ID, task.ID, "dev-1")
	expectKind(t, err, domain.KindInvalidState)
	_, err = env.Engine.CompleteTask(env.Ctx, rel.ID, "nope", "dev-1")
	expectKind(t, err, domain.KindTaskNotFound)
}

func TestCompleteTaskWithMetrics(t *testing.T) {
	env := newTestEnv(t)
	m := metrics.Nop()
	env.Engine.Metrics = m
	rel := env.release(t, "M")
	task := env.task(t, rel.ID, "m1", "dev-1", 1)
	if _, err := env.Engine.StartTask(env.Ctx, rel.ID, task.ID, "dev-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, rel.ID, task.ID, "dev-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if env.Pub.count(events.TypeTaskCompleted) != 1 {
		t.Fatalf("TaskCompleted not emitted")
	}
}

type downSender struct{}

func (downSender) Send(context.Context, string, string, events.Envelope) error {
	return errors.New("broker unreachable")
}

func TestPublishFailureKeepsStateChange(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	outbox := repo.Outbox{DB: conn}
	pub := events.NewPublisher(downSender{}, "release-service")
	pub.Outbox = outbox
	pub.Log = zerolog.Nop()
	eng := engine.New(repo.Repo{DB: conn}, pub)
	eng.Log = zerolog.Nop()
	ctx := context.Background()

	rel, err := eng.CreateRelease(ctx, "Resilient", "1.0")
	if err != nil {
		t.Fatalf("create must succeed while the broker is down: %v", err)
	}
	if _, err := (repo.Repo{DB: conn}).Load(ctx, rel.ID); err != nil {
		t.Fatalf("release not persisted: %v", err)
	}
	pending, err := outbox.List(ctx, 10)
	if err != nil || len(pending) != 1 || pending[0].Envelope.EventType != events.TypeReleaseCreated {
		t.Fatalf("expected ReleaseCreated parked in outbox: %v %+v", err, pending)
	}
}
