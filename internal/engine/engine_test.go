package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"tandem/internal/config"
	"tandem/internal/domain"
	"tandem/internal/engine"
	"tandem/internal/errs"
	"tandem/internal/journal"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type testEnv struct {
	Engine engine.Engine
	Config config.Config
	Ctx    context.Context
}

func initProject(t *testing.T) config.Config {
	t.Helper()
	cfg := config.New(t.TempDir())
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	log := journal.New(cfg.Dir, nil)
	for _, k := range domain.Kinds {
		if err := log.CreateEmpty(k); err != nil {
			t.Fatal(err)
		}
	}
	return cfg
}

func openEngine(t *testing.T, cfg config.Config) engine.Engine {
	t.Helper()
	eng, err := engine.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = clock.Now
	return eng
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	cfg := initProject(t)
	return testEnv{Engine: openEngine(t, cfg), Config: cfg, Ctx: context.Background()}
}

func (env testEnv) plan(t *testing.T, title string) domain.Plan {
	t.Helper()
	p, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{Title: title})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

func removeMirror(t *testing.T, cfg config.Config) {
	t.Helper()
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(cfg.MirrorPath() + suffix); err != nil && !os.IsNotExist(err) {
			t.Fatal(err)
		}
	}
}

func TestOpenRequiresInitializedProject(t *testing.T) {
	cfg := config.New(t.TempDir())
	_, err := engine.Open(context.Background(), cfg, nil)
	var cfgErr errs.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	_, err = engine.Open(context.Background(), cfg, nil)
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for missing log files, got %v", err)
	}
}

func TestWriteThroughPersistsToLogAndMirror(t *testing.T) {
	env := newTestEnv(t)
	p := env.plan(t, "Add login")

	got, err := env.Engine.GetPlan(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if got.ID != p.ID || got.Title != "Add login" || got.Status != domain.PlanPending {
		t.Fatalf("unexpected plan %+v", got)
	}
	logged, err := env.Engine.Log.ReadPlans()
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 1 || logged[0].ID != p.ID {
		t.Fatalf("log holds %+v", logged)
	}
	evts, err := env.Engine.GetEventsForPlan(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].EventType != domain.EventPlanCreated {
		t.Fatalf("expected plan_created event, got %+v", evts)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetPlan(env.Ctx, "plan-missing")
	var nf errs.NotFoundError
	if !errors.As(err, &nf) || nf.EntityType != "Plan" || nf.ID != "plan-missing" {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if !errs.IsNotFound(err) {
		t.Fatalf("IsNotFound should match")
	}
	_, ok, err := env.Engine.GetPlanOpt(env.Ctx, "plan-missing")
	if err != nil || ok {
		t.Fatalf("GetPlanOpt = %v, %v", ok, err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, "task-missing"); !errs.IsNotFound(err) {
		t.Fatalf("expected task not found, got %v", err)
	}
}

func TestReconcileRebuildsEmptyMirror(t *testing.T) {
	cfg := initProject(t)
	ctx := context.Background()
	eng := openEngine(t, cfg)

	p, err := eng.CreatePlan(ctx, engine.PlanCreateOptions{Title: "Rebuild me"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.TransitionPlan(ctx, p.ID, domain.PlanApproved); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateForemanTask(ctx, p.ID, ""); err != nil {
		t.Fatal(err)
	}
	sub, err := eng.CreateSubtask(ctx, engine.SubtaskCreateOptions{PlanID: p.ID, Title: "step"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.TransitionTask(ctx, sub.ID, domain.TaskRunning); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.AddFact(ctx, engine.FactOptions{PlanID: p.ID, SubtaskID: sub.ID, Content: "fact"}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.RequestReview(ctx, p.ID, domain.ReviewerAgent); err != nil {
		t.Fatal(err)
	}
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}
	removeMirror(t, cfg)

	reopened := openEngine(t, cfg)
	got, err := reopened.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("plan not rebuilt: %v", err)
	}
	if got.Status != domain.PlanApproved || got.ApprovedAt == nil {
		t.Fatalf("last write should win on replay, got %+v", got)
	}
	task, err := reopened.GetTask(ctx, sub.ID)
	if err != nil || task.Status != domain.TaskRunning {
		t.Fatalf("task not rebuilt: %+v %v", task, err)
	}
	tasks, _ := reopened.GetTasksForPlan(ctx, p.ID)
	items, _ := reopened.GetContextForTask(ctx, sub.ID)
	reviews, _ := reopened.GetReviewsForPlan(ctx, p.ID)
	evts, _ := reopened.GetEventsForPlan(ctx, p.ID)
	if len(tasks) != 2 || len(items) != 1 || len(reviews) != 1 || len(evts) != 3 {
		t.Fatalf("rebuilt counts: tasks=%d context=%d reviews=%d events=%d", len(tasks), len(items), len(reviews), len(evts))
	}
}

func TestReconcileLeavesPopulatedMirrorAlone(t *testing.T) {
	cfg := initProject(t)
	ctx := context.Background()
	eng := openEngine(t, cfg)
	if _, err := eng.CreatePlan(ctx, engine.PlanCreateOptions{ID: "plan-a", Title: "a"}); err != nil {
		t.Fatal(err)
	}
	eng.Close()

	// a record that reached the log but not the mirror
	stray := domain.NewPlan("plan-b", "b", "", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if err := journal.New(cfg.Dir, nil).AppendPlan(stray); err != nil {
		t.Fatal(err)
	}

	reopened := openEngine(t, cfg)
	if _, ok, _ := reopened.GetPlanOpt(ctx, "plan-b"); ok {
		t.Fatalf("populated mirror should not be rebuilt on open")
	}
	report, err := reopened.FullSync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Plans != 2 || report.Events != 1 {
		t.Fatalf("report = %+v", report)
	}
	if _, err := reopened.GetPlan(ctx, "plan-b"); err != nil {
		t.Fatalf("FullSync should pick up plan-b: %v", err)
	}
}

func TestFullSyncKeepsMirrorWhenLogIsCorrupt(t *testing.T) {
	env := newTestEnv(t)
	p := env.plan(t, "keep")
	f, err := os.OpenFile(env.Config.LogPath(domain.KindReview), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{broken\n")
	f.Close()

	_, err = env.Engine.FullSync(env.Ctx)
	var storageErr errs.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if _, err := env.Engine.GetPlan(env.Ctx, p.ID); err != nil {
		t.Fatalf("mirror should be untouched: %v", err)
	}
}

// failingMirror rejects task upserts.
type failingMirror struct {
	engine.Mirror
}

func (failingMirror) UpsertTask(context.Context, domain.Task) error {
	return errors.New("disk full")
}

func TestMirrorFailureAfterAppendIsReportedAndRepairable(t *testing.T) {
	env := newTestEnv(t)
	p := env.plan(t, "fault")

	faulty, err := engine.New(env.Ctx, env.Config, env.Engine.Log, failingMirror{Mirror: env.Engine.Mirror}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = faulty.CreateForemanTask(env.Ctx, p.ID, "")
	var cacheErr errs.CacheError
	if !errors.As(err, &cacheErr) {
		t.Fatalf("expected CacheError, got %v", err)
	}

	logged, err := env.Engine.Log.ReadTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 1 || logged[0].ID != domain.ForemanTaskID(p.ID) {
		t.Fatalf("log should hold the task, got %+v", logged)
	}
	if _, ok, _ := env.Engine.GetTaskOpt(env.Ctx, logged[0].ID); ok {
		t.Fatalf("mirror should not have the task yet")
	}

	if _, err := env.Engine.FullSync(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, logged[0].ID); err != nil {
		t.Fatalf("FullSync should restore the task: %v", err)
	}
}

func TestPlanTransitions(t *testing.T) {
	env := newTestEnv(t)
	p := env.plan(t, "lifecycle")

	approved, err := env.Engine.TransitionPlan(env.Ctx, p.ID, domain.PlanApproved)
	if err != nil {
		t.Fatal(err)
	}
	if approved.ApprovedAt == nil || !approved.UpdatedAt.Equal(*approved.ApprovedAt) {
		t.Fatalf("approve should stamp approved_at: %+v", approved)
	}
	_, err = env.Engine.TransitionPlan(env.Ctx, p.ID, domain.PlanPending)
	var trErr errs.TransitionError
	if !errors.As(err, &trErr) || trErr.From != "approved" || trErr.To != "pending" {
		t.Fatalf("expected backward move to fail, got %v", err)
	}
	if _, err := env.Engine.TransitionPlan(env.Ctx, p.ID, domain.PlanRunning); err != nil {
		t.Fatal(err)
	}
	active, err := env.Engine.GetActivePlans(env.Ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("active plans = %+v, %v", active, err)
	}
	if _, err := env.Engine.TransitionPlan(env.Ctx, p.ID, domain.PlanCancelled); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionPlan(env.Ctx, p.ID, domain.PlanComplete); err == nil {
		t.Fatalf("cancelled is terminal")
	}

	evts, _ := env.Engine.GetEventsForPlan(env.Ctx, p.ID)
	var types []domain.EventType
	for _, e := range evts {
		types = append(types, e.EventType)
	}
	want := []domain.EventType{domain.EventPlanCreated, domain.EventPlanApproved, domain.EventPlanCancelled}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestSubtaskNumbering(t *testing.T) {
	env := newTestEnv(t)
	p := env.plan(t, "numbering")
	foreman, err := env.Engine.CreateForemanTask(env.Ctx, p.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if foreman.ID != "task-"+domain.BarePlanID(p.ID) || foreman.Title != "numbering" {
		t.Fatalf("foreman = %+v", foreman)
	}
	if _, err := env.Engine.CreateForemanTask(env.Ctx, p.ID, ""); err == nil {
		t.Fatalf("second foreman task should fail")
	}

	var ids []string
	for _, title := range []string{"one", "two", "three"} {
		sub, err := env.Engine.CreateSubtask(env.Ctx, engine.SubtaskCreateOptions{PlanID: p.ID, Title: title})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, sub.ID)
	}
	want := []string{foreman.ID + ".1", foreman.ID + ".2", foreman.ID + ".3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
	nested, err := env.Engine.CreateSubtask(env.Ctx, engine.SubtaskCreateOptions{PlanID: p.ID, ParentID: ids[1], Title: "nested", DependsOn: []string{ids[0]}})
	if err != nil {
		t.Fatal(err)
	}
	if nested.ID != ids[1]+".1" || nested.ParentID == nil || *nested.ParentID != ids[1] {
		t.Fatalf("nested = %+v", nested)
	}
	if domain.TaskLeaf(nested.ID) != "1" {
		t.Fatalf("leaf = %s", domain.TaskLeaf(nested.ID))
	}
	kids, err := env.Engine.GetChildTasks(env.Ctx, foreman.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(kids) != 3 {
		t.Fatalf("foreman children = %+v", kids)
	}

	other := env.plan(t, "other")
	if _, err := env.Engine.CreateSubtask(env.Ctx, engine.SubtaskCreateOptions{PlanID: other.ID, ParentID: ids[0], Title: "x"}); err == nil {
		t.Fatalf("parent from another plan should be rejected")
	}
}

// laggingMirror runs hook once, the first time a task is read, standing in
// for another process whose append has landed but whose upsert has not.
type laggingMirror struct {
	engine.Mirror
	once sync.Once
	hook func()
}

func (m *laggingMirror) GetTask(ctx context.Context, id string) (domain.Task, bool, error) {
	m.once.Do(m.hook)
	return m.Mirror.GetTask(ctx, id)
}

func TestSubtaskNumberSkipsSiblingOnlyInLog(t *testing.T) {
	env := newTestEnv(t)
	p := env.plan(t, "interleaved")
	foreman, err := env.Engine.CreateForemanTask(env.Ctx, p.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	sibling := domain.NewSubtask(p.ID, foreman.ID, 1, "from the other process", time.Now())
	eng := env.Engine
	eng.Mirror = &laggingMirror{Mirror: env.Engine.Mirror, hook: func() {
		if err := env.Engine.Log.AppendTask(sibling); err != nil {
			t.Errorf("append sibling: %v", err)
		}
	}}

	sub, err := eng.CreateSubtask(env.Ctx, engine.SubtaskCreateOptions{PlanID: p.ID, Title: "mine"})
	if err != nil {
		t.Fatal(err)
	}
	if sub.ID == sibling.ID {
		t.Fatalf("subtask reused sibling id %s", sub.ID)
	}
	if sub.ID != foreman.ID+".2" {
		t.Fatalf("id = %s, want %s.2", sub.ID, foreman.ID)
	}

	if _, err := env.Engine.FullSync(env.Ctx); err != nil {
		t.Fatal(err)
	}
	tasks, err := env.Engine.GetTasksForPlan(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected foreman and two subtasks, got %+v", tasks)
	}
}

func TestConcurrentSubtaskCreationYieldsUniqueIDs(t *testing.T) {
	env := newTestEnv(t)
	p := env.plan(t, "concurrent")
	if _, err := env.Engine.CreateForemanTask(env.Ctx, p.ID, ""); err != nil {
		t.Fatal(err)
	}
	const creators, perCreator = 4, 5
	var wg sync.WaitGroup
	errCh := make(chan error, creators)
	for c := 0; c < creators; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perCreator; i++ {
				if _, err := env.Engine.CreateSubtask(env.Ctx, engine.SubtaskCreateOptions{PlanID: p.ID, Title: "parallel"}); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("create subtask: %v", err)
	}

	logged, err := env.Engine.Log.ReadTasks()
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, task := range logged {
		if seen[task.ID] {
			t.Fatalf("id %s appended twice", task.ID)
		}
		seen[task.ID] = true
	}
	if len(seen) != 1+creators*perCreator {
		t.Fatalf("got %d distinct tasks, want %d", len(seen), 1+creators*perCreator)
	}
}

func TestTaskTransitionsAndAssignment(t *testing.T) {
	env := newTestEnv(t)
	p := env.plan(t, "tasks")
	if _, err := env.Engine.CreateForemanTask(env.Ctx, p.ID, ""); err != nil {
		t.Fatal(err)
	}
	sub, err := env.Engine.CreateSubtask(env.Ctx, engine.SubtaskCreateOptions{PlanID: p.ID, Title: "work"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionTask(env.Ctx, sub.ID, domain.TaskComplete); err == nil {
		t.Fatalf("pending -> complete should be rejected")
	}
	assigned, err := env.Engine.AssignWorker(env.Ctx, sub.ID, "tandem-worker-x-1", "/tmp/wt")
	if err != nil {
		t.Fatal(err)
	}
	if assigned.AssignedWorker == nil || *assigned.AssignedWorker != "tandem-worker-x-1" || assigned.Worktree == nil {
		t.Fatalf("assignment = %+v", assigned)
	}
	for _, to := range []domain.TaskStatus{domain.TaskRunning, domain.TaskFailed, domain.TaskRunning, domain.TaskComplete} {
		if _, err := env.Engine.TransitionTask(env.Ctx, sub.ID, to); err != nil {
			t.Fatalf("to %s: %v", to, err)
		}
	}
	got, _ := env.Engine.GetTask(env.Ctx, sub.ID)
	if got.Status != domain.TaskComplete || got.AssignedWorker == nil {
		t.Fatalf("task = %+v", got)
	}
	counts, err := env.Engine.TaskCounts(env.Ctx, p.ID)
	if err != nil || counts[domain.TaskComplete] != 1 || counts[domain.TaskPending] != 1 {
		t.Fatalf("counts = %v, %v", counts, err)
	}
	evts, _ := env.Engine.GetEventsForPlan(env.Ctx, p.ID)
	var failed, complete int
	for _, e := range evts {
		switch e.EventType {
		case domain.EventWorkerFailed:
			failed++
		case domain.EventWorkerComplete:
			complete++
			if e.TaskID == nil || *e.TaskID != sub.ID {
				t.Fatalf("worker_complete should carry the task id")
			}
		}
	}
	if failed != 1 || complete != 1 {
		t.Fatalf("failed=%d complete=%d", failed, complete)
	}
}

func TestContextLedger(t *testing.T) {
	env := newTestEnv(t)
	p := env.plan(t, "context")
	if _, err := env.Engine.CreateForemanTask(env.Ctx, p.ID, ""); err != nil {
		t.Fatal(err)
	}
	sub, _ := env.Engine.CreateSubtask(env.Ctx, engine.SubtaskCreateOptions{PlanID: p.ID, Title: "work"})

	conf := 0.9
	fact, err := env.Engine.AddFact(env.Ctx, engine.FactOptions{PlanID: p.ID, SubtaskID: sub.ID, Content: "api is REST", Source: "docs", Confidence: &conf})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddDecision(env.Ctx, engine.DecisionOptions{PlanID: p.ID, Content: "use sqlite", Reasoning: "embedded", Alternatives: []string{"postgres"}}); err != nil {
		t.Fatal(err)
	}
	bad := 1.5
	if _, err := env.Engine.AddFact(env.Ctx, engine.FactOptions{PlanID: p.ID, Content: "x", Confidence: &bad}); err == nil {
		t.Fatalf("confidence above 1 should be rejected")
	}
	if _, err := env.Engine.AddFact(env.Ctx, engine.FactOptions{PlanID: "plan-nope", Content: "x"}); !errs.IsNotFound(err) {
		t.Fatalf("unknown plan should be not found, got %v", err)
	}

	all, err := env.Engine.GetContextForPlan(env.Ctx, p.ID)
	if err != nil || len(all) != 2 {
		t.Fatalf("context for plan = %d, %v", len(all), err)
	}
	scoped, err := env.Engine.GetContextForTask(env.Ctx, sub.ID)
	if err != nil || len(scoped) != 1 || scoped[0].ID != fact.ID {
		t.Fatalf("context for task = %+v, %v", scoped, err)
	}
	if *scoped[0].Source != "docs" || *scoped[0].Confidence != 0.9 {
		t.Fatalf("fact fields lost: %+v", scoped[0])
	}
}

func TestReviewCycle(t *testing.T) {
	env := newTestEnv(t)
	p := env.plan(t, "review")
	r, err := env.Engine.RequestReview(env.Ctx, p.ID, domain.ReviewerHuman)
	if err != nil {
		t.Fatal(err)
	}
	r, err = env.Engine.ResolveReview(env.Ctx, r.ID, domain.ReviewChangesRequested, []string{"add tests", " "})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Notes) != 1 {
		t.Fatalf("blank notes should be dropped: %v", r.Notes)
	}
	if _, err := env.Engine.ResolveReview(env.Ctx, r.ID, domain.ReviewApproved, nil); err == nil {
		t.Fatalf("changes_requested -> approved should go through pending")
	}
	if _, err := env.Engine.ResolveReview(env.Ctx, r.ID, domain.ReviewPending, nil); err != nil {
		t.Fatal(err)
	}
	r, err = env.Engine.ResolveReview(env.Ctx, r.ID, domain.ReviewApproved, []string{"lgtm"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != domain.ReviewApproved || len(r.Notes) != 2 {
		t.Fatalf("review = %+v", r)
	}
	reviews, _ := env.Engine.GetReviewsForPlan(env.Ctx, p.ID)
	if len(reviews) != 1 || reviews[0].Status != domain.ReviewApproved {
		t.Fatalf("reviews = %+v", reviews)
	}
}

func TestRecordEvent(t *testing.T) {
	env := newTestEnv(t)
	p := env.plan(t, "events")
	evt, err := env.Engine.RecordEvent(env.Ctx, engine.EventOptions{
		Type:   domain.EventWorkerProgress,
		PlanID: p.ID,
		Data:   json.RawMessage(`{"percent": 50}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.GetEvent(env.Ctx, evt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != `{"percent":50}` {
		t.Fatalf("data = %s", got.Data)
	}
	if _, err := env.Engine.RecordEvent(env.Ctx, engine.EventOptions{Type: domain.EventWorkerProgress, Data: json.RawMessage(`{"percent":`)}); err == nil {
		t.Fatalf("invalid JSON data should be rejected")
	}
	if _, err := env.Engine.RecordEvent(env.Ctx, engine.EventOptions{Type: "bogus"}); err == nil {
		t.Fatalf("unknown event type should be rejected")
	}
}

func TestRecordEventKeepsDataVerbatim(t *testing.T) {
	env := newTestEnv(t)
	p := env.plan(t, "opaque data")
	payloads := []string{
		`{"build":12345678901234567891}`,
		`["step 1","step 2"]`,
		`42`,
	}
	var ids []string
	for _, data := range payloads {
		evt, err := env.Engine.RecordEvent(env.Ctx, engine.EventOptions{
			Type:   domain.EventWorkerProgress,
			PlanID: p.ID,
			Data:   json.RawMessage(data),
		})
		if err != nil {
			t.Fatalf("record %s: %v", data, err)
		}
		ids = append(ids, evt.ID)
	}
	logged, err := env.Engine.Log.ReadEvents()
	if err != nil {
		t.Fatal(err)
	}
	inLog := map[string]string{}
	for _, evt := range logged {
		inLog[evt.ID] = string(evt.Data)
	}
	for i, id := range ids {
		got, err := env.Engine.GetEvent(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if string(got.Data) != payloads[i] {
			t.Fatalf("mirror data = %s, want %s", got.Data, payloads[i])
		}
		if inLog[id] != payloads[i] {
			t.Fatalf("log data = %s, want %s", inLog[id], payloads[i])
		}
	}
}

func TestCheckTaskGraph(t *testing.T) {
	env := newTestEnv(t)
	p := env.plan(t, "graph")
	other := env.plan(t, "other")
	if _, err := env.Engine.CreateForemanTask(env.Ctx, p.ID, ""); err != nil {
		t.Fatal(err)
	}
	otherRoot, err := env.Engine.CreateForemanTask(env.Ctx, other.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	root := domain.ForemanTaskID(p.ID)
	// depends_on is not validated on write, so a cycle can be recorded
	a, _ := env.Engine.CreateSubtask(env.Ctx, engine.SubtaskCreateOptions{PlanID: p.ID, Title: "a", DependsOn: []string{root + ".2"}})
	b, _ := env.Engine.CreateSubtask(env.Ctx, engine.SubtaskCreateOptions{PlanID: p.ID, Title: "b", DependsOn: []string{a.ID}})
	if _, err := env.Engine.CreateSubtask(env.Ctx, engine.SubtaskCreateOptions{PlanID: p.ID, Title: "c", DependsOn: []string{"task-ghost", otherRoot.ID}}); err != nil {
		t.Fatal(err)
	}

	report, err := env.Engine.CheckTaskGraph(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() {
		t.Fatalf("report should flag problems")
	}
	if len(report.Cycles) != 1 || len(report.Cycles[0]) != 2 {
		t.Fatalf("cycles = %v", report.Cycles)
	}
	members := map[string]bool{report.Cycles[0][0]: true, report.Cycles[0][1]: true}
	if !members[a.ID] || !members[b.ID] {
		t.Fatalf("cycle should contain %s and %s: %v", a.ID, b.ID, report.Cycles)
	}
	if len(report.Dangling) != 1 || report.Dangling[0].DependsOn != "task-ghost" {
		t.Fatalf("dangling = %+v", report.Dangling)
	}
	if len(report.CrossPlan) != 1 || report.CrossPlan[0].OtherPlan != other.ID {
		t.Fatalf("cross plan = %+v", report.CrossPlan)
	}

	clean, err := env.Engine.CheckTaskGraph(env.Ctx, other.ID)
	if err != nil || !clean.OK() {
		t.Fatalf("other plan should be clean: %+v %v", clean, err)
	}
}
