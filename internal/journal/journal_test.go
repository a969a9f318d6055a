package journal_test

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"tandem/internal/domain"
	"tandem/internal/errs"
	"tandem/internal/journal"
)

func newLog(t *testing.T) *journal.Log {
	t.Helper()
	return journal.New(t.TempDir(), nil)
}

func drawTime(rt *rapid.T, label string) time.Time {
	sec := rapid.Int64Range(0, 4102444800).Draw(rt, label+"_sec")
	nsec := rapid.Int64Range(0, 999_999_999).Draw(rt, label+"_nsec")
	return time.Unix(sec, nsec).UTC()
}

func drawOptString(rt *rapid.T, label string) *string {
	if !rapid.Bool().Draw(rt, label+"_set") {
		return nil
	}
	s := rapid.String().Draw(rt, label)
	return &s
}

func drawPlan(rt *rapid.T) domain.Plan {
	statuses := []domain.PlanStatus{domain.PlanPending, domain.PlanApproved, domain.PlanRunning, domain.PlanComplete, domain.PlanCancelled}
	p := domain.Plan{
		ID:              domain.GeneratePlanID(),
		Title:           rapid.String().Draw(rt, "title"),
		Description:     rapid.String().Draw(rt, "description"),
		SubtasksPreview: rapid.SliceOf(rapid.String()).Draw(rt, "preview"),
		Considerations:  rapid.SliceOf(rapid.String()).Draw(rt, "considerations"),
		Status:          rapid.SampledFrom(statuses).Draw(rt, "status"),
		CreatedAt:       drawTime(rt, "created"),
		UpdatedAt:       drawTime(rt, "updated"),
	}
	if rapid.Bool().Draw(rt, "approved") {
		at := drawTime(rt, "approved_at")
		p.ApprovedAt = &at
	}
	return p
}

func drawTask(rt *rapid.T) domain.Task {
	statuses := []domain.TaskStatus{domain.TaskPending, domain.TaskRunning, domain.TaskComplete, domain.TaskFailed}
	return domain.Task{
		ID:             "task-" + rapid.StringMatching(`[0-9a-f]{8}(\.[1-9]){0,3}`).Draw(rt, "id"),
		PlanID:         domain.GeneratePlanID(),
		ParentID:       drawOptString(rt, "parent"),
		TaskType:       rapid.SampledFrom([]domain.TaskType{domain.TaskForeman, domain.TaskSubtask}).Draw(rt, "type"),
		Title:          rapid.String().Draw(rt, "title"),
		Description:    drawOptString(rt, "description"),
		Status:         rapid.SampledFrom(statuses).Draw(rt, "status"),
		DependsOn:      rapid.SliceOf(rapid.StringMatching(`task-[0-9a-f]{4}\.[1-9]`)).Draw(rt, "depends_on"),
		Worktree:       drawOptString(rt, "worktree"),
		AssignedWorker: drawOptString(rt, "worker"),
		CreatedAt:      drawTime(rt, "created"),
		UpdatedAt:      drawTime(rt, "updated"),
	}
}

func drawContext(rt *rapid.T) domain.ContextItem {
	c := domain.ContextItem{
		ID:        "fact-" + rapid.StringMatching(`[0-9a-f]{12}`).Draw(rt, "id"),
		PlanID:    domain.GeneratePlanID(),
		SubtaskID: drawOptString(rt, "subtask"),
		ItemType:  rapid.SampledFrom([]domain.ContextType{domain.ContextFact, domain.ContextDecision}).Draw(rt, "type"),
		Content:   rapid.String().Draw(rt, "content"),
		Source:    drawOptString(rt, "source"),
		Reasoning: drawOptString(rt, "reasoning"),
		CreatedAt: drawTime(rt, "created"),
	}
	// an empty list is not written, so only draw absent or non-empty
	if rapid.Bool().Draw(rt, "has_alternatives") {
		c.Alternatives = rapid.SliceOfN(rapid.String(), 1, 4).Draw(rt, "alternatives")
	}
	if rapid.Bool().Draw(rt, "has_confidence") {
		v := rapid.Float64Range(0, 1).Draw(rt, "confidence")
		c.Confidence = &v
	}
	return c
}

func TestPlanRoundTripPreservesOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		log := newLog(t)
		plans := rapid.SliceOfN(rapid.Custom(drawPlan), 1, 8).Draw(rt, "plans")
		for _, p := range plans {
			if err := log.AppendPlan(p); err != nil {
				rt.Fatalf("append plan: %v", err)
			}
		}
		got, err := log.ReadPlans()
		if err != nil {
			rt.Fatalf("read plans: %v", err)
		}
		if !reflect.DeepEqual(got, plans) {
			rt.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, plans)
		}
	})
}

func TestTaskRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		log := newLog(t)
		tasks := rapid.SliceOfN(rapid.Custom(drawTask), 1, 8).Draw(rt, "tasks")
		for _, task := range tasks {
			if err := log.AppendTask(task); err != nil {
				rt.Fatalf("append task: %v", err)
			}
		}
		got, err := log.ReadTasks()
		if err != nil {
			rt.Fatalf("read tasks: %v", err)
		}
		if len(got) != len(tasks) {
			rt.Fatalf("read %d tasks, wrote %d", len(got), len(tasks))
		}
		for i := range tasks {
			if !reflect.DeepEqual(got[i], tasks[i]) {
				rt.Fatalf("task[%d] mismatch:\n got %+v\nwant %+v", i, got[i], tasks[i])
			}
		}
	})
}

func TestContextRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		log := newLog(t)
		items := rapid.SliceOfN(rapid.Custom(drawContext), 1, 8).Draw(rt, "items")
		for _, c := range items {
			if err := log.AppendContext(c); err != nil {
				rt.Fatalf("append context: %v", err)
			}
		}
		got, err := log.ReadContext()
		if err != nil {
			rt.Fatalf("read context: %v", err)
		}
		if !reflect.DeepEqual(got, items) {
			rt.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, items)
		}
	})
}

func TestEventAndReviewRoundTrip(t *testing.T) {
	log := newLog(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	evt, err := domain.NewEvent(domain.EventWorkerProgress, now).
		WithPlan("plan-abc").
		WithTask("task-abc.1").
		WithData(map[string]any{"percent": 40})
	if err != nil {
		t.Fatal(err)
	}
	if err := log.AppendEvent(evt); err != nil {
		t.Fatalf("append event: %v", err)
	}
	rev := domain.NewReview("plan-abc", domain.ReviewerHuman, now)
	rev.Notes = []string{"tighten error handling"}
	if err := log.AppendReview(rev); err != nil {
		t.Fatalf("append review: %v", err)
	}

	events, err := log.ReadEvents()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || !reflect.DeepEqual(events[0], evt) {
		t.Fatalf("events = %+v, want %+v", events, evt)
	}
	reviews, err := log.ReadReviews()
	if err != nil {
		t.Fatal(err)
	}
	if len(reviews) != 1 || !reflect.DeepEqual(reviews[0], rev) {
		t.Fatalf("reviews = %+v, want %+v", reviews, rev)
	}
}

func TestMissingTargetReadsEmpty(t *testing.T) {
	log := newLog(t)
	plans, err := log.ReadPlans()
	if err != nil {
		t.Fatalf("read missing: %v", err)
	}
	if len(plans) != 0 {
		t.Fatalf("expected no plans, got %d", len(plans))
	}
	if log.Exists(domain.KindPlan) {
		t.Fatalf("target should not exist yet")
	}
	has, err := log.HasRecords(domain.KindPlan)
	if err != nil || has {
		t.Fatalf("HasRecords on missing = %v, %v", has, err)
	}
}

func TestBlankLinesAreSkipped(t *testing.T) {
	log := newLog(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := domain.NewPlan("plan-1", "one", "", now)
	second := domain.NewPlan("plan-2", "two", "", now)
	if err := log.AppendPlan(first); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(log.Path(domain.KindPlan), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("\n   \n\t\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := log.AppendPlan(second); err != nil {
		t.Fatal(err)
	}

	plans, err := log.ReadPlans()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(plans) != 2 || plans[0].ID != "plan-1" || plans[1].ID != "plan-2" {
		t.Fatalf("unexpected plans: %+v", plans)
	}
}

func TestCorruptLineIsHardError(t *testing.T) {
	log := newLog(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := log.AppendPlan(domain.NewPlan("plan-1", "one", "", now)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(log.Path(domain.KindPlan), []byte("{\"id\":\"plan-1\"\n{not json}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := log.ReadPlans()
	var storageErr errs.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}

func TestUnknownStatusIsHardError(t *testing.T) {
	log := newLog(t)
	line := `{"id":"plan-1","title":"x","description":"","subtasks_preview":[],"considerations":[],"status":"paused","created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}` + "\n"
	if err := os.WriteFile(log.Path(domain.KindPlan), []byte(line), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := log.ReadPlans(); err == nil {
		t.Fatalf("expected decode failure for unknown status")
	}
}

func TestLargeRecord(t *testing.T) {
	log := newLog(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	desc := make([]byte, 256*1024)
	for i := range desc {
		desc[i] = 'a' + byte(i%26)
	}
	p := domain.NewPlan("plan-big", "big", string(desc), now)
	if err := log.AppendPlan(p); err != nil {
		t.Fatal(err)
	}
	plans, err := log.ReadPlans()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(plans) != 1 || plans[0].Description != string(desc) {
		t.Fatalf("large record did not round trip")
	}
}

func TestConcurrentAppendsInProcess(t *testing.T) {
	log := newLog(t)
	const writers, perWriter = 8, 50
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				evt := domain.NewEvent(domain.EventWorkerProgress, now).WithPlan(fmt.Sprintf("plan-%d", w))
				if err := log.AppendEvent(evt); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("append: %v", err)
	}
	events, err := log.ReadEvents()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != writers*perWriter {
		t.Fatalf("got %d events, want %d", len(events), writers*perWriter)
	}
}

// TestConcurrentAppendsAcrossProcesses re-runs this test binary as several
// writer processes that append to the same target at once.
func TestConcurrentAppendsAcrossProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}
	dir := t.TempDir()
	const procs, perProc = 4, 100
	cmds := make([]*exec.Cmd, 0, procs)
	for i := 0; i < procs; i++ {
		cmd := exec.Command(os.Args[0], "-test.run=^TestHelperAppender$")
		cmd.Env = append(os.Environ(),
			"TANDEM_HELPER_APPENDER=1",
			"TANDEM_HELPER_DIR="+dir,
			"TANDEM_HELPER_COUNT="+strconv.Itoa(perProc),
			"TANDEM_HELPER_WRITER="+strconv.Itoa(i),
		)
		if err := cmd.Start(); err != nil {
			t.Fatalf("start writer %d: %v", i, err)
		}
		cmds = append(cmds, cmd)
	}
	for i, cmd := range cmds {
		if err := cmd.Wait(); err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
	}

	events, err := journal.New(dir, nil).ReadEvents()
	if err != nil {
		t.Fatalf("read after contention: %v", err)
	}
	if len(events) != procs*perProc {
		t.Fatalf("got %d events, want %d", len(events), procs*perProc)
	}
	perWriter := map[string]int{}
	for _, e := range events {
		if e.PlanID == nil {
			t.Fatalf("event %s lost its plan id", e.ID)
		}
		perWriter[*e.PlanID]++
	}
	for w, n := range perWriter {
		if n != perProc {
			t.Fatalf("writer %s: %d events, want %d", w, n, perProc)
		}
	}
}

type seqRecord struct {
	Seq    int    `json:"seq"`
	Writer string `json:"writer"`
}

func appendNextSeq(log *journal.Log, writer string) error {
	_, err := journal.AppendNext(log, domain.KindTask, func(existing []seqRecord) (seqRecord, error) {
		return seqRecord{Seq: len(existing) + 1, Writer: writer}, nil
	})
	return err
}

func checkUniqueSeqs(t *testing.T, log *journal.Log, want int) {
	t.Helper()
	recs, err := journal.ReadAll[seqRecord](log, domain.KindTask)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != want {
		t.Fatalf("got %d records, want %d", len(recs), want)
	}
	for i, r := range recs {
		if r.Seq != i+1 {
			t.Fatalf("record %d has seq %d (writer %s); allocation raced", i, r.Seq, r.Writer)
		}
	}
}

func TestAppendNextSeesEveryEarlierRecord(t *testing.T) {
	log := newLog(t)
	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := appendNextSeq(log, strconv.Itoa(w)); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("append next: %v", err)
	}
	checkUniqueSeqs(t, log, writers*perWriter)
}

func TestAppendNextAcrossProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}
	dir := t.TempDir()
	const procs, perProc = 4, 50
	cmds := make([]*exec.Cmd, 0, procs)
	for i := 0; i < procs; i++ {
		cmd := exec.Command(os.Args[0], "-test.run=^TestHelperAppender$")
		cmd.Env = append(os.Environ(),
			"TANDEM_HELPER_APPENDER=1",
			"TANDEM_HELPER_MODE=next",
			"TANDEM_HELPER_DIR="+dir,
			"TANDEM_HELPER_COUNT="+strconv.Itoa(perProc),
			"TANDEM_HELPER_WRITER="+strconv.Itoa(i),
		)
		if err := cmd.Start(); err != nil {
			t.Fatalf("start writer %d: %v", i, err)
		}
		cmds = append(cmds, cmd)
	}
	for i, cmd := range cmds {
		if err := cmd.Wait(); err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
	}
	checkUniqueSeqs(t, journal.New(dir, nil), procs*perProc)
}

func TestAppendNextBuildErrorWritesNothing(t *testing.T) {
	log := newLog(t)
	boom := errors.New("boom")
	_, err := journal.AppendNext(log, domain.KindTask, func([]seqRecord) (seqRecord, error) {
		return seqRecord{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected build error, got %v", err)
	}
	if has, err := log.HasRecords(domain.KindTask); err != nil || has {
		t.Fatalf("expected empty target, has=%v err=%v", has, err)
	}
}

func TestHelperAppender(t *testing.T) {
	if os.Getenv("TANDEM_HELPER_APPENDER") != "1" {
		return
	}
	count, _ := strconv.Atoi(os.Getenv("TANDEM_HELPER_COUNT"))
	writer := os.Getenv("TANDEM_HELPER_WRITER")
	log := journal.New(os.Getenv("TANDEM_HELPER_DIR"), nil)
	if os.Getenv("TANDEM_HELPER_MODE") == "next" {
		for i := 0; i < count; i++ {
			if err := appendNextSeq(log, writer); err != nil {
				t.Fatalf("append next: %v", err)
			}
		}
		return
	}
	// large enough that an unlocked writer would risk interleaving
	payload := map[string]string{"filler": fmt.Sprintf("%0512d", 0)}
	for i := 0; i < count; i++ {
		evt, err := domain.NewEvent(domain.EventWorkerProgress, time.Now()).
			WithPlan("plan-writer-" + writer).
			WithData(payload)
		if err != nil {
			t.Fatal(err)
		}
		if err := log.AppendEvent(evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}
