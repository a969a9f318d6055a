package tandemsdk_test

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"

	tandemsdk "tandem/sdk/go"

	"tandem/internal/config"
	"tandem/internal/domain"
	"tandem/internal/engine"
	"tandem/internal/journal"
	"tandem/internal/server"
)

func newTestClient(t *testing.T, secret string) (*tandemsdk.Client, engine.Engine) {
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
	e, err := engine.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret}})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return tandemsdk.New(srv.URL), e
}

func TestClientReadsPlan(t *testing.T) {
	client, e := newTestClient(t, "")
	ctx := context.Background()
	if err := client.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	plan, err := e.CreatePlan(ctx, engine.PlanCreateOptions{Title: "sdk", SubtasksPreview: []string{"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	foreman, err := e.CreateForemanTask(ctx, plan.ID, "")
	if err != nil {
		t.Fatal(err)
	}

	got, err := client.Plan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if got.Title != "sdk" || len(got.SubtasksPreview) != 2 || got.TaskCounts["pending"] != 1 {
		t.Fatalf("unexpected plan %+v", got)
	}
	tasks, err := client.PlanTasks(ctx, plan.ID)
	if err != nil || len(tasks) != 1 || tasks[0].ID != foreman.ID {
		t.Fatalf("tasks %+v err %v", tasks, err)
	}
	task, err := client.Task(ctx, foreman.ID)
	if err != nil || task.TaskType != "foreman" {
		t.Fatalf("task %+v err %v", task, err)
	}
	evts, err := client.Events(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) == 0 || evts[0].EventType != string(domain.EventPlanCreated) {
		t.Fatalf("unexpected events %+v", evts)
	}
	sessions, err := client.Sessions(ctx)
	if err != nil || len(sessions) != 0 {
		t.Fatalf("sessions %v err %v", sessions, err)
	}

	_, err = client.Plan(ctx, "plan-missing")
	if !tandemsdk.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClientBearerToken(t *testing.T) {
	client, _ := newTestClient(t, "sdk-secret")
	ctx := context.Background()
	if _, err := client.Plans(ctx, false); err == nil {
		t.Fatalf("expected 401 without token")
	}
	token, err := server.IssueToken("sdk-secret", "dashboard", "")
	if err != nil {
		t.Fatal(err)
	}
	client.BearerToken = token
	plans, err := client.Plans(ctx, false)
	if err != nil {
		t.Fatalf("plans: %v", err)
	}
	if len(plans) != 0 {
		t.Fatalf("expected no plans, got %d", len(plans))
	}
}
