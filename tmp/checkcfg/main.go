// Command checkcfg initializes a throwaway project, serves it through a
// secured observer API and reads it back with the SDK.
package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"

	"tandem/internal/app"
	"tandem/internal/config"
	"tandem/internal/engine"
	"tandem/internal/server"
	tandemsdk "tandem/sdk/go"
)

func main() {
	ctx := context.Background()
	root, err := os.MkdirTemp("", "tandem-check")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(root)
	if _, err := app.Init(ctx, config.New(root), nil); err != nil {
		panic(err)
	}
	p, err := app.OpenProject(ctx, root, 1)
	if err != nil {
		panic(err)
	}
	defer p.Close()
	plan, err := p.Engine.CreatePlan(ctx, engine.PlanCreateOptions{Title: "Check config", SubtasksPreview: []string{"read settings"}})
	if err != nil {
		panic(err)
	}
	if _, err := p.Engine.CreateForemanTask(ctx, plan.ID, ""); err != nil {
		panic(err)
	}

	jwtSecret := "test-secret"
	h, err := server.New(server.Config{Engine: p.Engine, Sessions: p.Sessions, Auth: server.AuthConfig{JWTSecret: jwtSecret}, Logger: p.Logger})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()
	token, err := server.IssueToken(jwtSecret, "tester", "reviewer")
	if err != nil {
		panic(err)
	}
	client := tandemsdk.New(ts.URL)
	client.BearerToken = token
	got, err := client.Plan(ctx, plan.ID)
	if err != nil {
		panic(err)
	}
	evts, err := client.Events(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("plan=%s status=%s tasks=%v events=%d settings=%+v\n", got.ID, got.Status, got.TaskCounts, len(evts), p.Config.Settings.Session)
}
