package session

import (
	"context"
	"log/slog"

	"tandem/internal/domain"
	"tandem/internal/errs"
)

// Environment variables injected into every launched role process.
const (
	EnvRole      = "TANDEM_ROLE"
	EnvPlanID    = "TANDEM_PLAN_ID"
	EnvSubtaskID = "TANDEM_SUBTASK_ID"
	EnvRoot      = "TANDEM_ROOT"
)

// Manager launches role processes into sessions named by Namer.
type Manager struct {
	Supervisor Supervisor
	Namer      Namer
	// Root is the project root handed to role processes.
	Root   string
	Logger *slog.Logger
}

type LaunchRequest struct {
	Role    domain.Role
	PlanID  string
	TaskID  string
	Command string
	// Dir defaults to Root.
	Dir string
	Env map[string]string
}

func (m Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// Name returns the session name for a role instance.
func (m Manager) Name(role domain.Role, planID, taskID string) (string, error) {
	name, err := m.Namer.For(role, planID, taskID)
	if err != nil {
		return "", errs.SessionError{Message: "cannot name session", Err: err}
	}
	return name, nil
}

// RoleEnv is the environment a role process starts with.
func (m Manager) RoleEnv(role domain.Role, planID, taskID string) map[string]string {
	env := map[string]string{EnvRole: string(role)}
	if planID != "" {
		env[EnvPlanID] = planID
	}
	if taskID != "" {
		env[EnvSubtaskID] = taskID
	}
	if m.Root != "" {
		env[EnvRoot] = m.Root
	}
	return env
}

// Launch starts a detached session for the role instance and returns its name.
func (m Manager) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	if req.PlanID == "" {
		return "", errs.SessionError{Message: "plan id is required"}
	}
	name, err := m.Name(req.Role, req.PlanID, req.TaskID)
	if err != nil {
		return "", err
	}
	env := m.RoleEnv(req.Role, req.PlanID, req.TaskID)
	for k, v := range req.Env {
		env[k] = v
	}
	dir := req.Dir
	if dir == "" {
		dir = m.Root
	}
	if err := m.Supervisor.Spawn(ctx, SpawnRequest{Name: name, Command: req.Command, Dir: dir, Env: env}); err != nil {
		return "", err
	}
	m.logger().Info("launched role", "role", string(req.Role), "plan", req.PlanID, "task", req.TaskID, "session", name)
	return name, nil
}

// Owned lists the sessions carrying this project's prefix.
func (m Manager) Owned(ctx context.Context) ([]string, error) {
	return ListByPrefix(ctx, m.Supervisor, m.Namer.prefix()+"-")
}

func (m Manager) Exists(ctx context.Context, name string) (bool, error) {
	return m.Supervisor.Exists(ctx, name)
}

func (m Manager) Send(ctx context.Context, name, text string) error {
	return m.Supervisor.SendInput(ctx, name, text)
}

func (m Manager) Capture(ctx context.Context, name string) (string, error) {
	return m.Supervisor.Capture(ctx, name)
}

func (m Manager) Kill(ctx context.Context, name string) error {
	return m.Supervisor.Kill(ctx, name)
}

func (m Manager) Attach(ctx context.Context, name string) error {
	return m.Supervisor.Attach(ctx, name)
}
