// Package app wires configuration, the engine and the session manager for
// the entry points.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"tandem/internal/config"
	"tandem/internal/domain"
	"tandem/internal/engine"
	"tandem/internal/journal"
	"tandem/internal/session"
)

const gitignore = "mirror.db\nworktrees/\nlogs/\n"

// InitReport describes what Init did.
type InitReport struct {
	Dir                string   `json:"dir"`
	AlreadyInitialized bool     `json:"already_initialized"`
	Created            []string `json:"created"`
	GitMissing         bool     `json:"git_missing"`
}

// Init creates the state directory of a project. It is a no-op for a
// project that is already fully initialized; missing log files of a
// partially initialized project are recreated.
func Init(ctx context.Context, cfg config.Config, logger *slog.Logger) (InitReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	report := InitReport{Dir: cfg.Dir, Created: []string{}}
	if _, err := os.Stat(filepath.Join(cfg.Root, ".git")); err != nil {
		report.GitMissing = true
		logger.Warn("project root is not a git repository", "root", cfg.Root)
	}
	if cfg.IsInitialized() && len(cfg.MissingTargets()) == 0 {
		report.AlreadyInitialized = true
		return report, nil
	}
	for _, dir := range []string{cfg.Dir, cfg.CheckpointsDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return report, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	created, err := writeIfMissing(cfg.SettingsPath(), config.DefaultYAML())
	if err != nil {
		return report, err
	}
	if created {
		report.Created = append(report.Created, cfg.SettingsPath())
	}
	if created, err = writeIfMissing(cfg.GitignorePath(), gitignore); err != nil {
		return report, err
	}
	if created {
		report.Created = append(report.Created, cfg.GitignorePath())
	}
	log := journal.New(cfg.Dir, logger)
	for _, k := range domain.Kinds {
		if log.Exists(k) {
			continue
		}
		if err := log.CreateEmpty(k); err != nil {
			return report, err
		}
		report.Created = append(report.Created, log.Path(k))
	}

	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		return report, err
	}
	defer eng.Close()
	data, _ := json.Marshal(map[string]string{"dir": cfg.Dir})
	if _, err := eng.RecordEvent(ctx, engine.EventOptions{Type: domain.EventInitialized, Data: data}); err != nil {
		return report, err
	}
	logger.Info("initialized project", "dir", cfg.Dir)
	return report, nil
}

func writeIfMissing(path, content string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}

// Sessions builds the session manager for a project from its settings.
func Sessions(cfg config.Config, logger *slog.Logger) session.Manager {
	return session.Manager{
		Supervisor: session.NewTmux(cfg.Settings.Session.TmuxBinary, logger),
		Namer:      session.Namer{Prefix: cfg.Settings.Session.Prefix},
		Root:       cfg.Root,
		Logger:     logger,
	}
}

// Project bundles everything a command needs to operate on one project.
type Project struct {
	Config   config.Config
	Engine   engine.Engine
	Sessions session.Manager
	Logger   *slog.Logger

	logFile io.Closer
}

// OpenProject loads the settings under root, builds the logger and opens
// the engine.
func OpenProject(ctx context.Context, root string, verbosity int) (*Project, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	logger, closer, err := LoggerFor(cfg, verbosity)
	if err != nil {
		return nil, err
	}
	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &Project{
		Config:   cfg,
		Engine:   eng,
		Sessions: Sessions(cfg, logger),
		Logger:   logger,
		logFile:  closer,
	}, nil
}

func (p *Project) Close() error {
	err := p.Engine.Close()
	if p.logFile != nil {
		err = errors.Join(err, p.logFile.Close())
	}
	return err
}

// Launch starts a role session and records the matching spawn event.
func (p *Project) Launch(ctx context.Context, req session.LaunchRequest) (string, error) {
	if _, err := p.Engine.GetPlan(ctx, req.PlanID); err != nil {
		return "", err
	}
	if req.TaskID != "" {
		if _, err := p.Engine.GetTask(ctx, req.TaskID); err != nil {
			return "", err
		}
	}
	name, err := p.Sessions.Launch(ctx, req)
	if err != nil {
		return "", err
	}
	var evtType domain.EventType
	switch req.Role {
	case domain.RoleForeman:
		evtType = domain.EventForemanSpawned
	case domain.RoleWorker:
		evtType = domain.EventWorkerSpawned
	default:
		return name, nil
	}
	data, _ := json.Marshal(map[string]string{"session": name})
	if _, err := p.Engine.RecordEvent(ctx, engine.EventOptions{Type: evtType, PlanID: req.PlanID, TaskID: req.TaskID, Data: data}); err != nil {
		return name, err
	}
	return name, nil
}
