package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tandem/internal/config"
	"tandem/internal/domain"
)

func TestDefaultsAreValid(t *testing.T) {
	s := config.DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
	if s.Session.Prefix != "tandem" || s.Mirror.MaxConnections <= 0 || s.Server.BasePath != "/v0" {
		t.Fatalf("unexpected defaults %+v", s)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	s, err := config.FromYAML([]byte("session:\n  prefix: team\nlog:\n  level: debug\n"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Session.Prefix != "team" || s.Log.Level != "debug" {
		t.Fatalf("overrides not applied: %+v", s)
	}
	if s.Session.TmuxBinary != "tmux" || s.Log.Format != "text" || s.Mirror.BusyTimeoutMS != 5000 {
		t.Fatalf("defaults lost: %+v", s)
	}
}

func TestFromYAMLRejectsBadSettings(t *testing.T) {
	cases := map[string]string{
		"prefix with colon": "session:\n  prefix: a:b\n",
		"empty prefix":      "session:\n  prefix: \"\"\n",
		"zero connections":  "mirror:\n  max_connections: 0\n",
		"bad level":         "log:\n  level: loud\n",
		"bad format":        "log:\n  format: xml\n",
		"webhook url":       "webhooks:\n  - events: [plan_created]\n",
		"webhook event":     "webhooks:\n  - url: http://x\n    events: [nope]\n",
		"not yaml":          "session: [\n",
	}
	for name, data := range cases {
		if _, err := config.FromYAML([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadAndPaths(t *testing.T) {
	root := t.TempDir()
	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("load without settings: %v", err)
	}
	if cfg.IsInitialized() {
		t.Fatalf("empty root reported as initialized")
	}
	if cfg.Dir != filepath.Join(root, ".tandem") || filepath.Base(cfg.MirrorPath()) != "mirror.db" {
		t.Fatalf("unexpected layout %+v", cfg)
	}
	if len(cfg.MissingTargets()) != len(domain.Kinds) {
		t.Fatalf("expected every log file to be missing")
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.SettingsPath(), []byte("session:\n  prefix: ops\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.LogPath(domain.KindPlan), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.IsInitialized() || cfg.Settings.Session.Prefix != "ops" {
		t.Fatalf("settings not loaded: %+v", cfg.Settings)
	}
	missing := cfg.MissingTargets()
	if len(missing) != len(domain.Kinds)-1 || strings.Contains(strings.Join(missing, ","), "plans.jsonl") {
		t.Fatalf("unexpected missing targets %v", missing)
	}

	if err := os.WriteFile(cfg.SettingsPath(), []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(root); err == nil || !strings.Contains(err.Error(), "tandem.yml") {
		t.Fatalf("expected error naming the settings file, got %v", err)
	}
}
