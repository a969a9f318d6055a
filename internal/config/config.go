package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tandem/internal/domain"
)

const (
	stateDirName     = ".tandem"
	settingsFileName = "tandem.yml"
	mirrorFileName   = "mirror.db"
)

// Settings models .tandem/tandem.yml.
type Settings struct {
	Session struct {
		Prefix     string `yaml:"prefix" json:"prefix"`
		TmuxBinary string `yaml:"tmux_binary" json:"tmux_binary"`
	} `yaml:"session" json:"session"`
	Mirror struct {
		MaxConnections int `yaml:"max_connections" json:"max_connections"`
		BusyTimeoutMS  int `yaml:"busy_timeout_ms" json:"busy_timeout_ms"`
	} `yaml:"mirror" json:"mirror"`
	Server struct {
		Addr      string `yaml:"addr" json:"addr"`
		BasePath  string `yaml:"base_path" json:"base_path"`
		JWTSecret string `yaml:"jwt_secret" json:"-"`
	} `yaml:"server" json:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	Log      struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Config is the explicit project configuration handed to every component.
// It is built once at the entry point; nothing in the core consults the
// working directory.
type Config struct {
	Root     string
	Dir      string
	Settings Settings
}

// New returns a Config for root with default settings.
func New(root string) Config {
	if root == "" {
		root = "."
	}
	return Config{
		Root:     root,
		Dir:      filepath.Join(root, stateDirName),
		Settings: DefaultSettings(),
	}
}

// Load builds a Config for root, reading tandem.yml when present.
func Load(root string) (Config, error) {
	cfg := New(root)
	data, err := os.ReadFile(cfg.SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	s, err := FromYAML(data)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", cfg.SettingsPath(), err)
	}
	cfg.Settings = *s
	return cfg, nil
}

// LogPath returns the append log target for kind.
func (c Config) LogPath(kind domain.Kind) string {
	return filepath.Join(c.Dir, kind.FileName())
}

func (c Config) MirrorPath() string     { return filepath.Join(c.Dir, mirrorFileName) }
func (c Config) CheckpointsDir() string { return filepath.Join(c.Dir, "checkpoints") }
func (c Config) LogsDir() string        { return filepath.Join(c.Dir, "logs") }
func (c Config) SettingsPath() string   { return filepath.Join(c.Dir, settingsFileName) }
func (c Config) GitignorePath() string  { return filepath.Join(c.Dir, ".gitignore") }

// IsInitialized reports whether the state directory exists.
func (c Config) IsInitialized() bool {
	st, err := os.Stat(c.Dir)
	return err == nil && st.IsDir()
}

// MissingTargets lists append log targets that do not exist yet.
func (c Config) MissingTargets() []string {
	var missing []string
	for _, k := range domain.Kinds {
		if _, err := os.Stat(c.LogPath(k)); err != nil {
			missing = append(missing, k.FileName())
		}
	}
	return missing
}

// Validate ensures the settings meet required structure.
func (s *Settings) Validate() error {
	prefix := s.Session.Prefix
	if prefix == "" {
		return fmt.Errorf("session.prefix is required")
	}
	if strings.ContainsAny(prefix, ".: \t") {
		return fmt.Errorf("session.prefix %q must not contain '.', ':' or whitespace", prefix)
	}
	if s.Mirror.MaxConnections <= 0 {
		return fmt.Errorf("mirror.max_connections must be positive")
	}
	if s.Mirror.BusyTimeoutMS < 0 {
		return fmt.Errorf("mirror.busy_timeout_ms must not be negative")
	}
	switch s.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	for i, hook := range s.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if _, err := domain.ParseEventType(evt); err != nil {
				return fmt.Errorf("webhooks[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// DefaultSettings returns the settings written by init.
func DefaultSettings() Settings {
	var s Settings
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&s)
	return s
}

// DefaultYAML returns the default settings file contents.
func DefaultYAML() string {
	return defaultTemplate
}

// FromYAML parses and validates settings. Absent keys keep their defaults.
func FromYAML(data []byte) (*Settings, error) {
	s := DefaultSettings()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid settings yaml: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

const defaultTemplate = `session:
  prefix: tandem
  tmux_binary: tmux

mirror:
  max_connections: 5
  busy_timeout_ms: 5000

server:
  addr: 127.0.0.1:7420
  base_path: /v0
  jwt_secret: ""

webhooks: []

log:
  level: warn
  format: text
`
