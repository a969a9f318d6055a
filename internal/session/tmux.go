package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	"tandem/internal/errs"
)

// Result is the outcome of one multiplexer invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes the multiplexer binary. Output captures stdout and
// stderr; Interactive connects the caller's terminal. Both return an error
// only when the process could not be run; a non-zero exit is reported in
// Result or as *exec.ExitError respectively.
type Runner interface {
	Output(ctx context.Context, bin string, args ...string) (Result, error)
	Interactive(ctx context.Context, bin string, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, bin string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

func (ExecRunner) Interactive(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Tmux implements Supervisor on top of the tmux command line.
type Tmux struct {
	Binary string
	Runner Runner
	Logger *slog.Logger
}

var _ Supervisor = Tmux{}

func NewTmux(binary string, logger *slog.Logger) Tmux {
	return Tmux{Binary: binary, Runner: ExecRunner{}, Logger: logger}
}

func (t Tmux) bin() string {
	if t.Binary == "" {
		return "tmux"
	}
	return t.Binary
}

func (t Tmux) runner() Runner {
	if t.Runner == nil {
		return ExecRunner{}
	}
	return t.Runner
}

func (t Tmux) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

// sessionTarget matches name exactly; a bare -t name would also match any
// session that name is a prefix of.
func sessionTarget(name string) string { return "=" + name }

func paneTarget(name string) string { return "=" + name + ":" }

// run executes args and converts launch failures and non-zero exits into SessionErrors.
func (t Tmux) run(ctx context.Context, session, action string, args ...string) (Result, error) {
	res, err := t.runner().Output(ctx, t.bin(), args...)
	if err != nil {
		return res, errs.SessionError{Session: session, Message: action, Err: err}
	}
	if res.ExitCode != 0 {
		return res, errs.SessionError{Session: session, Message: action + ": " + strings.TrimSpace(res.Stderr)}
	}
	return res, nil
}

func (t Tmux) Spawn(ctx context.Context, req SpawnRequest) error {
	if req.Name == "" {
		return errs.SessionError{Message: "session name is required"}
	}
	exists, err := t.Exists(ctx, req.Name)
	if err != nil {
		return err
	}
	if exists {
		return errs.SessionError{Session: req.Name, Message: "already exists"}
	}
	args := []string{"new-session", "-d", "-s", req.Name}
	if req.Dir != "" {
		args = append(args, "-c", req.Dir)
	}
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+req.Env[k])
	}
	if req.Command != "" {
		args = append(args, req.Command)
	}
	t.logger().Debug("spawning session", "session", req.Name, "command", req.Command, "dir", req.Dir)
	if _, err := t.run(ctx, req.Name, "new-session failed", args...); err != nil {
		return err
	}
	t.logger().Info("spawned session", "session", req.Name)
	return nil
}

func (t Tmux) Exists(ctx context.Context, name string) (bool, error) {
	res, err := t.runner().Output(ctx, t.bin(), "has-session", "-t", sessionTarget(name))
	if err != nil {
		return false, errs.SessionError{Session: name, Message: "has-session failed", Err: err}
	}
	return res.ExitCode == 0, nil
}

// SendInput sends text literally, so words such as "Enter" or "C-c" inside
// it are typed rather than interpreted, then presses Enter.
func (t Tmux) SendInput(ctx context.Context, name, text string) error {
	t.logger().Debug("sending input", "session", name, "bytes", len(text))
	if _, err := t.run(ctx, name, "send-keys failed", "send-keys", "-t", paneTarget(name), "-l", text); err != nil {
		return err
	}
	_, err := t.run(ctx, name, "send-keys failed", "send-keys", "-t", paneTarget(name), "Enter")
	return err
}

func (t Tmux) Capture(ctx context.Context, name string) (string, error) {
	res, err := t.run(ctx, name, "capture-pane failed", "capture-pane", "-t", paneTarget(name), "-p")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (t Tmux) Kill(ctx context.Context, name string) error {
	if _, err := t.run(ctx, name, "kill-session failed", "kill-session", "-t", sessionTarget(name)); err != nil {
		return err
	}
	t.logger().Info("killed session", "session", name)
	return nil
}

func (t Tmux) Attach(ctx context.Context, name string) error {
	t.logger().Info("attaching to session", "session", name)
	if err := t.runner().Interactive(ctx, t.bin(), "attach-session", "-t", sessionTarget(name)); err != nil {
		return errs.SessionError{Session: name, Message: "attach-session failed", Err: err}
	}
	return nil
}

// noServer matches the messages tmux prints when no server is listening.
func noServer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no server running") ||
		strings.Contains(s, "error connecting to") ||
		strings.Contains(s, "no sessions")
}

func (t Tmux) List(ctx context.Context) ([]string, error) {
	res, err := t.runner().Output(ctx, t.bin(), "list-sessions", "-F", "#{session_name}")
	if err != nil {
		return nil, errs.SessionError{Message: "list-sessions failed", Err: err}
	}
	if res.ExitCode != 0 {
		if noServer(res.Stderr) {
			return []string{}, nil
		}
		return nil, errs.SessionError{Message: "list-sessions failed: " + strings.TrimSpace(res.Stderr)}
	}
	names := []string{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
