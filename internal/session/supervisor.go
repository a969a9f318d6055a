// Package session starts, drives, inspects and stops the named terminal
// sessions that host role processes.
package session

import (
	"context"
	"strings"
)

// SpawnRequest describes a detached session to start.
type SpawnRequest struct {
	Name    string
	Command string
	// Dir is the session's working directory; empty inherits the server's.
	Dir string
	Env map[string]string
}

// Supervisor is the capability set the orchestration layer needs from a
// terminal multiplexer. Every failure is an errs.SessionError.
type Supervisor interface {
	// Spawn fails if a session with the same name already exists.
	Spawn(ctx context.Context, req SpawnRequest) error
	Exists(ctx context.Context, name string) (bool, error)
	// SendInput types text into the session followed by Enter.
	SendInput(ctx context.Context, name, text string) error
	// Capture returns the visible contents of the session's active pane.
	Capture(ctx context.Context, name string) (string, error)
	Kill(ctx context.Context, name string) error
	// Attach hands the caller's terminal to the session until it detaches.
	Attach(ctx context.Context, name string) error
	// List returns every session name; no running server means none.
	List(ctx context.Context) ([]string, error)
}

// ListByPrefix returns the sessions whose names start with prefix.
func ListByPrefix(ctx context.Context, s Supervisor, prefix string) ([]string, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, name := range all {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}
