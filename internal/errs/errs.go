// Package errs defines the error kinds surfaced by the orchestration core.
// Callers match them with errors.As; none of them is retried internally.
package errs

import (
	"errors"
	"fmt"
)

// ErrNotFound matches every NotFoundError via errors.Is.
var ErrNotFound = errors.New("not found")

// NotFoundError indicates a read required an entity that does not exist.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.EntityType, e.ID)
}

func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConfigError indicates the project is not initialized or is structurally wrong.
type ConfigError struct {
	Reason string
}

func (e ConfigError) Error() string {
	return "invalid configuration: " + e.Reason
}

// StorageError wraps append log I/O, lock and codec failures.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e StorageError) Unwrap() error { return e.Err }

// CacheError wraps mirror connection, query and codec failures.
type CacheError struct {
	Op  string
	Err error
}

func (e CacheError) Error() string {
	return fmt.Sprintf("mirror: %s: %v", e.Op, e.Err)
}

func (e CacheError) Unwrap() error { return e.Err }

// SessionError wraps supervisor failures, including name collisions.
type SessionError struct {
	Session string
	Message string
	Err     error
}

func (e SessionError) Error() string {
	msg := e.Message
	if e.Session != "" {
		msg = fmt.Sprintf("session %s: %s", e.Session, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e SessionError) Unwrap() error { return e.Err }

// TransitionError indicates a status change not allowed by the entity's state table.
type TransitionError struct {
	EntityType string
	ID         string
	From       string
	To         string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: transition %s -> %s not allowed", e.EntityType, e.ID, e.From, e.To)
}

// Storage builds a StorageError.
func Storage(op, path string, err error) error {
	return StorageError{Op: op, Path: path, Err: err}
}

// Cache builds a CacheError.
func Cache(op string, err error) error {
	return CacheError{Op: op, Err: err}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
