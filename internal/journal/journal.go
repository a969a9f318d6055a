// Package journal is the append log: one newline-delimited JSON file per
// entity kind, written only by appends and serialized across processes with
// an exclusive file lock. It is the authoritative record of the project.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"tandem/internal/domain"
	"tandem/internal/errs"
)

// maxRecordSize bounds a single line; bufio.Scanner's 64 KiB default is too small for long plans.
const maxRecordSize = 16 << 20

type Log struct {
	Dir    string
	Logger *slog.Logger
}

func New(dir string, logger *slog.Logger) *Log {
	return &Log{Dir: dir, Logger: logger}
}

func (l *Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Path returns the target file for kind.
func (l *Log) Path(kind domain.Kind) string {
	return filepath.Join(l.Dir, kind.FileName())
}

// Append writes record as one line to the kind's target while holding an
// exclusive lock on it. The lock is released before Append returns.
func (l *Log) Append(kind domain.Kind, record any) error {
	path := l.Path(kind)
	line, err := encodeLine(kind, path, record)
	if err != nil {
		return err
	}
	return l.locked(kind, os.O_WRONLY, func(f *os.File) error {
		return l.writeLine(kind, f, line)
	})
}

// AppendNext decodes the kind's records and appends the one build derives
// from them. The lock is held across the read and the write, so a record
// another process is appending at the same time is either seen by build or
// written after this one.
func AppendNext[T any](l *Log, kind domain.Kind, build func(existing []T) (T, error)) (T, error) {
	var rec T
	path := l.Path(kind)
	err := l.locked(kind, os.O_RDWR, func(f *os.File) error {
		existing, err := decodeAll[T](f, kind, path)
		if err != nil {
			return err
		}
		if rec, err = build(existing); err != nil {
			return err
		}
		line, err := encodeLine(kind, path, rec)
		if err != nil {
			return err
		}
		return l.writeLine(kind, f, line)
	})
	return rec, err
}

func encodeLine(kind domain.Kind, path string, record any) ([]byte, error) {
	line, err := json.Marshal(record)
	if err != nil {
		return nil, errs.Storage("encode "+kind.Label(), path, err)
	}
	return append(line, '\n'), nil
}

// locked opens the kind's target for appending and runs fn under an
// exclusive lock. The file offset starts at zero, so fn may read the
// target before writing; writes always land at the end.
func (l *Log) locked(kind domain.Kind, mode int, fn func(f *os.File) error) error {
	path := l.Path(kind)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|mode, 0o644)
	if err != nil {
		return errs.Storage("open", path, err)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return errs.Storage("lock", path, err)
	}
	if err := fn(f); err != nil {
		_ = unlock(f)
		return err
	}
	if err := unlock(f); err != nil {
		return errs.Storage("unlock", path, err)
	}
	return nil
}

func (l *Log) writeLine(kind domain.Kind, f *os.File, line []byte) error {
	path := f.Name()
	if _, err := f.Write(line); err != nil {
		return errs.Storage("write", path, err)
	}
	if err := f.Sync(); err != nil {
		return errs.Storage("sync", path, err)
	}
	l.logger().Debug("appended record", "kind", string(kind), "path", path, "bytes", len(line))
	return nil
}

// ReadAll decodes every record of kind in append order. A target that does
// not exist yields an empty slice; blank lines are skipped; any undecodable
// line fails the whole read.
func ReadAll[T any](l *Log, kind domain.Kind) ([]T, error) {
	path := l.Path(kind)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []T{}, nil
		}
		return nil, errs.Storage("open", path, err)
	}
	defer f.Close()
	return decodeAll[T](f, kind, path)
}

func decodeAll[T any](r io.Reader, kind domain.Kind, path string) ([]T, error) {
	records := []T{}
	err := scanLines(r, path, func(lineNo int, line []byte) (bool, error) {
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return false, errs.Storage(fmt.Sprintf("decode %s at line %d", kind.Label(), lineNo), path, err)
		}
		records = append(records, rec)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// HasRecords reports whether the kind's target holds at least one non-blank line.
func (l *Log) HasRecords(kind domain.Kind) (bool, error) {
	found := false
	err := scan(l.Path(kind), func(int, []byte) (bool, error) {
		found = true
		return false, nil
	})
	return found, err
}

// Exists reports whether the kind's target is present on disk.
func (l *Log) Exists(kind domain.Kind) bool {
	_, err := os.Stat(l.Path(kind))
	return err == nil
}

// CreateEmpty creates the kind's target if it does not exist.
func (l *Log) CreateEmpty(kind domain.Kind) error {
	path := l.Path(kind)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Storage("create", path, err)
	}
	return f.Close()
}

// scan calls fn for each non-blank line until fn returns false or an error.
func scan(path string, fn func(lineNo int, line []byte) (bool, error)) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errs.Storage("open", path, err)
	}
	defer f.Close()
	return scanLines(f, path, fn)
}

func scanLines(r io.Reader, path string, fn func(lineNo int, line []byte) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		more, err := fn(lineNo, line)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.Storage("read", path, err)
	}
	return nil
}

func (l *Log) AppendPlan(p domain.Plan) error           { return l.Append(domain.KindPlan, p) }
func (l *Log) AppendTask(t domain.Task) error           { return l.Append(domain.KindTask, t) }
func (l *Log) AppendContext(c domain.ContextItem) error { return l.Append(domain.KindContext, c) }
func (l *Log) AppendEvent(e domain.Event) error         { return l.Append(domain.KindEvent, e) }
func (l *Log) AppendReview(r domain.Review) error       { return l.Append(domain.KindReview, r) }

func (l *Log) ReadPlans() ([]domain.Plan, error) { return ReadAll[domain.Plan](l, domain.KindPlan) }
func (l *Log) ReadTasks() ([]domain.Task, error) { return ReadAll[domain.Task](l, domain.KindTask) }
func (l *Log) ReadContext() ([]domain.ContextItem, error) {
	return ReadAll[domain.ContextItem](l, domain.KindContext)
}
func (l *Log) ReadEvents() ([]domain.Event, error)   { return ReadAll[domain.Event](l, domain.KindEvent) }
func (l *Log) ReadReviews() ([]domain.Review, error) { return ReadAll[domain.Review](l, domain.KindReview) }
