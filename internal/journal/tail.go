package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"tandem/internal/domain"
	"tandem/internal/errs"
)

// Tail follows one kind's target from the position it had when the tail
// was opened. Records appended later are delivered in append order.
type Tail struct {
	kind    domain.Kind
	path    string
	offset  int64
	pending []byte
	watcher *fsnotify.Watcher
}

// Tail opens a follower positioned at the current end of kind's target.
// The directory is watched so a target created later is picked up too.
func (l *Log) Tail(kind domain.Kind) (*Tail, error) {
	path := l.Path(kind)
	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Storage("watch", path, err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, errs.Storage("watch", path, err)
	}
	return &Tail{kind: kind, path: path, offset: offset, watcher: w}, nil
}

func (t *Tail) Close() error {
	return t.watcher.Close()
}

// Lines calls fn for each complete line appended since the last call and
// then blocks for more until ctx is cancelled or fn fails.
func (t *Tail) Lines(ctx context.Context, fn func(line []byte) error) error {
	if err := t.drain(fn); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-t.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != filepath.Clean(t.path) {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}
			if err := t.drain(fn); err != nil {
				return err
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return nil
			}
			return errs.Storage("watch", t.path, err)
		}
	}
}

// drain reads everything past offset. A trailing line without its newline
// is held back until the rest of it arrives.
func (t *Tail) drain(fn func(line []byte) error) error {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Storage("open", t.path, err)
	}
	defer f.Close()
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return errs.Storage("seek", t.path, err)
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return errs.Storage("read", t.path, err)
	}
	t.offset += int64(len(chunk))
	t.pending = append(t.pending, chunk...)
	for {
		i := bytes.IndexByte(t.pending, '\n')
		if i < 0 {
			return nil
		}
		line := bytes.TrimSpace(t.pending[:i])
		t.pending = t.pending[i+1:]
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
}

// Follow decodes each line delivered by t as a T.
func Follow[T any](ctx context.Context, t *Tail, fn func(T) error) error {
	return t.Lines(ctx, func(line []byte) error {
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return errs.Storage(fmt.Sprintf("decode %s", t.kind.Label()), t.path, err)
		}
		return fn(rec)
	})
}
