// Package migrate brings the mirror database's schema up to the version this
// binary embeds. Steps live in sql/<version>_<name>.sql and the applied
// version is kept in schema_version.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// ErrSchemaAhead reports a mirror written by a newer binary. The mirror is
// derived data, so deleting it and letting the engine rebuild it is safe.
var ErrSchemaAhead = errors.New("mirror schema is newer than this binary")

// Step is one schema change of the mirror.
type Step struct {
	Version int
	Name    string
	SQL     string
}

func embeddedSteps() ([]Step, error) {
	sub, err := fs.Sub(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	return loadSteps(sub)
}

// loadSteps reads every .sql file at the root of fsys, ordered by version.
// Version numbers must be positive and unique.
func loadSteps(fsys fs.FS) ([]Step, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list mirror schema steps: %w", err)
	}
	byVersion := map[int]string{}
	var steps []Step
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("mirror schema step %s: name must start with a positive version and an underscore", entry.Name())
		}
		if other, dup := byVersion[v]; dup {
			return nil, fmt.Errorf("mirror schema steps %s and %s share version %d", other, entry.Name(), v)
		}
		byVersion[v] = entry.Name()
		body, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read mirror schema step %s: %w", entry.Name(), err)
		}
		steps = append(steps, Step{Version: v, Name: entry.Name(), SQL: string(body)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

// Latest returns the highest embedded schema version.
func Latest() (int, error) {
	steps, err := embeddedSteps()
	if err != nil {
		return 0, err
	}
	return latestOf(steps), nil
}

func latestOf(steps []Step) int {
	if len(steps) == 0 {
		return 0
	}
	return steps[len(steps)-1].Version
}

// Migrate applies the embedded steps the mirror has not seen yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	steps, err := embeddedSteps()
	if err != nil {
		return err
	}
	return apply(ctx, db, steps)
}

// apply runs pending steps in one transaction, so a failing step leaves
// the mirror at its previous version.
func apply(ctx context.Context, db *sql.DB, steps []Step) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mirror migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := readVersion(ctx, tx)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		current = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if latest := latestOf(steps); current > latest {
		return fmt.Errorf("%w: mirror at version %d, binary knows %d", ErrSchemaAhead, current, latest)
	}

	for _, step := range steps {
		if step.Version <= current {
			continue
		}
		if _, err := tx.ExecContext(ctx, step.SQL); err != nil {
			return fmt.Errorf("mirror schema step %s: %w", step.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version=?`, step.Version); err != nil {
			return fmt.Errorf("record mirror schema version %d: %w", step.Version, err)
		}
		current = step.Version
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mirror migration: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readVersion(ctx context.Context, q queryRower) (int, error) {
	var v int
	err := q.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	return v, err
}

// Version reports the applied schema version; 0 when nothing was applied.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	v, err := readVersion(ctx, db)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}
