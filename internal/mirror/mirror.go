// Package mirror is the queryable projection of the append log. It holds
// one table per entity kind, keyed by id, and is rebuilt from the log on
// demand; nothing in it is authoritative.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tandem/internal/domain"
	"tandem/internal/errs"
)

// timeLayout is fixed width so that lexical order of the stored text
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullableStringPtr keeps a present empty string distinct from an absent one.
func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// encodeList stores a nil list as JSON null so it decodes back to nil.
func encodeList(v []string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	var out []string
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return out, nil
}

// Upsert helpers replace every column so repeated upserts of one value are no-ops.

const planColumns = `id,title,description,subtasks_preview_json,considerations_json,status,approved_at,created_at,updated_at`

func (r Repo) UpsertPlan(ctx context.Context, p domain.Plan) error {
	preview, err := encodeList(p.SubtasksPreview)
	if err != nil {
		return errs.Cache("encode plan", err)
	}
	considerations, err := encodeList(p.Considerations)
	if err != nil {
		return errs.Cache("encode plan", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, description=excluded.description,
subtasks_preview_json=excluded.subtasks_preview_json, considerations_json=excluded.considerations_json,
status=excluded.status, approved_at=excluded.approved_at, created_at=excluded.created_at, updated_at=excluded.updated_at`,
		p.ID, p.Title, p.Description, preview, considerations, string(p.Status),
		nullableTime(p.ApprovedAt), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return errs.Cache("upsert plan "+p.ID, err)
	}
	return nil
}

func scanPlan(row rowScanner) (domain.Plan, error) {
	var (
		p                       domain.Plan
		preview, considerations string
		status                  string
		approved                sql.NullString
		created, updated        string
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &preview, &considerations, &status, &approved, &created, &updated); err != nil {
		return p, err
	}
	var err error
	if p.SubtasksPreview, err = decodeList(preview); err != nil {
		return p, err
	}
	if p.Considerations, err = decodeList(considerations); err != nil {
		return p, err
	}
	if p.Status, err = domain.ParsePlanStatus(status); err != nil {
		return p, err
	}
	if p.ApprovedAt, err = parseNullTime(approved); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, bool, error) {
	p, err := scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id))
	return found(p, err, "get plan "+id)
}

const taskColumns = `id,plan_id,parent_id,task_type,title,description,status,depends_on_json,worktree,assigned_worker,created_at,updated_at`

func (r Repo) UpsertTask(ctx context.Context, t domain.Task) error {
	deps, err := encodeList(t.DependsOn)
	if err != nil {
		return errs.Cache("encode task", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET plan_id=excluded.plan_id, parent_id=excluded.parent_id, task_type=excluded.task_type,
title=excluded.title, description=excluded.description, status=excluded.status, depends_on_json=excluded.depends_on_json,
worktree=excluded.worktree, assigned_worker=excluded.assigned_worker, created_at=excluded.created_at, updated_at=excluded.updated_at`,
		t.ID, t.PlanID, nullableStringPtr(t.ParentID), string(t.TaskType), t.Title, nullableStringPtr(t.Description),
		string(t.Status), deps, nullableStringPtr(t.Worktree), nullableStringPtr(t.AssignedWorker),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return errs.Cache("upsert task "+t.ID, err)
	}
	return nil
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                                        domain.Task
		parent, desc, worktree, worker           sql.NullString
		taskType, status, deps, created, updated string
	)
	if err := row.Scan(&t.ID, &t.PlanID, &parent, &taskType, &t.Title, &desc, &status, &deps, &worktree, &worker, &created, &updated); err != nil {
		return t, err
	}
	t.ParentID = stringPtr(parent)
	t.Description = stringPtr(desc)
	t.Worktree = stringPtr(worktree)
	t.AssignedWorker = stringPtr(worker)
	var err error
	if t.TaskType, err = domain.ParseTaskType(taskType); err != nil {
		return t, err
	}
	if t.Status, err = domain.ParseTaskStatus(status); err != nil {
		return t, err
	}
	if t.DependsOn, err = decodeList(deps); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, bool, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	return found(t, err, "get task "+id)
}

const contextColumns = `id,plan_id,subtask_id,item_type,content,source,reasoning,alternatives_json,confidence,created_at`

func (r Repo) UpsertContext(ctx context.Context, c domain.ContextItem) error {
	var alternatives any
	if len(c.Alternatives) > 0 {
		enc, err := encodeList(c.Alternatives)
		if err != nil {
			return errs.Cache("encode context item", err)
		}
		alternatives = enc
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO context_items(`+contextColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET plan_id=excluded.plan_id, subtask_id=excluded.subtask_id, item_type=excluded.item_type,
content=excluded.content, source=excluded.source, reasoning=excluded.reasoning, alternatives_json=excluded.alternatives_json,
confidence=excluded.confidence, created_at=excluded.created_at`,
		c.ID, c.PlanID, nullableStringPtr(c.SubtaskID), string(c.ItemType), c.Content, nullableStringPtr(c.Source),
		nullableStringPtr(c.Reasoning), alternatives, nullableFloatPtr(c.Confidence), formatTime(c.CreatedAt))
	if err != nil {
		return errs.Cache("upsert context item "+c.ID, err)
	}
	return nil
}

func scanContext(row rowScanner) (domain.ContextItem, error) {
	var (
		c                                        domain.ContextItem
		subtask, source, reasoning, alternatives sql.NullString
		confidence                               sql.NullFloat64
		itemType, created                        string
	)
	if err := row.Scan(&c.ID, &c.PlanID, &subtask, &itemType, &c.Content, &source, &reasoning, &alternatives, &confidence, &created); err != nil {
		return c, err
	}
	c.SubtaskID = stringPtr(subtask)
	c.Source = stringPtr(source)
	c.Reasoning = stringPtr(reasoning)
	c.Confidence = floatPtr(confidence)
	var err error
	if c.ItemType, err = domain.ParseContextType(itemType); err != nil {
		return c, err
	}
	if alternatives.Valid {
		if c.Alternatives, err = decodeList(alternatives.String); err != nil {
			return c, err
		}
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return c, err
	}
	return c, nil
}

func (r Repo) GetContextItem(ctx context.Context, id string) (domain.ContextItem, bool, error) {
	c, err := scanContext(r.DB.QueryRowContext(ctx, `SELECT `+contextColumns+` FROM context_items WHERE id=?`, id))
	return found(c, err, "get context item "+id)
}

const eventColumns = `id,event_type,plan_id,task_id,data_json,timestamp`

func (r Repo) UpsertEvent(ctx context.Context, e domain.Event) error {
	var data any
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO events(`+eventColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET event_type=excluded.event_type, plan_id=excluded.plan_id, task_id=excluded.task_id,
data_json=excluded.data_json, timestamp=excluded.timestamp`,
		e.ID, string(e.EventType), nullableStringPtr(e.PlanID), nullableStringPtr(e.TaskID), data, formatTime(e.Timestamp))
	if err != nil {
		return errs.Cache("upsert event "+e.ID, err)
	}
	return nil
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var (
		e                    domain.Event
		eventType, ts        string
		planID, taskID, data sql.NullString
	)
	if err := row.Scan(&e.ID, &eventType, &planID, &taskID, &data, &ts); err != nil {
		return e, err
	}
	e.PlanID = stringPtr(planID)
	e.TaskID = stringPtr(taskID)
	if data.Valid {
		e.Data = json.RawMessage(data.String)
	}
	var err error
	if e.EventType, err = domain.ParseEventType(eventType); err != nil {
		return e, err
	}
	if e.Timestamp, err = parseTime(ts); err != nil {
		return e, err
	}
	return e, nil
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, bool, error) {
	e, err := scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
	return found(e, err, "get event "+id)
}

const reviewColumns = `id,plan_id,reviewer_type,status,notes_json,created_at,updated_at`

func (r Repo) UpsertReview(ctx context.Context, rv domain.Review) error {
	notes, err := encodeList(rv.Notes)
	if err != nil {
		return errs.Cache("encode review", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO reviews(`+reviewColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET plan_id=excluded.plan_id, reviewer_type=excluded.reviewer_type, status=excluded.status,
notes_json=excluded.notes_json, created_at=excluded.created_at, updated_at=excluded.updated_at`,
		rv.ID, rv.PlanID, string(rv.ReviewerType), string(rv.Status), notes, formatTime(rv.CreatedAt), formatTime(rv.UpdatedAt))
	if err != nil {
		return errs.Cache("upsert review "+rv.ID, err)
	}
	return nil
}

func scanReview(row rowScanner) (domain.Review, error) {
	var (
		rv                                        domain.Review
		reviewerType, status, notes, created, upd string
	)
	if err := row.Scan(&rv.ID, &rv.PlanID, &reviewerType, &status, &notes, &created, &upd); err != nil {
		return rv, err
	}
	var err error
	if rv.ReviewerType, err = domain.ParseReviewerType(reviewerType); err != nil {
		return rv, err
	}
	if rv.Status, err = domain.ParseReviewStatus(status); err != nil {
		return rv, err
	}
	if rv.Notes, err = decodeList(notes); err != nil {
		return rv, err
	}
	if rv.CreatedAt, err = parseTime(created); err != nil {
		return rv, err
	}
	if rv.UpdatedAt, err = parseTime(upd); err != nil {
		return rv, err
	}
	return rv, nil
}

func (r Repo) GetReview(ctx context.Context, id string) (domain.Review, bool, error) {
	rv, err := scanReview(r.DB.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=?`, id))
	return found(rv, err, "get review "+id)
}

func found[T any](v T, err error, op string) (T, bool, error) {
	if errors.Is(err, sql.ErrNoRows) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, errs.Cache(op, err)
	}
	return v, true, nil
}

// ClearAll removes every row from every table in one transaction.
func (r Repo) ClearAll(ctx context.Context) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return errs.Cache("clear", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"plans", "tasks", "context_items", "events", "reviews"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return errs.Cache("clear "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Cache("clear", err)
	}
	return nil
}
