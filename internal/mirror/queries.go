package mirror

import (
	"context"
	"database/sql"
	"time"

	"tandem/internal/domain"
	"tandem/internal/errs"
)

func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error), op string) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, errs.Cache(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Cache(op, err)
	}
	return out, nil
}

func query[T any](ctx context.Context, db *sql.DB, scan func(rowScanner) (T, error), op, q string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.Cache(op, err)
	}
	return collect(rows, scan, op)
}

// TasksForPlan returns the plan's tasks oldest first.
func (r Repo) TasksForPlan(ctx context.Context, planID string) ([]domain.Task, error) {
	return query(ctx, r.DB, scanTask, "tasks for plan "+planID,
		`SELECT `+taskColumns+` FROM tasks WHERE plan_id=? ORDER BY created_at ASC, id ASC`, planID)
}

// ChildTasks returns the direct children of parentID.
func (r Repo) ChildTasks(ctx context.Context, parentID string) ([]domain.Task, error) {
	return query(ctx, r.DB, scanTask, "child tasks of "+parentID,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_id=? ORDER BY created_at ASC, id ASC`, parentID)
}

func (r Repo) ContextForPlan(ctx context.Context, planID string) ([]domain.ContextItem, error) {
	return query(ctx, r.DB, scanContext, "context for plan "+planID,
		`SELECT `+contextColumns+` FROM context_items WHERE plan_id=? ORDER BY created_at ASC, id ASC`, planID)
}

func (r Repo) ContextForTask(ctx context.Context, taskID string) ([]domain.ContextItem, error) {
	return query(ctx, r.DB, scanContext, "context for task "+taskID,
		`SELECT `+contextColumns+` FROM context_items WHERE subtask_id=? ORDER BY created_at ASC, id ASC`, taskID)
}

func (r Repo) ReviewsForPlan(ctx context.Context, planID string) ([]domain.Review, error) {
	return query(ctx, r.DB, scanReview, "reviews for plan "+planID,
		`SELECT `+reviewColumns+` FROM reviews WHERE plan_id=? ORDER BY created_at ASC, id ASC`, planID)
}

func (r Repo) EventsForPlan(ctx context.Context, planID string) ([]domain.Event, error) {
	return query(ctx, r.DB, scanEvent, "events for plan "+planID,
		`SELECT `+eventColumns+` FROM events WHERE plan_id=? ORDER BY timestamp ASC, id ASC`, planID)
}

// EventCursor marks a position in the (timestamp, id) event order.
type EventCursor struct {
	Timestamp time.Time
	ID        string
}

func (c EventCursor) IsZero() bool { return c.ID == "" && c.Timestamp.IsZero() }

// EventsAfter pages through events strictly after cursor. A zero cursor starts from the beginning.
func (r Repo) EventsAfter(ctx context.Context, cursor EventCursor, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if cursor.IsZero() {
		return query(ctx, r.DB, scanEvent, "events after",
			`SELECT `+eventColumns+` FROM events ORDER BY timestamp ASC, id ASC LIMIT ?`, limit)
	}
	ts := formatTime(cursor.Timestamp)
	return query(ctx, r.DB, scanEvent, "events after",
		`SELECT `+eventColumns+` FROM events WHERE timestamp > ? OR (timestamp = ? AND id > ?) ORDER BY timestamp ASC, id ASC LIMIT ?`,
		ts, ts, cursor.ID, limit)
}

// LatestEventCursor returns the position of the newest event, or a zero cursor when there are none.
func (r Repo) LatestEventCursor(ctx context.Context) (EventCursor, error) {
	var id, ts string
	err := r.DB.QueryRowContext(ctx, `SELECT id,timestamp FROM events ORDER BY timestamp DESC, id DESC LIMIT 1`).Scan(&id, &ts)
	if err == sql.ErrNoRows {
		return EventCursor{}, nil
	}
	if err != nil {
		return EventCursor{}, errs.Cache("latest event", err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return EventCursor{}, errs.Cache("latest event", err)
	}
	return EventCursor{Timestamp: t, ID: id}, nil
}

// ActivePlans returns approved and running plans, newest first.
func (r Repo) ActivePlans(ctx context.Context) ([]domain.Plan, error) {
	return query(ctx, r.DB, scanPlan, "active plans",
		`SELECT `+planColumns+` FROM plans WHERE status IN (?,?) ORDER BY created_at DESC, id DESC`,
		string(domain.PlanApproved), string(domain.PlanRunning))
}

// AllPlans returns every plan, newest first.
func (r Repo) AllPlans(ctx context.Context) ([]domain.Plan, error) {
	return query(ctx, r.DB, scanPlan, "all plans",
		`SELECT `+planColumns+` FROM plans ORDER BY created_at DESC, id DESC`)
}

func (r Repo) CountPlans(ctx context.Context) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans`).Scan(&n); err != nil {
		return 0, errs.Cache("count plans", err)
	}
	return n, nil
}

// CountTasksByStatus tallies a plan's tasks per status.
func (r Repo) CountTasksByStatus(ctx context.Context, planID string) (map[domain.TaskStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE plan_id=? GROUP BY status`, planID)
	if err != nil {
		return nil, errs.Cache("count tasks", err)
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errs.Cache("count tasks", err)
		}
		res[domain.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Cache("count tasks", err)
	}
	return res, nil
}
