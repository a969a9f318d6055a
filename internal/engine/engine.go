package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tandem/internal/config"
	"tandem/internal/db"
	"tandem/internal/domain"
	"tandem/internal/errs"
	"tandem/internal/events"
	"tandem/internal/journal"
	"tandem/internal/migrate"
	"tandem/internal/mirror"
)

// Mirror is the projection the engine writes through to and reads from.
type Mirror interface {
	UpsertPlan(ctx context.Context, p domain.Plan) error
	UpsertTask(ctx context.Context, t domain.Task) error
	UpsertContext(ctx context.Context, c domain.ContextItem) error
	UpsertEvent(ctx context.Context, e domain.Event) error
	UpsertReview(ctx context.Context, r domain.Review) error

	GetPlan(ctx context.Context, id string) (domain.Plan, bool, error)
	GetTask(ctx context.Context, id string) (domain.Task, bool, error)
	GetContextItem(ctx context.Context, id string) (domain.ContextItem, bool, error)
	GetEvent(ctx context.Context, id string) (domain.Event, bool, error)
	GetReview(ctx context.Context, id string) (domain.Review, bool, error)

	TasksForPlan(ctx context.Context, planID string) ([]domain.Task, error)
	ChildTasks(ctx context.Context, parentID string) ([]domain.Task, error)
	ContextForPlan(ctx context.Context, planID string) ([]domain.ContextItem, error)
	ContextForTask(ctx context.Context, taskID string) ([]domain.ContextItem, error)
	ReviewsForPlan(ctx context.Context, planID string) ([]domain.Review, error)
	EventsForPlan(ctx context.Context, planID string) ([]domain.Event, error)
	EventsAfter(ctx context.Context, cursor mirror.EventCursor, limit int) ([]domain.Event, error)
	LatestEventCursor(ctx context.Context) (mirror.EventCursor, error)
	ActivePlans(ctx context.Context) ([]domain.Plan, error)
	AllPlans(ctx context.Context) ([]domain.Plan, error)
	CountPlans(ctx context.Context) (int, error)
	CountTasksByStatus(ctx context.Context, planID string) (map[domain.TaskStatus]int, error)

	ClearAll(ctx context.Context) error
}

var _ Mirror = mirror.Repo{}

// Reader is the read surface role processes depend on.
type Reader interface {
	GetPlan(ctx context.Context, id string) (domain.Plan, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	GetTasksForPlan(ctx context.Context, planID string) ([]domain.Task, error)
	GetContextForPlan(ctx context.Context, planID string) ([]domain.ContextItem, error)
	GetContextForTask(ctx context.Context, taskID string) ([]domain.ContextItem, error)
}

var _ Reader = Engine{}

// Engine writes every entity to the append log first and then projects it
// into the mirror. All reads are served by the mirror.
type Engine struct {
	Config config.Config
	Log    *journal.Log
	Mirror Mirror
	Logger *slog.Logger
	Now    func() time.Time

	conn *sql.DB
}

// Open opens the project's mirror database, applies the schema and builds an Engine.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Engine, error) {
	if err := checkInitialized(cfg); err != nil {
		return Engine{}, err
	}
	conn, err := db.Open(db.Config{
		Path:           cfg.MirrorPath(),
		MaxConnections: cfg.Settings.Mirror.MaxConnections,
		BusyTimeoutMS:  cfg.Settings.Mirror.BusyTimeoutMS,
	})
	if err != nil {
		return Engine{}, errs.Cache("open", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return Engine{}, errs.Cache("migrate", err)
	}
	eng, err := New(ctx, cfg, journal.New(cfg.Dir, logger), mirror.New(conn), logger)
	if err != nil {
		conn.Close()
		return Engine{}, err
	}
	eng.conn = conn
	return eng, nil
}

// New builds an Engine over an existing log and mirror and reconciles them.
// It fails with a ConfigError when the project has not been initialized.
func New(ctx context.Context, cfg config.Config, log *journal.Log, m Mirror, logger *slog.Logger) (Engine, error) {
	if err := checkInitialized(cfg); err != nil {
		return Engine{}, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := Engine{
		Config: cfg,
		Log:    log,
		Mirror: m,
		Logger: logger,
		Now:    time.Now,
	}
	if err := e.reconcile(ctx); err != nil {
		return Engine{}, err
	}
	return e, nil
}

func checkInitialized(cfg config.Config) error {
	if !cfg.IsInitialized() {
		return errs.ConfigError{Reason: fmt.Sprintf("%s does not exist; run `tandem init`", cfg.Dir)}
	}
	if missing := cfg.MissingTargets(); len(missing) > 0 {
		return errs.ConfigError{Reason: fmt.Sprintf("missing log files in %s: %s", cfg.Dir, strings.Join(missing, ", "))}
	}
	return nil
}

// Close releases the mirror connection when the Engine opened it.
func (e Engine) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) events() events.Writer {
	return events.Writer{Sink: e.AppendEvent, Now: e.now}
}

// reconcile rebuilds an empty mirror when the log already holds plans.
func (e Engine) reconcile(ctx context.Context) error {
	n, err := e.Mirror.CountPlans(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	has, err := e.Log.HasRecords(domain.KindPlan)
	if err != nil {
		return err
	}
	if !has {
		return nil
	}
	e.Logger.Info("mirror is empty but the log holds plans; rebuilding", "dir", e.Config.Dir)
	_, err = e.FullSync(ctx)
	return err
}

// SyncReport counts the records replayed by FullSync.
type SyncReport struct {
	Plans    int           `json:"plans"`
	Tasks    int           `json:"tasks"`
	Context  int           `json:"context"`
	Events   int           `json:"events"`
	Reviews  int           `json:"reviews"`
	Duration time.Duration `json:"duration"`
}

// FullSync discards the mirror and replays the whole log into it, kind by
// kind in dependency order. Later records for an id overwrite earlier ones.
// The log is read completely before the mirror is cleared, so an unreadable
// log leaves the mirror untouched.
func (e Engine) FullSync(ctx context.Context) (SyncReport, error) {
	start := time.Now()
	plans, err := e.Log.ReadPlans()
	if err != nil {
		return SyncReport{}, err
	}
	tasks, err := e.Log.ReadTasks()
	if err != nil {
		return SyncReport{}, err
	}
	items, err := e.Log.ReadContext()
	if err != nil {
		return SyncReport{}, err
	}
	evts, err := e.Log.ReadEvents()
	if err != nil {
		return SyncReport{}, err
	}
	reviews, err := e.Log.ReadReviews()
	if err != nil {
		return SyncReport{}, err
	}

	if err := e.Mirror.ClearAll(ctx); err != nil {
		return SyncReport{}, err
	}
	if err := replay(ctx, plans, e.Mirror.UpsertPlan); err != nil {
		return SyncReport{}, err
	}
	if err := replay(ctx, tasks, e.Mirror.UpsertTask); err != nil {
		return SyncReport{}, err
	}
	if err := replay(ctx, items, e.Mirror.UpsertContext); err != nil {
		return SyncReport{}, err
	}
	if err := replay(ctx, evts, e.Mirror.UpsertEvent); err != nil {
		return SyncReport{}, err
	}
	if err := replay(ctx, reviews, e.Mirror.UpsertReview); err != nil {
		return SyncReport{}, err
	}
	report := SyncReport{
		Plans:    len(plans),
		Tasks:    len(tasks),
		Context:  len(items),
		Events:   len(evts),
		Reviews:  len(reviews),
		Duration: time.Since(start),
	}
	e.Logger.Info("mirror rebuilt from log",
		"plans", report.Plans, "tasks", report.Tasks, "context", report.Context,
		"events", report.Events, "reviews", report.Reviews, "duration", report.Duration)
	return report, nil
}

func replay[T any](ctx context.Context, records []T, upsert func(context.Context, T) error) error {
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := upsert(ctx, rec); err != nil {
			return asCacheError("replay", err)
		}
	}
	return nil
}

func asCacheError(op string, err error) error {
	var cacheErr errs.CacheError
	if errors.As(err, &cacheErr) {
		return err
	}
	return errs.Cache(op, err)
}

// writeThrough appends v to the log and only then projects it. A mirror
// failure after a successful append is returned; the log keeps the record
// and a later FullSync repairs the mirror.
func writeThrough[T any](ctx context.Context, e Engine, kind domain.Kind, id string, v T, upsert func(context.Context, T) error) error {
	if err := e.Log.Append(kind, v); err != nil {
		return err
	}
	return project(ctx, e, kind, id, v, upsert)
}

// project upserts a record that is already in the log.
func project[T any](ctx context.Context, e Engine, kind domain.Kind, id string, v T, upsert func(context.Context, T) error) error {
	if err := upsert(ctx, v); err != nil {
		e.Logger.Warn("mirror update failed after append; run `tandem sync` to repair",
			"kind", string(kind), "id", id, "error", err)
		return asCacheError("upsert "+kind.Label()+" "+id, err)
	}
	return nil
}

func (e Engine) AppendPlan(ctx context.Context, p domain.Plan) error {
	return writeThrough(ctx, e, domain.KindPlan, p.ID, p, e.Mirror.UpsertPlan)
}

func (e Engine) AppendTask(ctx context.Context, t domain.Task) error {
	return writeThrough(ctx, e, domain.KindTask, t.ID, t, e.Mirror.UpsertTask)
}

func (e Engine) AppendContext(ctx context.Context, c domain.ContextItem) error {
	return writeThrough(ctx, e, domain.KindContext, c.ID, c, e.Mirror.UpsertContext)
}

func (e Engine) AppendEvent(ctx context.Context, evt domain.Event) error {
	return writeThrough(ctx, e, domain.KindEvent, evt.ID, evt, e.Mirror.UpsertEvent)
}

func (e Engine) AppendReview(ctx context.Context, r domain.Review) error {
	return writeThrough(ctx, e, domain.KindReview, r.ID, r, e.Mirror.UpsertReview)
}

func required[T any](v T, ok bool, err error, kind domain.Kind, id string) (T, error) {
	if err != nil {
		return v, err
	}
	if !ok {
		return v, errs.NotFoundError{EntityType: kind.Label(), ID: id}
	}
	return v, nil
}

// GetPlan returns the plan or a NotFoundError.
func (e Engine) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	p, ok, err := e.Mirror.GetPlan(ctx, id)
	return required(p, ok, err, domain.KindPlan, id)
}

// GetPlanOpt reports absence through its boolean instead of an error.
func (e Engine) GetPlanOpt(ctx context.Context, id string) (domain.Plan, bool, error) {
	return e.Mirror.GetPlan(ctx, id)
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, ok, err := e.Mirror.GetTask(ctx, id)
	return required(t, ok, err, domain.KindTask, id)
}

func (e Engine) GetTaskOpt(ctx context.Context, id string) (domain.Task, bool, error) {
	return e.Mirror.GetTask(ctx, id)
}

func (e Engine) GetContextItem(ctx context.Context, id string) (domain.ContextItem, error) {
	c, ok, err := e.Mirror.GetContextItem(ctx, id)
	return required(c, ok, err, domain.KindContext, id)
}

func (e Engine) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	evt, ok, err := e.Mirror.GetEvent(ctx, id)
	return required(evt, ok, err, domain.KindEvent, id)
}

func (e Engine) GetReview(ctx context.Context, id string) (domain.Review, error) {
	r, ok, err := e.Mirror.GetReview(ctx, id)
	return required(r, ok, err, domain.KindReview, id)
}

func (e Engine) GetTasksForPlan(ctx context.Context, planID string) ([]domain.Task, error) {
	return e.Mirror.TasksForPlan(ctx, planID)
}

func (e Engine) GetChildTasks(ctx context.Context, parentID string) ([]domain.Task, error) {
	return e.Mirror.ChildTasks(ctx, parentID)
}

func (e Engine) GetContextForPlan(ctx context.Context, planID string) ([]domain.ContextItem, error) {
	return e.Mirror.ContextForPlan(ctx, planID)
}

func (e Engine) GetContextForTask(ctx context.Context, taskID string) ([]domain.ContextItem, error) {
	return e.Mirror.ContextForTask(ctx, taskID)
}

func (e Engine) GetReviewsForPlan(ctx context.Context, planID string) ([]domain.Review, error) {
	return e.Mirror.ReviewsForPlan(ctx, planID)
}

func (e Engine) GetEventsForPlan(ctx context.Context, planID string) ([]domain.Event, error) {
	return e.Mirror.EventsForPlan(ctx, planID)
}

func (e Engine) GetActivePlans(ctx context.Context) ([]domain.Plan, error) {
	return e.Mirror.ActivePlans(ctx)
}

func (e Engine) GetAllPlans(ctx context.Context) ([]domain.Plan, error) {
	return e.Mirror.AllPlans(ctx)
}

func (e Engine) EventsAfter(ctx context.Context, cursor mirror.EventCursor, limit int) ([]domain.Event, error) {
	return e.Mirror.EventsAfter(ctx, cursor, limit)
}

func (e Engine) LatestEventCursor(ctx context.Context) (mirror.EventCursor, error) {
	return e.Mirror.LatestEventCursor(ctx)
}

func (e Engine) TaskCounts(ctx context.Context, planID string) (map[domain.TaskStatus]int, error) {
	return e.Mirror.CountTasksByStatus(ctx, planID)
}
