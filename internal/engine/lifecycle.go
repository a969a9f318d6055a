package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tandem/internal/domain"
	"tandem/internal/errs"
	"tandem/internal/events"
	"tandem/internal/journal"
)

// Each operation reads the current version from the mirror, writes the new
// version through the log and then records an audit event.

// PlanCreateOptions are parameters for creating a plan.
type PlanCreateOptions struct {
	ID              string
	Title           string
	Description     string
	SubtasksPreview []string
	Considerations  []string
}

func (e Engine) CreatePlan(ctx context.Context, opts PlanCreateOptions) (domain.Plan, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Plan{}, errors.New("title is required")
	}
	id := opts.ID
	if id == "" {
		id = domain.GeneratePlanID()
	}
	if _, exists, err := e.GetPlanOpt(ctx, id); err != nil {
		return domain.Plan{}, err
	} else if exists {
		return domain.Plan{}, fmt.Errorf("plan %s already exists", id)
	}
	p := domain.NewPlan(id, opts.Title, opts.Description, e.now())
	if opts.SubtasksPreview != nil {
		p.SubtasksPreview = opts.SubtasksPreview
	}
	if opts.Considerations != nil {
		p.Considerations = opts.Considerations
	}
	if err := e.AppendPlan(ctx, p); err != nil {
		return domain.Plan{}, err
	}
	if _, err := e.events().Append(ctx, domain.EventPlanCreated, p.ID, "", events.EventPayload{"title": p.Title}); err != nil {
		return p, err
	}
	return p, nil
}

var planTransitionEvents = map[domain.PlanStatus]domain.EventType{
	domain.PlanApproved:  domain.EventPlanApproved,
	domain.PlanComplete:  domain.EventPlanComplete,
	domain.PlanCancelled: domain.EventPlanCancelled,
}

// TransitionPlan moves a plan along its lifecycle. Approving stamps approved_at.
func (e Engine) TransitionPlan(ctx context.Context, id string, to domain.PlanStatus) (domain.Plan, error) {
	p, err := e.GetPlan(ctx, id)
	if err != nil {
		return domain.Plan{}, err
	}
	if !p.Status.CanTransition(to) {
		return domain.Plan{}, errs.TransitionError{EntityType: "Plan", ID: id, From: string(p.Status), To: string(to)}
	}
	from := p.Status
	now := e.now()
	p.Status = to
	p.UpdatedAt = now
	if to == domain.PlanApproved {
		p.ApprovedAt = &now
	}
	if err := e.AppendPlan(ctx, p); err != nil {
		return domain.Plan{}, err
	}
	if evtType, ok := planTransitionEvents[to]; ok {
		payload := events.EventPayload{"from": string(from), "to": string(to)}
		if _, err := e.events().Append(ctx, evtType, p.ID, "", payload); err != nil {
			return p, err
		}
	}
	return p, nil
}

// CreateForemanTask creates the root task of a plan.
func (e Engine) CreateForemanTask(ctx context.Context, planID, title string) (domain.Task, error) {
	p, err := e.GetPlan(ctx, planID)
	if err != nil {
		return domain.Task{}, err
	}
	if title == "" {
		title = p.Title
	}
	id := domain.ForemanTaskID(p.ID)
	if _, exists, err := e.GetTaskOpt(ctx, id); err != nil {
		return domain.Task{}, err
	} else if exists {
		return domain.Task{}, fmt.Errorf("foreman task %s already exists", id)
	}
	t := domain.NewForemanTask(p.ID, title, e.now())
	if err := e.AppendTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// SubtaskCreateOptions are parameters for creating a subtask. ParentID
// defaults to the plan's foreman task.
type SubtaskCreateOptions struct {
	PlanID      string
	ParentID    string
	Title       string
	Description string
	DependsOn   []string
}

// CreateSubtask numbers the new task after the parent's existing children as
// recorded in the log. depends_on is recorded as given; use CheckTaskGraph
// to inspect it.
func (e Engine) CreateSubtask(ctx context.Context, opts SubtaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if _, err := e.GetPlan(ctx, opts.PlanID); err != nil {
		return domain.Task{}, err
	}
	parentID := opts.ParentID
	if parentID == "" {
		parentID = domain.ForemanTaskID(opts.PlanID)
	}
	parent, err := e.GetTask(ctx, parentID)
	if err != nil {
		return domain.Task{}, err
	}
	if parent.PlanID != opts.PlanID {
		return domain.Task{}, fmt.Errorf("parent %s belongs to plan %s, not %s", parent.ID, parent.PlanID, opts.PlanID)
	}
	// The number is allocated from the log under its lock; the mirror may
	// not yet hold a sibling another process just appended.
	t, err := journal.AppendNext(e.Log, domain.KindTask, func(existing []domain.Task) (domain.Task, error) {
		t := domain.NewSubtask(opts.PlanID, parent.ID, nextChildNumber(parent.ID, existing), opts.Title, e.now())
		if opts.Description != "" {
			desc := opts.Description
			t.Description = &desc
		}
		if len(opts.DependsOn) > 0 {
			t.DependsOn = append([]string{}, opts.DependsOn...)
		}
		return t, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := project(ctx, e, domain.KindTask, t.ID, t, e.Mirror.UpsertTask); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func nextChildNumber(parentID string, children []domain.Task) int {
	highest := 0
	for _, c := range children {
		suffix, ok := strings.CutPrefix(c.ID, parentID+".")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1
}

// TransitionTask moves a task along its state table. Completing or failing
// a subtask records the matching worker event.
func (e Engine) TransitionTask(ctx context.Context, id string, to domain.TaskStatus) (domain.Task, error) {
	t, err := e.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if !t.Status.CanTransition(to) {
		return domain.Task{}, errs.TransitionError{EntityType: "Task", ID: id, From: string(t.Status), To: string(to)}
	}
	from := t.Status
	t.Status = to
	t.UpdatedAt = e.now()
	if err := e.AppendTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	if t.TaskType != domain.TaskSubtask {
		return t, nil
	}
	var evtType domain.EventType
	switch to {
	case domain.TaskComplete:
		evtType = domain.EventWorkerComplete
	case domain.TaskFailed:
		evtType = domain.EventWorkerFailed
	default:
		return t, nil
	}
	payload := events.EventPayload{"from": string(from), "to": string(to)}
	if _, err := e.events().Append(ctx, evtType, t.PlanID, t.ID, payload); err != nil {
		return t, err
	}
	return t, nil
}

// AssignWorker records which worker session owns a task and, optionally, its worktree.
func (e Engine) AssignWorker(ctx context.Context, id, worker, worktree string) (domain.Task, error) {
	if worker == "" {
		return domain.Task{}, errors.New("worker is required")
	}
	t, err := e.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	t.AssignedWorker = &worker
	if worktree != "" {
		t.Worktree = &worktree
	}
	t.UpdatedAt = e.now()
	if err := e.AppendTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

type FactOptions struct {
	PlanID     string
	SubtaskID  string
	Content    string
	Source     string
	Confidence *float64
}

func (e Engine) AddFact(ctx context.Context, opts FactOptions) (domain.ContextItem, error) {
	subtask, err := e.checkContextScope(ctx, opts.PlanID, opts.SubtaskID, opts.Content)
	if err != nil {
		return domain.ContextItem{}, err
	}
	if opts.Confidence != nil && (*opts.Confidence < 0 || *opts.Confidence > 1) {
		return domain.ContextItem{}, fmt.Errorf("confidence %v outside [0, 1]", *opts.Confidence)
	}
	var source *string
	if opts.Source != "" {
		s := opts.Source
		source = &s
	}
	item := domain.NewFact(opts.PlanID, subtask, opts.Content, source, opts.Confidence, e.now())
	if err := e.AppendContext(ctx, item); err != nil {
		return domain.ContextItem{}, err
	}
	return item, nil
}

type DecisionOptions struct {
	PlanID       string
	SubtaskID    string
	Content      string
	Reasoning    string
	Alternatives []string
}

func (e Engine) AddDecision(ctx context.Context, opts DecisionOptions) (domain.ContextItem, error) {
	subtask, err := e.checkContextScope(ctx, opts.PlanID, opts.SubtaskID, opts.Content)
	if err != nil {
		return domain.ContextItem{}, err
	}
	item := domain.NewDecision(opts.PlanID, subtask, opts.Content, opts.Reasoning, opts.Alternatives, e.now())
	if err := e.AppendContext(ctx, item); err != nil {
		return domain.ContextItem{}, err
	}
	return item, nil
}

func (e Engine) checkContextScope(ctx context.Context, planID, subtaskID, content string) (*string, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("content is required")
	}
	if _, err := e.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	if subtaskID == "" {
		return nil, nil
	}
	t, err := e.GetTask(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	if t.PlanID != planID {
		return nil, fmt.Errorf("task %s belongs to plan %s, not %s", t.ID, t.PlanID, planID)
	}
	return &subtaskID, nil
}

// RequestReview opens a pending review of a plan.
func (e Engine) RequestReview(ctx context.Context, planID string, reviewer domain.ReviewerType) (domain.Review, error) {
	if !reviewer.Valid() {
		return domain.Review{}, fmt.Errorf("unknown reviewer type %q", reviewer)
	}
	if _, err := e.GetPlan(ctx, planID); err != nil {
		return domain.Review{}, err
	}
	r := domain.NewReview(planID, reviewer, e.now())
	if err := e.AppendReview(ctx, r); err != nil {
		return domain.Review{}, err
	}
	payload := events.EventPayload{"review_id": r.ID, "reviewer_type": string(reviewer)}
	if _, err := e.events().Append(ctx, domain.EventReviewRequested, planID, "", payload); err != nil {
		return r, err
	}
	return r, nil
}

var reviewTransitionEvents = map[domain.ReviewStatus]domain.EventType{
	domain.ReviewApproved:         domain.EventReviewApproved,
	domain.ReviewChangesRequested: domain.EventReviewChangesRequested,
	domain.ReviewPending:          domain.EventReviewRequested,
}

// ResolveReview moves a review to status and appends notes to it.
func (e Engine) ResolveReview(ctx context.Context, id string, to domain.ReviewStatus, notes []string) (domain.Review, error) {
	r, err := e.GetReview(ctx, id)
	if err != nil {
		return domain.Review{}, err
	}
	if !r.Status.CanTransition(to) {
		return domain.Review{}, errs.TransitionError{EntityType: "Review", ID: id, From: string(r.Status), To: string(to)}
	}
	r.Status = to
	for _, n := range notes {
		if strings.TrimSpace(n) != "" {
			r.Notes = append(r.Notes, n)
		}
	}
	r.UpdatedAt = e.now()
	if err := e.AppendReview(ctx, r); err != nil {
		return domain.Review{}, err
	}
	payload := events.EventPayload{"review_id": r.ID, "notes": len(r.Notes)}
	if _, err := e.events().Append(ctx, reviewTransitionEvents[to], r.PlanID, "", payload); err != nil {
		return r, err
	}
	return r, nil
}

type EventOptions struct {
	Type   domain.EventType
	PlanID string
	TaskID string
	// Data is any JSON value; it is stored verbatim.
	Data json.RawMessage
}

// RecordEvent appends an audit event supplied by a role process.
func (e Engine) RecordEvent(ctx context.Context, opts EventOptions) (domain.Event, error) {
	return e.events().AppendRaw(ctx, opts.Type, opts.PlanID, opts.TaskID, opts.Data)
}
