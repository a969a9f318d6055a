package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	planPrefix = "plan-"
	taskPrefix = "task-"
)

type Plan struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	SubtasksPreview []string   `json:"subtasks_preview"`
	Considerations  []string   `json:"considerations"`
	Status          PlanStatus `json:"status"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type Task struct {
	ID             string     `json:"id"`
	PlanID         string     `json:"plan_id"`
	ParentID       *string    `json:"parent_id,omitempty"`
	TaskType       TaskType   `json:"task_type"`
	Title          string     `json:"title"`
	Description    *string    `json:"description,omitempty"`
	Status         TaskStatus `json:"status"`
	DependsOn      []string   `json:"depends_on"`
	Worktree       *string    `json:"worktree,omitempty"`
	AssignedWorker *string    `json:"assigned_worker,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ContextItem is an immutable fact or decision in a plan's knowledge ledger.
type ContextItem struct {
	ID           string      `json:"id"`
	PlanID       string      `json:"plan_id"`
	SubtaskID    *string     `json:"subtask_id,omitempty"`
	ItemType     ContextType `json:"item_type"`
	Content      string      `json:"content"`
	Source       *string     `json:"source,omitempty"`
	Reasoning    *string     `json:"reasoning,omitempty"`
	Alternatives []string    `json:"alternatives,omitempty"`
	Confidence   *float64    `json:"confidence,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Event is an audit record. Nothing in the core reads it back to make decisions.
type Event struct {
	ID        string          `json:"id"`
	EventType EventType       `json:"event_type"`
	PlanID    *string         `json:"plan_id,omitempty"`
	TaskID    *string         `json:"task_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type Review struct {
	ID           string       `json:"id"`
	PlanID       string       `json:"plan_id"`
	ReviewerType ReviewerType `json:"reviewer_type"`
	Status       ReviewStatus `json:"status"`
	Notes        []string     `json:"notes"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewPlan returns a pending plan stamped with now.
func NewPlan(id, title, description string, now time.Time) Plan {
	now = now.UTC()
	return Plan{
		ID:              id,
		Title:           title,
		Description:     description,
		SubtasksPreview: []string{},
		Considerations:  []string{},
		Status:          PlanPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// NewForemanTask returns the root task of a plan.
func NewForemanTask(planID, title string, now time.Time) Task {
	now = now.UTC()
	return Task{
		ID:        ForemanTaskID(planID),
		PlanID:    planID,
		TaskType:  TaskForeman,
		Title:     title,
		Status:    TaskPending,
		DependsOn: []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewSubtask returns the n-th child of parentID.
func NewSubtask(planID, parentID string, n int, title string, now time.Time) Task {
	now = now.UTC()
	parent := parentID
	return Task{
		ID:        SubtaskID(parentID, n),
		PlanID:    planID,
		ParentID:  &parent,
		TaskType:  TaskSubtask,
		Title:     title,
		Status:    TaskPending,
		DependsOn: []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func NewFact(planID string, subtaskID *string, content string, source *string, confidence *float64, now time.Time) ContextItem {
	return ContextItem{
		ID:         newID("fact-"),
		PlanID:     planID,
		SubtaskID:  subtaskID,
		ItemType:   ContextFact,
		Content:    content,
		Source:     source,
		Confidence: confidence,
		CreatedAt:  now.UTC(),
	}
}

func NewDecision(planID string, subtaskID *string, content, reasoning string, alternatives []string, now time.Time) ContextItem {
	// an empty list is not recorded, so normalize it to absent
	if len(alternatives) == 0 {
		alternatives = nil
	}
	return ContextItem{
		ID:           newID("dec-"),
		PlanID:       planID,
		SubtaskID:    subtaskID,
		ItemType:     ContextDecision,
		Content:      content,
		Reasoning:    &reasoning,
		Alternatives: alternatives,
		CreatedAt:    now.UTC(),
	}
}

func NewEvent(t EventType, now time.Time) Event {
	return Event{
		ID:        newID("evt-"),
		EventType: t,
		Timestamp: now.UTC(),
	}
}

func (e Event) WithPlan(planID string) Event {
	e.PlanID = &planID
	return e
}

func (e Event) WithTask(taskID string) Event {
	e.TaskID = &taskID
	return e
}

// WithData attaches v, encoded as JSON.
func (e Event) WithData(v any) (Event, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return e, fmt.Errorf("marshal event data: %w", err)
	}
	e.Data = b
	return e, nil
}

func NewReview(planID string, reviewer ReviewerType, now time.Time) Review {
	now = now.UTC()
	return Review{
		ID:           newID("rev-"),
		PlanID:       planID,
		ReviewerType: reviewer,
		Status:       ReviewPending,
		Notes:        []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// GeneratePlanID returns "plan-" followed by 32 hex characters.
func GeneratePlanID() string {
	return planPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BarePlanID strips the "plan-" label if present.
func BarePlanID(planID string) string {
	return strings.TrimPrefix(planID, planPrefix)
}

// ForemanTaskID derives the root task id of a plan: "task-<bare plan id>".
func ForemanTaskID(planID string) string {
	return taskPrefix + BarePlanID(planID)
}

// SubtaskID appends a dotted segment to the parent id.
func SubtaskID(parentID string, n int) string {
	return fmt.Sprintf("%s.%d", parentID, n)
}

// TaskLeaf strips the "task-" label and returns the last dotted segment.
// Ids without the label are returned unchanged.
func TaskLeaf(taskID string) string {
	rest, ok := strings.CutPrefix(taskID, taskPrefix)
	if !ok {
		return taskID
	}
	if i := strings.LastIndex(rest, "."); i >= 0 {
		return rest[i+1:]
	}
	return rest
}

// newID uses time-ordered UUIDs so ids sort roughly by creation.
func newID(prefix string) string {
	return prefix + uuid.Must(uuid.NewV7()).String()
}
