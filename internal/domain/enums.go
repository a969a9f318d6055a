package domain

import "fmt"

type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanApproved  PlanStatus = "approved"
	PlanRunning   PlanStatus = "running"
	PlanComplete  PlanStatus = "complete"
	PlanCancelled PlanStatus = "cancelled"
)

// planRank orders the forward lifecycle; cancelled sits outside it.
var planRank = map[PlanStatus]int{
	PlanPending:  0,
	PlanApproved: 1,
	PlanRunning:  2,
	PlanComplete: 3,
}

func (s PlanStatus) Valid() bool {
	switch s {
	case PlanPending, PlanApproved, PlanRunning, PlanComplete, PlanCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s PlanStatus) Terminal() bool {
	return s == PlanComplete || s == PlanCancelled
}

// Active reports whether the plan is approved or executing.
func (s PlanStatus) Active() bool {
	return s == PlanApproved || s == PlanRunning
}

// CanTransition allows any forward move, and cancellation from a non-terminal state.
func (s PlanStatus) CanTransition(to PlanStatus) bool {
	if !to.Valid() || s.Terminal() {
		return false
	}
	if to == PlanCancelled {
		return true
	}
	return planRank[to] > planRank[s]
}

func (s PlanStatus) MarshalText() ([]byte, error) { return marshalEnum("plan status", s, s.Valid()) }

func (s *PlanStatus) UnmarshalText(b []byte) error {
	v, err := ParsePlanStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParsePlanStatus(v string) (PlanStatus, error) {
	return parseEnum("plan status", PlanStatus(v), PlanStatus(v).Valid())
}

type TaskType string

const (
	TaskForeman TaskType = "foreman"
	TaskSubtask TaskType = "subtask"
)

func (t TaskType) Valid() bool { return t == TaskForeman || t == TaskSubtask }

func (t TaskType) MarshalText() ([]byte, error) { return marshalEnum("task type", t, t.Valid()) }

func (t *TaskType) UnmarshalText(b []byte) error {
	v, err := ParseTaskType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func ParseTaskType(v string) (TaskType, error) {
	return parseEnum("task type", TaskType(v), TaskType(v).Valid())
}

type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskRunning, TaskFailed},
	TaskRunning: {TaskComplete, TaskFailed},
	TaskFailed:  {TaskRunning},
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskComplete, TaskFailed:
		return true
	}
	return false
}

func (s TaskStatus) CanTransition(to TaskStatus) bool {
	return contains(taskTransitions[s], to)
}

func (s TaskStatus) MarshalText() ([]byte, error) { return marshalEnum("task status", s, s.Valid()) }

func (s *TaskStatus) UnmarshalText(b []byte) error {
	v, err := ParseTaskStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseTaskStatus(v string) (TaskStatus, error) {
	return parseEnum("task status", TaskStatus(v), TaskStatus(v).Valid())
}

type ContextType string

const (
	ContextFact     ContextType = "fact"
	ContextDecision ContextType = "decision"
)

func (t ContextType) Valid() bool { return t == ContextFact || t == ContextDecision }

func (t ContextType) MarshalText() ([]byte, error) { return marshalEnum("context type", t, t.Valid()) }

func (t *ContextType) UnmarshalText(b []byte) error {
	v, err := ParseContextType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func ParseContextType(v string) (ContextType, error) {
	return parseEnum("context type", ContextType(v), ContextType(v).Valid())
}

type EventType string

const (
	EventInitialized            EventType = "initialized"
	EventPlanCreated            EventType = "plan_created"
	EventPlanApproved           EventType = "plan_approved"
	EventForemanSpawned         EventType = "foreman_spawned"
	EventWorkerSpawned          EventType = "worker_spawned"
	EventWorkerProgress         EventType = "worker_progress"
	EventWorkerComplete         EventType = "worker_complete"
	EventWorkerFailed           EventType = "worker_failed"
	EventReviewRequested        EventType = "review_requested"
	EventReviewApproved         EventType = "review_approved"
	EventReviewChangesRequested EventType = "review_changes_requested"
	EventPlanComplete           EventType = "plan_complete"
	EventPlanCancelled          EventType = "plan_cancelled"
)

// EventTypes lists every known event type in lifecycle order.
var EventTypes = []EventType{
	EventInitialized,
	EventPlanCreated,
	EventPlanApproved,
	EventForemanSpawned,
	EventWorkerSpawned,
	EventWorkerProgress,
	EventWorkerComplete,
	EventWorkerFailed,
	EventReviewRequested,
	EventReviewApproved,
	EventReviewChangesRequested,
	EventPlanComplete,
	EventPlanCancelled,
}

func (t EventType) Valid() bool { return contains(EventTypes, t) }

func (t EventType) MarshalText() ([]byte, error) { return marshalEnum("event type", t, t.Valid()) }

func (t *EventType) UnmarshalText(b []byte) error {
	v, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func ParseEventType(v string) (EventType, error) {
	return parseEnum("event type", EventType(v), EventType(v).Valid())
}

type ReviewerType string

const (
	ReviewerAgent ReviewerType = "agent"
	ReviewerHuman ReviewerType = "human"
)

func (t ReviewerType) Valid() bool { return t == ReviewerAgent || t == ReviewerHuman }

func (t ReviewerType) MarshalText() ([]byte, error) { return marshalEnum("reviewer type", t, t.Valid()) }

func (t *ReviewerType) UnmarshalText(b []byte) error {
	v, err := ParseReviewerType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func ParseReviewerType(v string) (ReviewerType, error) {
	return parseEnum("reviewer type", ReviewerType(v), ReviewerType(v).Valid())
}

type ReviewStatus string

const (
	ReviewPending          ReviewStatus = "pending"
	ReviewApproved         ReviewStatus = "approved"
	ReviewChangesRequested ReviewStatus = "changes_requested"
)

var reviewTransitions = map[ReviewStatus][]ReviewStatus{
	ReviewPending:          {ReviewApproved, ReviewChangesRequested},
	ReviewChangesRequested: {ReviewPending},
}

func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewApproved, ReviewChangesRequested:
		return true
	}
	return false
}

func (s ReviewStatus) CanTransition(to ReviewStatus) bool {
	return contains(reviewTransitions[s], to)
}

func (s ReviewStatus) MarshalText() ([]byte, error) { return marshalEnum("review status", s, s.Valid()) }

func (s *ReviewStatus) UnmarshalText(b []byte) error {
	v, err := ParseReviewStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseReviewStatus(v string) (ReviewStatus, error) {
	return parseEnum("review status", ReviewStatus(v), ReviewStatus(v).Valid())
}

// Role is the kind of process a session hosts.
type Role string

const (
	RolePlanner  Role = "planner"
	RoleForeman  Role = "foreman"
	RoleWorker   Role = "worker"
	RoleReviewer Role = "reviewer"
)

func (r Role) Valid() bool {
	switch r {
	case RolePlanner, RoleForeman, RoleWorker, RoleReviewer:
		return true
	}
	return false
}

func (r Role) MarshalText() ([]byte, error) { return marshalEnum("role", r, r.Valid()) }

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func ParseRole(v string) (Role, error) {
	return parseEnum("role", Role(v), Role(v).Valid())
}

func marshalEnum[T ~string](kind string, v T, ok bool) ([]byte, error) {
	if !ok {
		return nil, fmt.Errorf("invalid %s %q", kind, string(v))
	}
	return []byte(v), nil
}

func parseEnum[T ~string](kind string, v T, ok bool) (T, error) {
	if !ok {
		return "", fmt.Errorf("invalid %s %q", kind, string(v))
	}
	return v, nil
}

func contains[T comparable](items []T, v T) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
