package domain

// Kind names an entity type. Each kind has its own append log target and mirror table.
type Kind string

const (
	KindPlan    Kind = "plan"
	KindTask    Kind = "task"
	KindContext Kind = "context"
	KindEvent   Kind = "event"
	KindReview  Kind = "review"
)

// Kinds is the replay order used by a full sync.
var Kinds = []Kind{KindPlan, KindTask, KindContext, KindEvent, KindReview}

// FileName is the append log file for the kind.
func (k Kind) FileName() string {
	switch k {
	case KindPlan:
		return "plans.jsonl"
	case KindTask:
		return "tasks.jsonl"
	case KindContext:
		return "context.jsonl"
	case KindEvent:
		return "events.jsonl"
	case KindReview:
		return "reviews.jsonl"
	}
	return string(k) + ".jsonl"
}

// Label is the entity type name used in error messages.
func (k Kind) Label() string {
	switch k {
	case KindPlan:
		return "Plan"
	case KindTask:
		return "Task"
	case KindContext:
		return "ContextItem"
	case KindEvent:
		return "Event"
	case KindReview:
		return "Review"
	}
	return string(k)
}
