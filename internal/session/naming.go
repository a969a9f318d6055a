package session

import (
	"fmt"
	"strings"

	"tandem/internal/domain"
)

const DefaultPrefix = "tandem"

// Namer derives session names from plan and task ids. Names are only ever
// generated; ids are never recovered from them.
type Namer struct {
	Prefix string
}

func (n Namer) prefix() string {
	if n.Prefix == "" {
		return DefaultPrefix
	}
	return n.Prefix
}

// Foreman returns "<prefix>-foreman-<bare plan id>".
func (n Namer) Foreman(planID string) string {
	return fmt.Sprintf("%s-foreman-%s", n.prefix(), domain.BarePlanID(planID))
}

// Reviewer returns "<prefix>-reviewer-<bare plan id>".
func (n Namer) Reviewer(planID string) string {
	return fmt.Sprintf("%s-reviewer-%s", n.prefix(), domain.BarePlanID(planID))
}

// Worker returns "<prefix>-worker-<bare plan id>-<task leaf>".
func (n Namer) Worker(planID, taskID string) string {
	return fmt.Sprintf("%s-worker-%s-%s", n.prefix(), domain.BarePlanID(planID), domain.TaskLeaf(taskID))
}

// For names the session of a role instance. The planner runs in the
// operator's own terminal and has no session.
func (n Namer) For(role domain.Role, planID, taskID string) (string, error) {
	switch role {
	case domain.RoleForeman:
		return n.Foreman(planID), nil
	case domain.RoleReviewer:
		return n.Reviewer(planID), nil
	case domain.RoleWorker:
		if taskID == "" {
			return "", fmt.Errorf("worker sessions need a task id")
		}
		return n.Worker(planID, taskID), nil
	}
	return "", fmt.Errorf("role %q has no session", role)
}

// Owns reports whether name carries this namer's prefix.
func (n Namer) Owns(name string) bool {
	return strings.HasPrefix(name, n.prefix()+"-")
}

// RoleOf reads the role segment back out of an owned name.
func (n Namer) RoleOf(name string) (domain.Role, bool) {
	rest, ok := strings.CutPrefix(name, n.prefix()+"-")
	if !ok {
		return "", false
	}
	for _, r := range []domain.Role{domain.RoleForeman, domain.RoleWorker, domain.RoleReviewer} {
		if strings.HasPrefix(rest, string(r)+"-") {
			return r, true
		}
	}
	return "", false
}

// ForemanName, ReviewerName and WorkerName use the default prefix.
func ForemanName(planID string) string { return Namer{}.Foreman(planID) }

func ReviewerName(planID string) string { return Namer{}.Reviewer(planID) }

func WorkerName(planID, taskID string) string { return Namer{}.Worker(planID, taskID) }
