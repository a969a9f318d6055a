package engine

import (
	"context"
	"sort"

	"tandem/internal/domain"
)

// DependencyIssue is one depends_on reference that does not resolve inside the plan.
type DependencyIssue struct {
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on"`
	// OtherPlan is set when the reference names a task of another plan.
	OtherPlan string `json:"other_plan,omitempty"`
}

// GraphReport describes the depends_on graph of one plan.
type GraphReport struct {
	PlanID    string            `json:"plan_id"`
	Tasks     int               `json:"tasks"`
	Cycles    [][]string        `json:"cycles"`
	Dangling  []DependencyIssue `json:"dangling"`
	CrossPlan []DependencyIssue `json:"cross_plan"`
}

// OK reports whether the graph has no cycles and no unresolved references.
func (r GraphReport) OK() bool {
	return len(r.Cycles) == 0 && len(r.Dangling) == 0 && len(r.CrossPlan) == 0
}

// CheckTaskGraph inspects a plan's depends_on edges. It never blocks
// writes; appends accept any depends_on list.
func (e Engine) CheckTaskGraph(ctx context.Context, planID string) (GraphReport, error) {
	if _, err := e.GetPlan(ctx, planID); err != nil {
		return GraphReport{}, err
	}
	tasks, err := e.GetTasksForPlan(ctx, planID)
	if err != nil {
		return GraphReport{}, err
	}
	report := GraphReport{
		PlanID:    planID,
		Tasks:     len(tasks),
		Cycles:    [][]string{},
		Dangling:  []DependencyIssue{},
		CrossPlan: []DependencyIssue{},
	}
	edges := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		edges[t.ID] = nil
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, local := edges[dep]; local {
				edges[t.ID] = append(edges[t.ID], dep)
				continue
			}
			other, ok, err := e.GetTaskOpt(ctx, dep)
			if err != nil {
				return GraphReport{}, err
			}
			issue := DependencyIssue{TaskID: t.ID, DependsOn: dep}
			if ok {
				issue.OtherPlan = other.PlanID
				report.CrossPlan = append(report.CrossPlan, issue)
			} else {
				report.Dangling = append(report.Dangling, issue)
			}
		}
	}
	report.Cycles = findCycles(tasks, edges)
	return report, nil
}

// findCycles walks the graph depth first and records each back edge as a
// cycle, listed from the task the cycle re-enters.
func findCycles(tasks []domain.Task, edges map[string][]string) [][]string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(tasks))
	var stack []string
	cycles := [][]string{}

	var visit func(id string)
	visit = func(id string) {
		state[id] = onStack
		stack = append(stack, id)
		for _, dep := range edges[id] {
			switch state[dep] {
			case unvisited:
				visit(dep)
			case onStack:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle := append([]string{}, stack[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return cycles
}
