package server

import (
	"tandem/internal/domain"
	"tandem/internal/engine"
)

// TaskCounts maps task status to the number of tasks in it.
type TaskCounts map[string]int

type PlanSummary struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Status     domain.PlanStatus `json:"status"`
	TaskCounts TaskCounts        `json:"task_counts"`
}

type StatusResponse struct {
	Plans       []PlanSummary `json:"plans"`
	LatestEvent string        `json:"latest_event,omitempty"`
}

type PlanResponse struct {
	domain.Plan
	TaskCounts TaskCounts `json:"task_counts"`
}

type GraphResponse struct {
	engine.GraphReport
	OK bool `json:"ok"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type SessionsResponse struct {
	Sessions []string `json:"sessions"`
}

func taskCounts(in map[domain.TaskStatus]int) TaskCounts {
	out := TaskCounts{}
	for status, n := range in {
		out[string(status)] = n
	}
	return out
}

func planSummary(p domain.Plan, counts map[domain.TaskStatus]int) PlanSummary {
	return PlanSummary{ID: p.ID, Title: p.Title, Status: p.Status, TaskCounts: taskCounts(counts)}
}
