// Package mcp exposes the orchestration store as MCP tools, so a role
// process can read its plan and record facts without shelling out to the CLI.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"tandem/internal/domain"
	"tandem/internal/engine"
	"tandem/internal/errs"
	"tandem/internal/session"
)

// Defaults fill plan and task ids a tool call leaves empty.
type Defaults struct {
	PlanID string
	TaskID string
}

// DefaultsFromEnv reads the ids the session manager injects into role processes.
func DefaultsFromEnv() Defaults {
	return Defaults{
		PlanID: os.Getenv(session.EnvPlanID),
		TaskID: os.Getenv(session.EnvSubtaskID),
	}
}

type Server struct {
	server   *gomcp.Server
	engine   engine.Engine
	defaults Defaults
	logger   *slog.Logger
}

func NewServer(e engine.Engine, defaults Defaults, version string, logger *slog.Logger) *Server {
	if version == "" {
		version = "dev"
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: e, defaults: defaults, logger: logger}
	s.server = gomcp.NewServer(&gomcp.Implementation{Name: "tandem", Version: version}, nil)
	s.registerTools()
	return s
}

// Run serves on stdio until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

type planInput struct {
	PlanID string `json:"plan_id,omitempty" jsonschema:"plan id, defaults to the plan of the calling role"`
}

type planOutput struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Status          string         `json:"status"`
	SubtasksPreview []string       `json:"subtasks_preview"`
	Considerations  []string       `json:"considerations"`
	ApprovedAt      string         `json:"approved_at,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
	TaskCounts      map[string]int `json:"task_counts"`
}

type listTasksInput struct {
	PlanID string `json:"plan_id,omitempty" jsonschema:"plan id, defaults to the plan of the calling role"`
	Status string `json:"status,omitempty" jsonschema:"only tasks in this status (pending, running, complete, failed)"`
}

type taskInput struct {
	TaskID string `json:"task_id,omitempty" jsonschema:"task id, defaults to the subtask of the calling worker"`
}

type taskOutput struct {
	ID             string   `json:"id"`
	PlanID         string   `json:"plan_id"`
	ParentID       string   `json:"parent_id,omitempty"`
	TaskType       string   `json:"task_type"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Status         string   `json:"status"`
	DependsOn      []string `json:"depends_on"`
	Worktree       string   `json:"worktree,omitempty"`
	AssignedWorker string   `json:"assigned_worker,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

type listTasksOutput struct {
	Tasks []taskOutput `json:"tasks"`
	Count int          `json:"count"`
}

type contextInput struct {
	PlanID string `json:"plan_id,omitempty" jsonschema:"plan id, defaults to the plan of the calling role"`
	TaskID string `json:"task_id,omitempty" jsonschema:"restrict to items scoped to this subtask"`
}

type contextOutput struct {
	ID           string   `json:"id"`
	PlanID       string   `json:"plan_id"`
	SubtaskID    string   `json:"subtask_id,omitempty"`
	ItemType     string   `json:"item_type"`
	Content      string   `json:"content"`
	Source       string   `json:"source,omitempty"`
	Reasoning    string   `json:"reasoning,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

type listContextOutput struct {
	Items []contextOutput `json:"items"`
	Count int             `json:"count"`
}

type addFactInput struct {
	PlanID     string   `json:"plan_id,omitempty" jsonschema:"plan id, defaults to the plan of the calling role"`
	TaskID     string   `json:"task_id,omitempty" jsonschema:"subtask the fact is scoped to, defaults to the calling worker's subtask"`
	Content    string   `json:"content" jsonschema:"the fact"`
	Source     string   `json:"source,omitempty" jsonschema:"where the fact came from"`
	Confidence *float64 `json:"confidence,omitempty" jsonschema:"confidence between 0 and 1"`
}

type addDecisionInput struct {
	PlanID       string   `json:"plan_id,omitempty" jsonschema:"plan id, defaults to the plan of the calling role"`
	TaskID       string   `json:"task_id,omitempty" jsonschema:"subtask the decision is scoped to, defaults to the calling worker's subtask"`
	Content      string   `json:"content" jsonschema:"the decision"`
	Reasoning    string   `json:"reasoning,omitempty" jsonschema:"why it was made"`
	Alternatives []string `json:"alternatives,omitempty" jsonschema:"options that were rejected"`
}

type updateTaskStatusInput struct {
	TaskID string `json:"task_id,omitempty" jsonschema:"task id, defaults to the subtask of the calling worker"`
	Status string `json:"status" jsonschema:"new status (running, complete, failed)"`
}

type requestReviewInput struct {
	PlanID   string `json:"plan_id,omitempty" jsonschema:"plan id, defaults to the plan of the calling role"`
	Reviewer string `json:"reviewer" jsonschema:"who reviews the plan (agent or human)"`
}

type reviewOutput struct {
	ID           string   `json:"id"`
	PlanID       string   `json:"plan_id"`
	ReviewerType string   `json:"reviewer_type"`
	Status       string   `json:"status"`
	Notes        []string `json:"notes"`
	CreatedAt    string   `json:"created_at"`
}

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_plan",
		Description: "Get a plan with its task counts by status.",
	}, s.handleGetPlan)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_tasks",
		Description: "List the tasks of a plan, optionally filtered by status.",
	}, s.handleListTasks)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_task",
		Description: "Get one task by id.",
	}, s.handleGetTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_context",
		Description: "List the facts and decisions recorded for a plan or one of its subtasks.",
	}, s.handleGetContext)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "add_fact",
		Description: "Record a fact in the plan's context ledger.",
	}, s.handleAddFact)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "add_decision",
		Description: "Record a decision, with its reasoning and rejected alternatives, in the plan's context ledger.",
	}, s.handleAddDecision)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "update_task_status",
		Description: "Move a task to running, complete or failed.",
	}, s.handleUpdateTaskStatus)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "request_review",
		Description: "Open a pending review of a plan.",
	}, s.handleRequestReview)
}

func (s *Server) planID(id string) string {
	if id != "" {
		return id
	}
	return s.defaults.PlanID
}

func (s *Server) taskID(id string) string {
	if id != "" {
		return id
	}
	return s.defaults.TaskID
}

func (s *Server) handleGetPlan(ctx context.Context, _ *gomcp.CallToolRequest, in planInput) (*gomcp.CallToolResult, planOutput, error) {
	id := s.planID(in.PlanID)
	if id == "" {
		return errorResult("plan_id is required"), emptyPlan(), nil
	}
	p, err := s.engine.GetPlan(ctx, id)
	if err != nil {
		return s.failure("get_plan", err), emptyPlan(), nil
	}
	counts, err := s.engine.TaskCounts(ctx, id)
	if err != nil {
		return s.failure("get_plan", err), emptyPlan(), nil
	}
	out := planToOutput(p)
	for status, n := range counts {
		out.TaskCounts[string(status)] = n
	}
	return nil, out, nil
}

func (s *Server) handleListTasks(ctx context.Context, _ *gomcp.CallToolRequest, in listTasksInput) (*gomcp.CallToolResult, listTasksOutput, error) {
	id := s.planID(in.PlanID)
	if id == "" {
		return errorResult("plan_id is required"), listTasksOutput{Tasks: []taskOutput{}}, nil
	}
	var status domain.TaskStatus
	if in.Status != "" {
		parsed, err := domain.ParseTaskStatus(in.Status)
		if err != nil {
			return errorResult(err.Error()), listTasksOutput{Tasks: []taskOutput{}}, nil
		}
		status = parsed
	}
	if _, err := s.engine.GetPlan(ctx, id); err != nil {
		return s.failure("list_tasks", err), listTasksOutput{Tasks: []taskOutput{}}, nil
	}
	tasks, err := s.engine.GetTasksForPlan(ctx, id)
	if err != nil {
		return s.failure("list_tasks", err), listTasksOutput{Tasks: []taskOutput{}}, nil
	}
	out := listTasksOutput{Tasks: []taskOutput{}}
	for _, t := range tasks {
		if status != "" && t.Status != status {
			continue
		}
		out.Tasks = append(out.Tasks, taskToOutput(t))
	}
	out.Count = len(out.Tasks)
	return nil, out, nil
}

func (s *Server) handleGetTask(ctx context.Context, _ *gomcp.CallToolRequest, in taskInput) (*gomcp.CallToolResult, taskOutput, error) {
	id := s.taskID(in.TaskID)
	if id == "" {
		return errorResult("task_id is required"), emptyTask(), nil
	}
	t, err := s.engine.GetTask(ctx, id)
	if err != nil {
		return s.failure("get_task", err), emptyTask(), nil
	}
	return nil, taskToOutput(t), nil
}

func (s *Server) handleGetContext(ctx context.Context, _ *gomcp.CallToolRequest, in contextInput) (*gomcp.CallToolResult, listContextOutput, error) {
	var (
		items []domain.ContextItem
		err   error
	)
	switch {
	case in.TaskID != "":
		items, err = s.engine.GetContextForTask(ctx, in.TaskID)
	case s.planID(in.PlanID) != "":
		id := s.planID(in.PlanID)
		if _, err := s.engine.GetPlan(ctx, id); err != nil {
			return s.failure("get_context", err), listContextOutput{Items: []contextOutput{}}, nil
		}
		items, err = s.engine.GetContextForPlan(ctx, id)
	default:
		return errorResult("plan_id or task_id is required"), listContextOutput{Items: []contextOutput{}}, nil
	}
	if err != nil {
		return s.failure("get_context", err), listContextOutput{Items: []contextOutput{}}, nil
	}
	out := listContextOutput{Items: make([]contextOutput, len(items)), Count: len(items)}
	for i, c := range items {
		out.Items[i] = contextToOutput(c)
	}
	return nil, out, nil
}

func (s *Server) handleAddFact(ctx context.Context, _ *gomcp.CallToolRequest, in addFactInput) (*gomcp.CallToolResult, contextOutput, error) {
	item, err := s.engine.AddFact(ctx, engine.FactOptions{
		PlanID:     s.planID(in.PlanID),
		SubtaskID:  s.taskID(in.TaskID),
		Content:    in.Content,
		Source:     in.Source,
		Confidence: in.Confidence,
	})
	if err != nil {
		return s.failure("add_fact", err), contextOutput{}, nil
	}
	return nil, contextToOutput(item), nil
}

func (s *Server) handleAddDecision(ctx context.Context, _ *gomcp.CallToolRequest, in addDecisionInput) (*gomcp.CallToolResult, contextOutput, error) {
	item, err := s.engine.AddDecision(ctx, engine.DecisionOptions{
		PlanID:       s.planID(in.PlanID),
		SubtaskID:    s.taskID(in.TaskID),
		Content:      in.Content,
		Reasoning:    in.Reasoning,
		Alternatives: in.Alternatives,
	})
	if err != nil {
		return s.failure("add_decision", err), contextOutput{}, nil
	}
	return nil, contextToOutput(item), nil
}

func (s *Server) handleUpdateTaskStatus(ctx context.Context, _ *gomcp.CallToolRequest, in updateTaskStatusInput) (*gomcp.CallToolResult, taskOutput, error) {
	id := s.taskID(in.TaskID)
	if id == "" {
		return errorResult("task_id is required"), emptyTask(), nil
	}
	status, err := domain.ParseTaskStatus(in.Status)
	if err != nil {
		return errorResult(err.Error()), emptyTask(), nil
	}
	t, err := s.engine.TransitionTask(ctx, id, status)
	if err != nil {
		return s.failure("update_task_status", err), emptyTask(), nil
	}
	return nil, taskToOutput(t), nil
}

func (s *Server) handleRequestReview(ctx context.Context, _ *gomcp.CallToolRequest, in requestReviewInput) (*gomcp.CallToolResult, reviewOutput, error) {
	id := s.planID(in.PlanID)
	if id == "" {
		return errorResult("plan_id is required"), reviewOutput{Notes: []string{}}, nil
	}
	reviewer, err := domain.ParseReviewerType(in.Reviewer)
	if err != nil {
		return errorResult(err.Error()), reviewOutput{Notes: []string{}}, nil
	}
	r, err := s.engine.RequestReview(ctx, id, reviewer)
	if err != nil {
		return s.failure("request_review", err), reviewOutput{Notes: []string{}}, nil
	}
	return nil, reviewOutput{
		ID:           r.ID,
		PlanID:       r.PlanID,
		ReviewerType: string(r.ReviewerType),
		Status:       string(r.Status),
		Notes:        nonNil(r.Notes),
		CreatedAt:    formatTime(r.CreatedAt),
	}, nil
}

// failure turns an engine error into a tool error result. Storage and cache
// failures are logged since the caller only sees the message.
func (s *Server) failure(tool string, err error) *gomcp.CallToolResult {
	var (
		notFound   errs.NotFoundError
		transition errs.TransitionError
	)
	if !errors.As(err, &notFound) && !errors.As(err, &transition) {
		s.logger.Warn("tool failed", "tool", tool, "err", err)
	}
	return errorResult(fmt.Sprintf("%s: %s", tool, err))
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// Structured output is validated against the schema even for error results,
// so the outputs returned alongside one carry empty collections, not nil.
func emptyPlan() planOutput {
	return planOutput{SubtasksPreview: []string{}, Considerations: []string{}, TaskCounts: map[string]int{}}
}

func emptyTask() taskOutput {
	return taskOutput{DependsOn: []string{}}
}

func planToOutput(p domain.Plan) planOutput {
	out := planOutput{
		ID:              p.ID,
		Title:           p.Title,
		Description:     p.Description,
		Status:          string(p.Status),
		SubtasksPreview: nonNil(p.SubtasksPreview),
		Considerations:  nonNil(p.Considerations),
		CreatedAt:       formatTime(p.CreatedAt),
		UpdatedAt:       formatTime(p.UpdatedAt),
		TaskCounts:      map[string]int{},
	}
	if p.ApprovedAt != nil {
		out.ApprovedAt = formatTime(*p.ApprovedAt)
	}
	return out
}

func taskToOutput(t domain.Task) taskOutput {
	return taskOutput{
		ID:             t.ID,
		PlanID:         t.PlanID,
		ParentID:       deref(t.ParentID),
		TaskType:       string(t.TaskType),
		Title:          t.Title,
		Description:    deref(t.Description),
		Status:         string(t.Status),
		DependsOn:      nonNil(t.DependsOn),
		Worktree:       deref(t.Worktree),
		AssignedWorker: deref(t.AssignedWorker),
		CreatedAt:      formatTime(t.CreatedAt),
		UpdatedAt:      formatTime(t.UpdatedAt),
	}
}

func contextToOutput(c domain.ContextItem) contextOutput {
	return contextOutput{
		ID:           c.ID,
		PlanID:       c.PlanID,
		SubtaskID:    deref(c.SubtaskID),
		ItemType:     string(c.ItemType),
		Content:      c.Content,
		Source:       deref(c.Source),
		Reasoning:    deref(c.Reasoning),
		Alternatives: c.Alternatives,
		Confidence:   c.Confidence,
		CreatedAt:    formatTime(c.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
