// Package tandemsdk is a small client for the tandem observer API.
package tandemsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal observer API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Plan represents the API plan model.
type Plan struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	SubtasksPreview []string       `json:"subtasks_preview"`
	Considerations  []string       `json:"considerations"`
	Status          string         `json:"status"`
	ApprovedAt      *time.Time     `json:"approved_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	TaskCounts      map[string]int `json:"task_counts,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID             string    `json:"id"`
	PlanID         string    `json:"plan_id"`
	ParentID       *string   `json:"parent_id,omitempty"`
	TaskType       string    `json:"task_type"`
	Title          string    `json:"title"`
	Description    *string   `json:"description,omitempty"`
	Status         string    `json:"status"`
	DependsOn      []string  `json:"depends_on"`
	Worktree       *string   `json:"worktree,omitempty"`
	AssignedWorker *string   `json:"assigned_worker,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ContextItem is a fact or decision.
type ContextItem struct {
	ID           string    `json:"id"`
	PlanID       string    `json:"plan_id"`
	SubtaskID    *string   `json:"subtask_id,omitempty"`
	ItemType     string    `json:"item_type"`
	Content      string    `json:"content"`
	Source       *string   `json:"source,omitempty"`
	Reasoning    *string   `json:"reasoning,omitempty"`
	Alternatives []string  `json:"alternatives,omitempty"`
	Confidence   *float64  `json:"confidence,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Event represents an audit record.
type Event struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	PlanID    *string         `json:"plan_id,omitempty"`
	TaskID    *string         `json:"task_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type Review struct {
	ID           string    `json:"id"`
	PlanID       string    `json:"plan_id"`
	ReviewerType string    `json:"reviewer_type"`
	Status       string    `json:"status"`
	Notes        []string  `json:"notes"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", nil)
}

// Plans lists plans; active restricts the list to approved or running plans.
func (c *Client) Plans(ctx context.Context, active bool) ([]Plan, error) {
	endpoint := "plans"
	if active {
		endpoint += "?active=true"
	}
	var resp []Plan
	err := c.do(ctx, endpoint, &resp)
	return resp, err
}

// Plan fetches one plan with its task counts.
func (c *Client) Plan(ctx context.Context, id string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, "plans/"+url.PathEscape(id), &resp)
	return resp, err
}

func (c *Client) PlanTasks(ctx context.Context, planID string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, "plans/"+url.PathEscape(planID)+"/tasks", &resp)
	return resp, err
}

func (c *Client) PlanContext(ctx context.Context, planID string) ([]ContextItem, error) {
	var resp []ContextItem
	err := c.do(ctx, "plans/"+url.PathEscape(planID)+"/context", &resp)
	return resp, err
}

func (c *Client) PlanEvents(ctx context.Context, planID string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, "plans/"+url.PathEscape(planID)+"/events", &resp)
	return resp, err
}

func (c *Client) PlanReviews(ctx context.Context, planID string) ([]Review, error) {
	var resp []Review
	err := c.do(ctx, "plans/"+url.PathEscape(planID)+"/reviews", &resp)
	return resp, err
}

func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, "tasks/"+url.PathEscape(id), &resp)
	return resp, err
}

func (c *Client) TaskContext(ctx context.Context, taskID string) ([]ContextItem, error) {
	var resp []ContextItem
	err := c.do(ctx, "tasks/"+url.PathEscape(taskID)+"/context", &resp)
	return resp, err
}

// Sessions lists the sessions the project owns.
func (c *Client) Sessions(ctx context.Context) ([]string, error) {
	var resp struct {
		Sessions []string `json:"sessions"`
	}
	err := c.do(ctx, "sessions", &resp)
	return resp.Sessions, err
}

// EventsPage returns one page of events after cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, endpoint, &resp)
	return resp, err
}

// Events walks every page and returns all events in order.
func (c *Client) Events(ctx context.Context) ([]Event, error) {
	var all []Event
	cursor := ""
	for {
		page, err := c.EventsPage(ctx, 200, cursor)
		if err != nil {
			return all, err
		}
		all = append(all, page.Items...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

func (c *Client) do(ctx context.Context, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
