// Package server exposes a read-only HTTP view of a project for dashboards
// and role processes that prefer HTTP over the CLI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"tandem/internal/domain"
	"tandem/internal/engine"
	"tandem/internal/errs"
	"tandem/internal/mirror"
)

// SessionLister reports the sessions owned by the project.
type SessionLister interface {
	Owned(ctx context.Context) ([]string, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Sessions SessionLister
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// Metrics is served at /metrics; New creates a fresh set when nil.
	Metrics *Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"plan \"plan-1\" not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the observer API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	router := chi.NewRouter()
	router.Use(metrics.instrument)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Tandem Observer API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := handlers{engine: cfg.Engine, sessions: cfg.Sessions}
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	s.registerStatus(group)
	s.registerPlans(group)
	s.registerTasks(group)
	s.registerEvents(group)
	s.registerSessions(group)
	if err := registerOpenAPI(router, api, basePath, cfg.Auth.JWTSecret != ""); err != nil {
		return nil, err
	}

	return router, nil
}

type handlers struct {
	engine   engine.Engine
	sessions SessionLister
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var nf errs.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"entity_type": nf.EntityType, "id": nf.ID})
	}
	var te errs.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	var se errs.SessionError
	if errors.As(err, &se) {
		return newAPIError(http.StatusBadGateway, "session_error", err.Error(), nil)
	}
	var ce errs.CacheError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusServiceUnavailable, "mirror_unavailable", "mirror unavailable", map[string]any{"error": err.Error()})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

// registerOpenAPI renders the document once, after every operation has been
// registered, and serves the same bytes to every request.
func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) error {
	oas := api.OpenAPI()
	ensureDefaultErrorResponses(oas)
	if secured {
		applyAuthSecurity(oas, basePath)
	}
	spec, err := json.Marshal(oas)
	if err != nil {
		return fmt.Errorf("render openapi document: %w", err)
	}
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	return nil
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		if item.Get == nil {
			continue
		}
		if item.Get.Responses == nil {
			item.Get.Responses = map[string]*huma.Response{}
		}
		item.Get.Responses["default"] = &huma.Response{
			Description: "Error",
			Content: map[string]*huma.MediaType{
				"application/json": {
					Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
				},
			},
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		if item.Get == nil {
			continue
		}
		if route == healthPath {
			item.Get.Security = []map[string][]string{}
			continue
		}
		item.Get.Security = security
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Tandem Observer API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h handlers) registerStatus(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Active plans with task counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		plans, err := h.engine.GetActivePlans(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := StatusResponse{Plans: []PlanSummary{}}
		for _, p := range plans {
			counts, err := h.engine.TaskCounts(ctx, p.ID)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Plans = append(resp.Plans, planSummary(p, counts))
		}
		latest, err := h.engine.LatestEventCursor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if !latest.IsZero() {
			resp.LatestEvent = composeCursor(latest)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

type planPath struct {
	PlanID string `path:"plan_id"`
}

func (h handlers) registerPlans(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active" doc:"only approved or running plans"`
	}) (*struct {
		Body []domain.Plan `json:"body"`
	}, error) {
		var plans []domain.Plan
		var err error
		if input.Active {
			plans, err = h.engine.GetActivePlans(ctx)
		} else {
			plans, err = h.engine.GetAllPlans(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Plan `json:"body"`
		}{Body: nonNil(plans)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Get a plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		p, err := h.engine.GetPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := h.engine.TaskCounts(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: PlanResponse{Plan: p, TaskCounts: taskCounts(counts)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plan-tasks",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/tasks",
		Summary:     "List the tasks of a plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := h.engine.GetPlan(ctx, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		tasks, err := h.engine.GetTasksForPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNil(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plan-context",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/context",
		Summary:     "List the facts and decisions of a plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body []domain.ContextItem `json:"body"`
	}, error) {
		if _, err := h.engine.GetPlan(ctx, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.GetContextForPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ContextItem `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plan-events",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/events",
		Summary:     "List the events of a plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := h.engine.GetPlan(ctx, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		evts, err := h.engine.GetEventsForPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: nonNil(evts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plan-reviews",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/reviews",
		Summary:     "List the reviews of a plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body []domain.Review `json:"body"`
	}, error) {
		if _, err := h.engine.GetPlan(ctx, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		reviews, err := h.engine.GetReviewsForPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Review `json:"body"`
		}{Body: nonNil(reviews)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan-graph",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/graph",
		Summary:     "Check the depends_on graph of a plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body GraphResponse `json:"body"`
	}, error) {
		report, err := h.engine.CheckTaskGraph(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GraphResponse `json:"body"`
		}{Body: GraphResponse{GraphReport: report, OK: report.OK()}}, nil
	})
}

func (h handlers) registerTasks(api huma.API) {
	type taskPath struct {
		TaskID string `path:"task_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := h.engine.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-context",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/context",
		Summary:     "List the context scoped to a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []domain.ContextItem `json:"body"`
	}, error) {
		if _, err := h.engine.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.GetContextForTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ContextItem `json:"body"`
		}{Body: nonNil(items)}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Page through events in timestamp order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor" doc:"next_cursor of the previous page"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursor, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := h.engine.EventsAfter(ctx, cursor, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(mirror.EventCursor{Timestamp: last.Timestamp, ID: last.ID})
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerSessions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List the sessions owned by this project",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionsResponse `json:"body"`
	}, error) {
		resp := SessionsResponse{Sessions: []string{}}
		if h.sessions != nil {
			names, err := h.sessions.Owned(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Sessions = nonNil(names)
		}
		return &struct {
			Body SessionsResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

// parseCompositeCursor reads "<rfc3339nano timestamp>|<event id>".
func parseCompositeCursor(cursor string) (mirror.EventCursor, error) {
	if cursor == "" {
		return mirror.EventCursor{}, nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return mirror.EventCursor{}, fmt.Errorf("invalid cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return mirror.EventCursor{}, fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	return mirror.EventCursor{Timestamp: ts, ID: parts[1]}, nil
}

func composeCursor(c mirror.EventCursor) string {
	if c.IsZero() {
		return ""
	}
	return c.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + c.ID
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
