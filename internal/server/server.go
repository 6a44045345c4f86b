package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"releaseflow/internal/consumers"
	"releaseflow/internal/domain"
	"releaseflow/internal/engine"
	"releaseflow/internal/engine/auth"
	"releaseflow/internal/escalator"
	"releaseflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine  *engine.Engine
	Alerts  *escalator.Recent
	Feed    *consumers.Feed
	Context *consumers.ContextRefresher
	// Publisher receives SystemError events for internal failures; nil disables reporting.
	Publisher engine.Publisher
	// Service names this process in reported SystemError events.
	Service  string
	BasePath string
	Auth     AuthConfig
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"developer_busy"`
	Message string         `json:"message" example:"developer dev-1 already has a task in process"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"category\":\"invariant_violation\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the release workflow API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	service := cfg.Service
	if service == "" {
		service = "release-service"
	}
	reporter := &errorReporter{pub: cfg.Publisher, service: service, log: cfg.Auth.Logger}

	router := chi.NewRouter()
	router.Use(reporter.middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Releaseflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "/docs"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	registerHealth(group)
	registerReleases(group, cfg.Engine)
	registerReleaseContext(group, cfg.Context)
	registerTasks(group, cfg.Engine)
	registerAlerts(group, cfg.Alerts)
	registerFeed(group, cfg.Feed)
	registerNotifications(group, reporter)
	registerOpenAPI(router, api, basePath)

	return router, nil
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

func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se *apiError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": string(fe.Permission)})
	}
	if kind := domain.KindOf(err); kind != "" {
		return newAPIError(statusForKind(kind), kind.Code(), err.Error(), map[string]any{"category": string(kind.Category())})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	reportInternal(ctx, err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func statusForKind(kind domain.Kind) int {
	if kind == domain.KindNotAssignee {
		return http.StatusForbidden
	}
	switch kind.Category() {
	case domain.CategoryValidation:
		return http.StatusBadRequest
	case domain.CategoryNotFound:
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// registerOpenAPI serves the document under the API base path with bearer security applied.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	})
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
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

type releasePath struct {
	ID string `path:"id"`
}

func registerReleases(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-release",
		Method:        http.MethodPost,
		Path:          "/releases",
		Summary:       "Create release",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateReleaseRequest `json:"body"`
	}) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermReleaseCreate); err != nil {
			return nil, handleError(ctx, err)
		}
		rel, err := e.CreateRelease(ctx, input.Body.Name, input.Body.Version)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: releaseResponse(rel)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-releases",
		Method:      http.MethodGet,
		Path:        "/releases",
		Summary:     "List releases",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ReleaseResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermReleaseRead); err != nil {
			return nil, handleError(ctx, err)
		}
		rels, err := e.ListReleases(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := make([]ReleaseResponse, 0, len(rels))
		for _, r := range rels {
			out = append(out, releaseResponse(r))
		}
		return &struct {
			Body []ReleaseResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-release",
		Method:      http.MethodGet,
		Path:        "/releases/{id}",
		Summary:     "Get release",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *releasePath) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermReleaseRead); err != nil {
			return nil, handleError(ctx, err)
		}
		rel, err := e.GetRelease(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: releaseResponse(rel)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-task",
		Method:      http.MethodPost,
		Path:        "/releases/{id}/tasks",
		Summary:     "Add task to release",
		Description: "Adding a task to a completed release reopens it as a hotfix.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body AddTaskRequest `json:"body"`
	}) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTaskAdd); err != nil {
			return nil, handleError(ctx, err)
		}
		in := engine.AddTaskInput{
			Title:      input.Body.Title,
			AssigneeID: input.Body.AssigneeID,
			OrderIndex: input.Body.OrderIndex,
		}
		if input.Body.Description != nil {
			in.Description = *input.Body.Description
		}
		rel, _, err := e.AddTask(ctx, input.ID, in)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: releaseResponse(rel)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-release",
		Method:      http.MethodPatch,
		Path:        "/releases/{id}/complete",
		Summary:     "Complete release",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *releasePath) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermReleaseComplete); err != nil {
			return nil, handleError(ctx, err)
		}
		rel, err := e.CompleteRelease(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: releaseResponse(rel)}, nil
	})
}

func registerReleaseContext(api huma.API, refresher *consumers.ContextRefresher) {
	huma.Register(api, huma.Operation{
		OperationID: "release-context",
		Method:      http.MethodGet,
		Path:        "/releases/{id}/context",
		Summary:     "Chat context digest for a release",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *releasePath) (*struct {
		Body consumers.ReleaseDigest `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermReleaseRead); err != nil {
			return nil, handleError(ctx, err)
		}
		if refresher == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "release context is not configured", nil)
		}
		d, err := refresher.Current(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if d.Active == nil {
			d.Active = []string{}
		}
		return &struct {
			Body consumers.ReleaseDigest `json:"body"`
		}{Body: d}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/my",
		Summary:     "Tasks assigned to the caller",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ReleaseTaskResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermTaskRead)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		tasks, err := e.ListTasksForDeveloper(ctx, p.Subject)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := make([]ReleaseTaskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, ReleaseTaskResponse{ReleaseID: t.ReleaseID, Task: taskResponse(t.Task)})
		}
		return &struct {
			Body []ReleaseTaskResponse `json:"body"`
		}{Body: out}, nil
	})

	transitions := []struct {
		id, verb, summary string
		apply             func(ctx context.Context, taskID, developerID string) (domain.Release, error)
	}{
		{"start-task", "start", "Start task", e.StartTaskByID},
		{"complete-task", "complete", "Complete task", e.CompleteTaskByID},
	}
	for _, tr := range transitions {
		apply := tr.apply
		huma.Register(api, huma.Operation{
			OperationID: tr.id,
			Method:      http.MethodPatch,
			Path:        "/tasks/{id}/" + tr.verb,
			Summary:     tr.summary,
			Errors: []int{
				http.StatusUnauthorized,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body ReleaseTaskResponse `json:"body"`
		}, error) {
			p, err := requirePermission(ctx, auth.PermTaskTransition)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			rel, err := apply(ctx, input.ID, p.Subject)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			return &struct {
				Body ReleaseTaskResponse `json:"body"`
			}{Body: releaseTaskResponse(rel, input.ID)}, nil
		})
	}
}

func registerAlerts(api huma.API, alerts *escalator.Recent) {
	huma.Register(api, huma.Operation{
		OperationID: "recent-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts/recent",
		Summary:     "Recent dead-letter alerts, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []AlertResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermAlertRead); err != nil {
			return nil, handleError(ctx, err)
		}
		out := []AlertResponse{}
		if alerts != nil {
			for _, a := range alerts.List() {
				out = append(out, alertResponse(a))
			}
		}
		limit := normalizeLimit(input.Limit)
		if len(out) > limit {
			out = out[:limit]
		}
		return &struct {
			Body []AlertResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerFeed(api huma.API, feed *consumers.Feed) {
	huma.Register(api, huma.Operation{
		OperationID: "recent-feed",
		Method:      http.MethodGet,
		Path:        "/feed/recent",
		Summary:     "Recent activity feed, newest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []FeedItemResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermFeedRead); err != nil {
			return nil, handleError(ctx, err)
		}
		out := []FeedItemResponse{}
		if feed != nil {
			for _, env := range feed.Recent(normalizeLimit(input.Limit)) {
				out = append(out, feedItemResponse(env))
			}
		}
		return &struct {
			Body []FeedItemResponse `json:"body"`
		}{Body: out}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
