package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"opsline/internal/app"
	"opsline/internal/assign"
	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/execute"
	"opsline/internal/playbook"
	"opsline/internal/policy"
	"opsline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Services app.Services
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"policy_denied"`
	Message string         `json:"message" example:"execution denied by policy"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Opsline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Services.Repo))
	hcfg := huma.DefaultConfig("Opsline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerTenants(group, cfg.Services)
	registerAgendas(group, cfg.Services)
	registerTasks(group, cfg.Services)
	registerWorkers(group, cfg.Services)
	registerPolicies(group, cfg.Services)
	registerSLA(group, cfg.Services)
	registerPlaybooks(group, cfg.Services)
	registerEvents(group, cfg.Services)
	registerAPIKeys(group, cfg.Services)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var denied *execute.PolicyDeniedError
	if errors.As(err, &denied) {
		return newAPIError(http.StatusForbidden, "policy_denied", err.Error(), map[string]any{
			"risk_score": denied.Decision.RiskScore,
			"action":     denied.Decision.Action,
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, execute.ErrNotPending),
		errors.Is(err, execute.ErrTerminal),
		errors.Is(err, playbook.ErrNotAwaiting),
		errors.Is(err, playbook.ErrPaused):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, execute.ErrUnknownTaskType),
		errors.Is(err, playbook.ErrUnknownTemplate):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "readiness") || strings.Contains(lowered, "unbalanced"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Opsline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a development JWT",
	}, func(ctx context.Context, input *struct {
		Body devLoginBody
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if !authCfg.AllowDevLogin {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		token, err := issueJWT(authCfg.JWTSecret, input.Body.ActorID, input.Body.Role, authCfg.DevTokenLifetime)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}

type TenantPath struct {
	TenantID string `path:"tenant_id"`
}

func registerTenants(api huma.API, s app.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tenant",
		Method:        http.MethodPost,
		Path:          "/tenants",
		Summary:       "Create tenant",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body createTenantBody
	}) (*struct {
		Body domain.Tenant `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		now := time.Now().UTC().Format(time.RFC3339)
		t := domain.Tenant{
			ID:             input.Body.ID,
			Name:           input.Body.Name,
			PrimaryContact: input.Body.PrimaryContact,
			Status:         "active",
			CreatedAt:      now,
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		if err := s.Repo.InsertTenant(ctx, t); err != nil {
			return nil, handleError(err)
		}
		seed := config.Default(t.ID)
		seed.Tenant.Name = t.Name
		seed.Tenant.PrimaryContact = t.PrimaryContact
		if err := s.Repo.UpsertTenantConfig(ctx, t.ID, seed); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Tenant `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenants",
		Method:      http.MethodGet,
		Path:        "/tenants",
		Summary:     "List tenants",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Tenant `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		tenants, err := s.Repo.ListTenants(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Tenant `json:"body"`
		}{Body: tenants}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tenant-status",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/status",
		Summary:     "Tenant task and SLA counters",
	}, func(ctx context.Context, input *TenantPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		t, err := s.Repo.GetTenant(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		taskCounts, err := s.Repo.CountTasksByStatus(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		slaCounts, err := s.SLA.Stats(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"tenant_id":   t.ID,
			"status":      t.Status,
			"task_counts": taskCounts,
			"sla_counts":  slaCounts,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant-config",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/config",
		Summary:     "Get tenant config",
	}, func(ctx context.Context, input *TenantPath) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		cfg, err := s.Repo.GetTenantConfig(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: *cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-tenant-config",
		Method:      http.MethodPut,
		Path:        "/tenants/{tenant_id}/config",
		Summary:     "Replace tenant config",
	}, func(ctx context.Context, input *struct {
		TenantPath
		Body config.Config
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		cfg := input.Body
		if err := s.Repo.UpsertTenantConfig(ctx, input.TenantID, &cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerAgendas(api huma.API, s app.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "synthesize-agenda",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/agenda/synthesize",
		Summary:       "Synthesize the agenda for a date",
		Description:   "Idempotent per (tenant, date): an existing agenda is returned unchanged.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		TenantPath
		Body synthesizeAgendaBody
	}) (*struct {
		Body agendaResponse `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		ag, tasks, err := s.Agendas.Synthesize(ctx, input.TenantID, input.Body.Date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body agendaResponse `json:"body"`
		}{Body: agendaResponse{Agenda: ag, Tasks: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agenda",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/agenda/{date}",
		Summary:     "Get the agenda for a date",
	}, func(ctx context.Context, input *struct {
		TenantPath
		Date string `path:"date"`
	}) (*struct {
		Body agendaResponse `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		ag, err := s.Repo.GetAgendaByDate(ctx, input.TenantID, input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := s.Repo.ListAgendaTasks(ctx, ag.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body agendaResponse `json:"body"`
		}{Body: agendaResponse{Agenda: ag, Tasks: tasks}}, nil
	})
}

type TaskPath struct {
	TaskID string `path:"task_id"`
}

func registerTasks(api huma.API, s app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		TenantPath
		Status     string `query:"status" enum:",pending,in_progress,completed,failed,cancelled"`
		Priority   string `query:"priority"`
		Type       string `query:"type"`
		AssigneeID string `query:"assignee_id"`
		Unassigned bool   `query:"unassigned"`
		Limit      int    `query:"limit" default:"50" maximum:"500"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		tasks, err := s.Repo.ListTasks(ctx, repo.TaskFilters{
			TenantID:   input.TenantID,
			Status:     input.Status,
			Priority:   input.Priority,
			Type:       input.Type,
			AssigneeID: input.AssigneeID,
			Unassigned: input.Unassigned,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		task, err := s.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Assign a task",
		Description: "A response with assigned=false means no worker was eligible.",
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body assignTaskBody
	}) (*struct {
		Body assignTaskResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		assignee, err := s.Assigner.Assign(ctx, input.TaskID, assign.Options{
			Method:        input.Body.Method,
			ActorID:       principal.ActorID,
			PreferredUser: input.Body.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body assignTaskResponse `json:"body"`
		}{Body: assignTaskResponse{
			TaskID:     input.TaskID,
			AssigneeID: assignee,
			Method:     input.Body.Method,
			Assigned:   assignee != nil,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suggest-assignees",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/suggestions",
		Summary:     "Score assignment candidates without committing",
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body suggestionsResponse `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		task, err := s.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		workers, err := s.Repo.ListWorkers(ctx, task.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		active, err := s.Repo.CountActiveByAssignee(ctx, task.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		var views []suggestionView
		for _, sg := range assign.Score(workers, active, task.Type) {
			views = append(views, suggestionView(sg))
		}
		return &struct {
			Body suggestionsResponse `json:"body"`
		}{Body: suggestionsResponse{TaskID: task.ID, Suggestions: views}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/execute",
		Summary:     "Execute a task",
		Description: "With simulate=true the handler reports what it would do and nothing is written.",
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body executeTaskBody
	}) (*struct {
		Body execute.Outcome `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		method := input.Body.Method
		if method == "" {
			method = "manual"
		}
		outcome, err := s.Executor.Execute(ctx, input.TaskID, execute.Options{
			Method:   method,
			ActorID:  principal.ActorID,
			Role:     principal.Role,
			Simulate: input.Body.Simulate,
			Input:    input.Body.Input,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body execute.Outcome `json:"body"`
		}{Body: outcome}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/rollback",
		Summary:     "Cancel a non-terminal task",
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body rollbackTaskBody
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := s.Executor.Rollback(ctx, input.TaskID, principal.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/history",
		Summary:     "Task event history, newest first",
	}, func(ctx context.Context, input *struct {
		TaskPath
		Limit int `query:"limit" default:"50" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		events, err := s.Repo.LatestEvents(ctx, input.Limit, "", "", "task", input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

func registerWorkers(api huma.API, s app.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-worker",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/workers",
		Summary:       "Register a worker",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		TenantPath
		Body createWorkerBody
	}) (*struct {
		Body domain.Worker `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		maxActive := input.Body.MaxActiveTasks
		if maxActive <= 0 {
			maxActive = 10
		}
		w := domain.Worker{
			ID:             uuid.NewString(),
			TenantID:       input.TenantID,
			Name:           input.Body.Name,
			Email:          input.Body.Email,
			Role:           input.Body.Role,
			Skills:         input.Body.Skills,
			MaxActiveTasks: maxActive,
			SLAAdherence:   input.Body.SLAAdherence,
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		}
		if err := s.Repo.InsertWorker(ctx, w); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Worker `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/workers",
		Summary:     "List workers",
	}, func(ctx context.Context, input *TenantPath) (*struct {
		Body []domain.Worker `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		workers, err := s.Repo.ListWorkers(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Worker `json:"body"`
		}{Body: workers}, nil
	})
}

func registerPolicies(api huma.API, s app.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-policy",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/policies",
		Summary:       "Create a policy",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		TenantPath
		Body createPolicyBody
	}) (*struct {
		Body domain.Policy `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		p := domain.Policy{
			ID:            uuid.NewString(),
			TenantID:      input.TenantID,
			Scope:         input.Body.Scope,
			ActionType:    input.Body.ActionType,
			Action:        input.Body.Action,
			RiskThreshold: input.Body.RiskThreshold,
			Priority:      input.Body.Priority,
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		}
		if input.Body.ScopeRef != "" {
			ref := input.Body.ScopeRef
			p.ScopeRef = &ref
		}
		if len(input.Body.Conditions) > 0 {
			raw, err := json.Marshal(input.Body.Conditions)
			if err != nil {
				return nil, handleError(err)
			}
			enc := string(raw)
			p.ConditionsJSON = &enc
		}
		if _, err := policy.ParseConditions(p.ConditionsJSON); err != nil {
			return nil, handleError(err)
		}
		if err := s.Repo.InsertPolicy(ctx, p); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Policy `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/policies",
		Summary:     "List policies",
	}, func(ctx context.Context, input *TenantPath) (*struct {
		Body []domain.Policy `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		policies, err := s.Repo.ListPolicies(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Policy `json:"body"`
		}{Body: policies}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-policy",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/policies/evaluate",
		Summary:     "Dry-run the policy engine for an action",
	}, func(ctx context.Context, input *struct {
		TenantPath
		Body evaluatePolicyBody
	}) (*struct {
		Body policy.Decision `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		decision, err := s.Policy.Evaluate(ctx, input.TenantID,
			policy.Actor{ID: principal.ActorID, Role: principal.Role},
			input.Body.ActionType, input.Body.Context)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body policy.Decision `json:"body"`
		}{Body: decision}, nil
	})
}

func registerSLA(api huma.API, s app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "task-sla",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/sla",
		Summary:     "SLA record for a task, freshly recomputed",
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body domain.SLATracking `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		rec, err := s.SLA.Refresh(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if rec == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no sla record for task", nil)
		}
		return &struct {
			Body domain.SLATracking `json:"body"`
		}{Body: *rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sla-stats",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/sla/stats",
		Summary:     "Per-status SLA counts",
	}, func(ctx context.Context, input *TenantPath) (*struct {
		Body slaStatsResponse `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		counts, err := s.SLA.Stats(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body slaStatsResponse `json:"body"`
		}{Body: slaStatsResponse{TenantID: input.TenantID, Counts: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sla-at-risk",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/sla/at-risk",
		Summary:     "Open SLA records at risk or breached",
	}, func(ctx context.Context, input *TenantPath) (*struct {
		Body []domain.SLATracking `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		recs, err := s.SLA.AtRisk(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SLATracking `json:"body"`
		}{Body: recs}, nil
	})
}

func registerPlaybooks(api huma.API, s app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-playbook-templates",
		Method:      http.MethodGet,
		Path:        "/playbooks/templates",
		Summary:     "List playbook templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []templateInfo `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		var infos []templateInfo
		for _, tpl := range s.Playbooks.Templates {
			infos = append(infos, templateInfo{
				Key:                  tpl.Key,
				Name:                 tpl.Name,
				Description:          tpl.Description,
				DefaultCadence:       tpl.DefaultCadence,
				ConfirmationRequired: tpl.ConfirmationRequired,
				Defaults:             tpl.Defaults,
			})
		}
		sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
		return &struct {
			Body []templateInfo `json:"body"`
		}{Body: infos}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-playbook",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/playbooks",
		Summary:       "Instantiate a playbook from a template",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		TenantPath
		Body createPlaybookBody
	}) (*struct {
		Body domain.Playbook `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		pb, err := s.Playbooks.Create(ctx, input.TenantID, input.Body.Template, playbook.CreateOptions{
			Name:                 input.Body.Name,
			Draft:                input.Body.Draft,
			CadenceMinutes:       input.Body.CadenceMinutes,
			ConfirmationRequired: input.Body.ConfirmationRequired,
			Config:               input.Body.Config,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Playbook `json:"body"`
		}{Body: pb}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-playbooks",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/playbooks",
		Summary:     "List playbooks",
	}, func(ctx context.Context, input *struct {
		TenantPath
		Status string `query:"status" enum:",draft,active,paused"`
	}) (*struct {
		Body []domain.Playbook `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		pbs, err := s.Repo.ListPlaybooks(ctx, input.TenantID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Playbook `json:"body"`
		}{Body: pbs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-playbook",
		Method:      http.MethodGet,
		Path:        "/playbooks/{playbook_id}",
		Summary:     "Get playbook",
	}, func(ctx context.Context, input *struct {
		PlaybookID string `path:"playbook_id"`
	}) (*struct {
		Body domain.Playbook `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		pb, err := s.Repo.GetPlaybook(ctx, input.PlaybookID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Playbook `json:"body"`
		}{Body: pb}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-playbook",
		Method:      http.MethodPost,
		Path:        "/playbooks/{playbook_id}/run",
		Summary:     "Run a playbook now",
	}, func(ctx context.Context, input *struct {
		PlaybookID string `path:"playbook_id"`
		Body       runPlaybookBody
	}) (*struct {
		Body domain.PlaybookRun `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		run, err := s.Playbooks.Run(ctx, input.PlaybookID, "manual", input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PlaybookRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-playbook-status",
		Method:      http.MethodPost,
		Path:        "/playbooks/{playbook_id}/status",
		Summary:     "Pause or resume a playbook",
	}, func(ctx context.Context, input *struct {
		PlaybookID string `path:"playbook_id"`
		Body       playbookStatusBody
	}) (*struct {
		Body domain.Playbook `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		pb, err := s.Playbooks.SetStatus(ctx, input.PlaybookID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Playbook `json:"body"`
		}{Body: pb}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-playbook-runs",
		Method:      http.MethodGet,
		Path:        "/playbooks/{playbook_id}/runs",
		Summary:     "List runs for a playbook, newest first",
	}, func(ctx context.Context, input *struct {
		PlaybookID string `path:"playbook_id"`
		Limit      int    `query:"limit" default:"20" maximum:"200"`
	}) (*struct {
		Body []domain.PlaybookRun `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		runs, err := s.Repo.ListRuns(ctx, input.PlaybookID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PlaybookRun `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-playbook-run",
		Method:      http.MethodPost,
		Path:        "/playbook-runs/{run_id}/confirm",
		Summary:     "Approve an awaiting run",
		Description: "Applies the actions captured when the run was gated.",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.PlaybookRun `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := s.Playbooks.Confirm(ctx, input.RunID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PlaybookRun `json:"body"`
		}{Body: run}, nil
	})
}

func registerEvents(api huma.API, s app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/events",
		Summary:     "Tail the event log, newest first",
	}, func(ctx context.Context, input *struct {
		TenantPath
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" maximum:"500"`
		Cursor     int64  `query:"cursor" doc:"Return events with id below this"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		events, err := s.Repo.LatestEventsFrom(ctx, input.Limit, input.Cursor, input.TenantID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

func registerAPIKeys(api huma.API, s app.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body createAPIKeyBody
	}) (*struct {
		Body createAPIKeyResponse `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		plaintext := "ol_" + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := s.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body createAPIKeyResponse `json:"body"`
		}{Body: createAPIKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     plaintext,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		keys, err := s.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range keys {
			keys[i].KeyHash = ""
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, err
		}
		if err := s.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
