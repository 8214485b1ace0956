package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/evaluator"
	"stageline/internal/monitoring"
	"stageline/internal/phase"
	"stageline/internal/repo"
	"stageline/internal/scheduler"
	"stageline/internal/tz"
)

// Config for the HTTP API handler.
type Config struct {
	Repo      repo.Repo
	Engine    *phase.Engine
	Evaluator *evaluator.Evaluator
	Scheduler *scheduler.Scheduler
	Monitor   *monitoring.Monitor
	BasePath  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"transition_not_allowed"`
	Message string         `json:"message" example:"transition of prod-1 to active not allowed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stageline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Stageline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Monitor)
	registerProjects(group, cfg)
	registerPhase(group, cfg)
	registerSettings(group, cfg)
	registerEvaluations(group, cfg)
	registerAudit(group, cfg)
	registerMetrics(group, cfg)
	registerScheduler(group, cfg)
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
	var na phase.NotAllowedError
	if errors.As(err, &na) {
		return newAPIError(http.StatusConflict, "transition_not_allowed", err.Error(), map[string]any{
			"target":   string(na.Target),
			"blockers": na.Blockers,
		})
	}
	if errors.Is(err, repo.ErrPhaseConflict) {
		return newAPIError(http.StatusConflict, "phase_conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, tz.ErrInvalidTimeFormat) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "out of range"),
		strings.Contains(lowered, "not recognized"),
		strings.Contains(lowered, "not a valid calendar date"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown phase"):
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
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stageline API Docs</title>
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

func registerHealth(api huma.API, monitor *monitoring.Monitor) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Status int
		Body   monitoring.HealthReport `json:"body"`
	}, error) {
		report := monitor.HealthCheck(ctx)
		status := http.StatusOK
		if report.Status == monitoring.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		return &struct {
			Status int
			Body   monitoring.HealthReport `json:"body"`
		}{Status: status, Body: report}, nil
	})
}

func registerProjects(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if input.Body.OrgID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "org_id is required", nil)
		}
		p := projectFromCreate(input.Body)
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		now := time.Now().UTC().Format(time.RFC3339)
		p.PhaseChangedAt = now
		p.CreatedAt = now
		if err := cfg.Repo.EnsureOrg(ctx, p.OrgID, p.OrgID, "", now); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Repo.InsertProject(ctx, p); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := cfg.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		u := repo.ProjectUpdate{
			Name:            input.Body.Name,
			Description:     input.Body.Description,
			Timezone:        input.Body.Timezone,
			RehearsalStart:  input.Body.RehearsalStart,
			ShowEnd:         input.Body.ShowEnd,
			AutoTransitions: input.Body.AutoTransitions,
		}
		if err := cfg.Repo.UpdateProject(ctx, input.ProjectID, u); err != nil {
			return nil, handleError(err)
		}
		p, err := cfg.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerPhase(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phase",
		Summary:     "Current phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		p, err := cfg.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := PhaseResponse{ProjectID: p.ID, Phase: string(p.Phase), PhaseChangedAt: p.PhaseChangedAt}
		if next, ok := p.Phase.Next(); ok {
			out.NextPhase = string(next)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/evaluation",
		Summary:     "Evaluate transition readiness",
		Errors:      []int{http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body TransitionResultResponse `json:"body"`
	}, error) {
		res, err := cfg.Engine.Evaluate(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResultResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-transition",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/transitions",
		Summary:     "Execute phase transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      ExecuteTransitionRequest `json:"body"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		target, err := domain.ParsePhase(input.Body.TargetPhase)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := cfg.Engine.Execute(ctx, input.ProjectID, target, domain.TriggerManual, input.Body.ActorID, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		p, err := cfg.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := PhaseResponse{ProjectID: p.ID, Phase: string(p.Phase), PhaseChangedAt: p.PhaseChangedAt}
		if next, ok := p.Phase.Next(); ok {
			out.NextPhase = string(next)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "action-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/action-items",
		Summary:     "Phase action items",
		Errors:      []int{http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Phase     string `query:"phase" enum:",prep,staffing,pre_show,active,post_show,complete,archived"`
	}) (*struct {
		Body []domain.ActionItem `json:"body"`
	}, error) {
		items, err := cfg.Engine.ActionItems(ctx, input.ProjectID, domain.Phase(input.Phase))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActionItem `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerSettings(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/settings",
		Summary:     "Get project settings",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body SettingsResponse `json:"body"`
	}, error) {
		s, err := cfg.Repo.GetSettings(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettingsResponse `json:"body"`
		}{Body: SettingsResponse{ProjectID: input.ProjectID, Settings: *s}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-settings",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/settings",
		Summary:     "Replace project settings",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      SettingsRequest `json:"body"`
	}) (*struct {
		Body SettingsResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := cfg.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		s := settingsFromRequest(input.Body)
		if err := cfg.Repo.UpsertSettings(ctx, input.ProjectID, s); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettingsResponse `json:"body"`
		}{Body: SettingsResponse{ProjectID: input.ProjectID, Settings: *s}}, nil
	})
}

func registerEvaluations(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-all",
		Method:      http.MethodPost,
		Path:        "/evaluations",
		Summary:     "Evaluate all eligible projects",
	}, func(ctx context.Context, input *struct {
		DryRun bool `query:"dry_run"`
	}) (*struct {
		Body evaluator.BatchResult `json:"body"`
	}, error) {
		res, err := cfg.Evaluator.EvaluateAll(ctx, input.DryRun)
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Monitor.MonitorBatch(ctx, res)
		return &struct {
			Body evaluator.BatchResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scheduled-transitions",
		Method:      http.MethodGet,
		Path:        "/scheduled",
		Summary:     "Upcoming scheduled transitions",
	}, func(ctx context.Context, input *struct {
		Hours int `query:"hours" default:"24" minimum:"1" maximum:"8760"`
	}) (*struct {
		Body []domain.ScheduledTransition `json:"body"`
	}, error) {
		items, err := cfg.Evaluator.ScheduledTransitions(ctx, input.Hours)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ScheduledTransition `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerAudit(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Transition audit trail",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Trigger   string `query:"trigger" enum:",automatic,manual,scheduled"`
		Start     string `query:"start" format:"date-time"`
		End       string `query:"end" format:"date-time"`
		Limit     int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []domain.TransitionAuditRecord `json:"body"`
	}, error) {
		records, err := cfg.Repo.ListAuditRecords(ctx, repo.AuditFilters{
			ProjectID: input.ProjectID,
			Trigger:   input.Trigger,
			Start:     input.Start,
			End:       input.End,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TransitionAuditRecord `json:"body"`
		}{Body: nonNilSlice(records)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "Recent alerts",
	}, func(ctx context.Context, input *struct {
		Hours int `query:"hours" default:"24" minimum:"1" maximum:"8760"`
	}) (*struct {
		Body []domain.Alert `json:"body"`
	}, error) {
		alerts, err := cfg.Monitor.RecentAlerts(ctx, input.Hours)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Alert `json:"body"`
		}{Body: nonNilSlice(alerts)}, nil
	})
}

func registerMetrics(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Transition metrics",
	}, func(ctx context.Context, input *struct {
		Hours int `query:"hours" default:"24" minimum:"1" maximum:"8760"`
	}) (*struct {
		Body monitoring.Metrics `json:"body"`
	}, error) {
		end := time.Now().UTC()
		start := end.Add(-time.Duration(input.Hours) * time.Hour)
		m, err := cfg.Monitor.TransitionMetrics(ctx, start, end)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body monitoring.Metrics `json:"body"`
		}{Body: m}, nil
	})
}

func registerScheduler(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "scheduler-status",
		Method:      http.MethodGet,
		Path:        "/scheduler",
		Summary:     "Scheduler status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body scheduler.Status `json:"body"`
	}, error) {
		return &struct {
			Body scheduler.Status `json:"body"`
		}{Body: cfg.Scheduler.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scheduler-start",
		Method:      http.MethodPost,
		Path:        "/scheduler/start",
		Summary:     "Start scheduler",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body scheduler.Status `json:"body"`
	}, error) {
		// The loop must outlive this request.
		cfg.Scheduler.Start(context.Background())
		return &struct {
			Body scheduler.Status `json:"body"`
		}{Body: cfg.Scheduler.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scheduler-stop",
		Method:      http.MethodPost,
		Path:        "/scheduler/stop",
		Summary:     "Stop scheduler",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body scheduler.Status `json:"body"`
	}, error) {
		cfg.Scheduler.Stop()
		return &struct {
			Body scheduler.Status `json:"body"`
		}{Body: cfg.Scheduler.Status()}, nil
	})
}
