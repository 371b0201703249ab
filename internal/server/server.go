package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/audit"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/engine"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/flags"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/pii"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/rbac"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/repo"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/syncqueue"
)

// PermMenuView gates flag evaluation.
const PermMenuView = "menu:view"

// Config for the admin API handler.
type Config struct {
	Engine   *engine.Engine
	Flags    *flags.Manager
	BasePath string
	Version  string
	Auth     AuthConfig
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"permission denied"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"audit:read\"}"`
}

// apiError is the error envelope of every non-2xx response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the admin API handler.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errs.Config("engine is required", "server.engine")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Flags == nil {
		var auditor flags.Auditor
		if cfg.Engine.Audit != nil {
			auditor = cfg.Engine.Audit
		}
		cfg.Flags = flags.New(auditor)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("PulseArc Admin API", cfg.Version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerHealth(group, e, cfg.Version)
	registerAudit(group, e)
	registerQueue(group, e)
	registerPII(group, e)
	registerFlags(group, e, cfg.Flags)
	registerPipeline(group, e)
	registerOpenAPI(router, api, basePath)
	router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(logging.Or(cfg.Logger).Handler(), slog.LevelError),
	}))
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

// handleError maps the error taxonomy onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe rbac.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	ce := errs.Classify(err)
	var details map[string]any
	if len(ce.Fields) > 0 {
		details = map[string]any{}
		for k, v := range ce.Fields {
			details[k] = v
		}
	}
	msg := err.Error()
	switch ce.Kind {
	case errs.KindValidation:
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, details)
	case errs.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", msg, details)
	case errs.KindUnauthorized:
		return newAPIError(http.StatusForbidden, "forbidden", msg, details)
	case errs.KindConfig:
		return newAPIError(http.StatusConflict, "not_configured", msg, details)
	case errs.KindRateLimitExceeded:
		return newAPIError(http.StatusTooManyRequests, "rate_limited", msg, details)
	case errs.KindCircuitBreakerOpen, errs.KindLock:
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, details)
	case errs.KindBackend:
		return newAPIError(http.StatusBadGateway, "backend_error", msg, details)
	case errs.KindTimeout, errs.KindAsyncTimeout, errs.KindTaskCancelled:
		return newAPIError(http.StatusGatewayTimeout, "timeout", msg, details)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

// authorize resolves the caller and checks perm through the engine, which
// audits the check.
func authorize(ctx context.Context, e *engine.Engine, perm string) (rbac.UserContext, huma.StatusError) {
	u, authErr := userFromContext(ctx)
	if authErr != nil {
		return u, authErr
	}
	if err := e.Authorize(u, perm); err != nil {
		return u, handleError(err)
	}
	return u, nil
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	ref := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content:     map[string]*huma.MediaType{"application/json": {Schema: ref}},
			}
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
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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

func registerHealth(api huma.API, e *engine.Engine, version string) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		resp := HealthResponse{Status: "ok", Version: version, Queue: "disabled"}
		if e.Queue != nil {
			h := e.Queue.HealthCheck()
			resp.Queue = "healthy"
			if !h.Healthy {
				resp.Status = "degraded"
				resp.Queue = "unhealthy"
				resp.Issues = h.Issues
			}
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAudit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit log, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EventType     string `query:"event_type"`
		UserID        string `query:"user_id"`
		CorrelationID string `query:"correlation_id"`
		MinSeverity   string `query:"min_severity" enum:"Info,Warning,Error,Critical,Security"`
		Since         string `query:"since" doc:"RFC 3339 timestamp"`
		Limit         int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		if _, err := authorize(ctx, e, engine.PermAuditRead); err != nil {
			return nil, err
		}
		if e.Audit == nil {
			return nil, handleError(errs.Config("audit log disabled", "audit"))
		}
		f := audit.Filter{
			EventType:     audit.EventType(input.EventType),
			UserID:        input.UserID,
			CorrelationID: input.CorrelationID,
		}
		if input.MinSeverity != "" {
			sev, err := audit.ParseSeverity(input.MinSeverity)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			f.MinSeverity = &sev
		}
		if input.Since != "" {
			ts, err := time.Parse(time.RFC3339, input.Since)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid since", map[string]any{"since": input.Since})
			}
			f.Since = ts
		}
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: AuditListResponse{Items: nonNilSlice(e.Audit.Query(f, input.Limit))}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-stats",
		Method:      http.MethodGet,
		Path:        "/audit/stats",
		Summary:     "Audit log statistics",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body audit.Statistics `json:"body"`
	}, error) {
		if _, err := authorize(ctx, e, engine.PermAuditRead); err != nil {
			return nil, err
		}
		if e.Audit == nil {
			return nil, handleError(errs.Config("audit log disabled", "audit"))
		}
		return &struct {
			Body audit.Statistics `json:"body"`
		}{Body: e.Audit.Statistics()}, nil
	})
}

func registerQueue(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-metrics",
		Method:      http.MethodGet,
		Path:        "/queue/metrics",
		Summary:     "Sync queue metrics",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body syncqueue.Metrics `json:"body"`
	}, error) {
		if _, err := authorize(ctx, e, engine.PermQueueRead); err != nil {
			return nil, err
		}
		return &struct {
			Body syncqueue.Metrics `json:"body"`
		}{Body: e.Queue.Metrics()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-drain",
		Method:      http.MethodPost,
		Path:        "/queue/drain",
		Summary:     "Ship due queue items to the sync backend",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.DrainReport `json:"body"`
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.Drain(ctx, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DrainReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerPII(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pii-redact",
		Method:      http.MethodPost,
		Path:        "/pii/redact",
		Summary:     "Detect and redact PII in text",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body RedactRequest `json:"body"`
	}) (*struct {
		Body RedactResponse `json:"body"`
	}, error) {
		u, authErr := authorize(ctx, e, engine.PermPIIUse)
		if authErr != nil {
			return nil, authErr
		}
		if e.PII == nil {
			return nil, handleError(errs.Config("pii detection disabled", "pii.enabled"))
		}
		res, err := e.PII.Detect(ctx, input.Body.Text, pii.AnalysisContext{
			SourceApplication: input.Body.SourceApplication,
			UserID:            u.UserID,
			SessionID:         u.SessionID,
			ProcessingPurpose: "admin_redact",
		})
		if err != nil {
			e.AuditCritical(u, "pii.redact", err)
			return nil, handleError(err)
		}
		return &struct {
			Body RedactResponse `json:"body"`
		}{Body: redactResponse(input.Body.Text, res)}, nil
	})
}

func registerFlags(api huma.API, e *engine.Engine, fm *flags.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "get-flag",
		Method:      http.MethodGet,
		Path:        "/flags/{id}",
		Summary:     "Evaluate a feature flag for the caller",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body FlagResponse `json:"body"`
	}, error) {
		u, authErr := authorize(ctx, e, PermMenuView)
		if authErr != nil {
			return nil, authErr
		}
		f, ok := fm.Flag(input.ID)
		if !ok {
			return nil, handleError(errs.NotFound("feature_flag", input.ID))
		}
		return &struct {
			Body FlagResponse `json:"body"`
		}{Body: FlagResponse{
			ID:          f.ID,
			Name:        f.Name,
			Description: f.Description,
			Enabled:     fm.IsEnabled(f.ID, &u),
		}}, nil
	})
}

func registerPipeline(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pipeline-run",
		Method:      http.MethodPost,
		Path:        "/pipeline/run",
		Summary:     "Build, classify and enqueue one day of segments",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body PipelineRunRequest `json:"body"`
	}) (*struct {
		Body engine.ProcessResult `json:"body"`
	}, error) {
		u, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ProcessDay(ctx, u, engine.ProcessRequest{Day: input.Body.Day, Segments: input.Body.Segments})
		if err != nil {
			return nil, handleError(err)
		}
		res.Blocks = nonNilSlice(res.Blocks)
		return &struct {
			Body engine.ProcessResult `json:"body"`
		}{Body: res}, nil
	})
}
