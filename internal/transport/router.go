package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/config"
	"github.com/pitabwire/complyflow/internal/definition"
	"github.com/pitabwire/complyflow/internal/idempotency"
	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/internal/openapi"
	"github.com/pitabwire/complyflow/internal/trigger"
	"github.com/pitabwire/complyflow/internal/workflow"
	"github.com/pitabwire/complyflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler

	Definitions *definition.Registry
	Scheduler   *workflow.Scheduler
	Intake      *trigger.Intake
	Idempotency idempotency.Store
	Readiness   observability.ReadinessChecks

	// Capabilities enables role-based authorization when non-nil.
	Capabilities CapabilityResolver

	// API is served at /openapi.json and validates request bodies when
	// non-nil.
	API *openapi.Document
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}
	if deps.API != nil {
		r.Get("/openapi.json", deps.API.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(deps.Metrics.MetricsMiddleware)

		// can authorizes a route and then checks its body against the API
		// description.
		validate := ValidateBody(deps.API)
		can := func(capability string) func(http.Handler) http.Handler {
			authorize := RequireCapability(deps.Capabilities, capability)
			return func(next http.Handler) http.Handler { return authorize(validate(next)) }
		}

		r.Route("/v1/definitions", func(r chi.Router) {
			r.With(can(model.CapDefinitionsWrite)).Post("/", handleDefinitionRegister(deps.Definitions))
			r.With(can(model.CapDefinitionsRead)).Get("/", handleDefinitionList(deps.Definitions))
			r.With(can(model.CapDefinitionsRead)).Get("/{definitionId}", handleDefinitionGet(deps.Definitions))
			r.With(can(model.CapDefinitionsRead)).Get("/{definitionId}/versions", handleDefinitionVersions(deps.Definitions))
			r.With(can(model.CapDefinitionsWrite)).Post("/{definitionId}/deactivate", handleDefinitionDeactivate(deps.Definitions))
		})

		r.With(can(model.CapEventsIngest)).Post("/v1/events", handleEventIngest(deps.Intake))

		r.Route("/v1/executions", func(r chi.Router) {
			r.With(can(model.CapExecutionsStart)).Post("/", handleExecutionStart(deps.Scheduler))
			r.With(can(model.CapExecutionsRead)).Get("/", handleExecutionList(deps.Scheduler))
			r.With(can(model.CapExecutionsRead)).Get("/{executionId}", handleExecutionGet(deps.Scheduler))
			r.With(can(model.CapExecutionsRead)).Get("/{executionId}/tasks", handleExecutionTasks(deps.Scheduler))
			r.With(can(model.CapExecutionsRead)).Get("/{executionId}/audit", handleExecutionAudit(deps.Scheduler))
			r.With(can(model.CapExecutionsManage)).Post("/{executionId}/pause", handleExecutionPause(deps.Scheduler))
			r.With(can(model.CapExecutionsManage)).Post("/{executionId}/resume", handleExecutionResume(deps.Scheduler))
			r.With(can(model.CapExecutionsManage)).Post("/{executionId}/cancel", handleExecutionCancel(deps.Scheduler))
			r.With(can(model.CapExecutionsManage)).Post("/{executionId}/advance", handleExecutionAdvance(deps.Scheduler))
		})

		r.Route("/v1/tasks", func(r chi.Router) {
			r.With(can(model.CapTasksWork)).Post("/outcome", handleTaskOutcome(deps.Scheduler, deps.Idempotency, deps.Config.Idempotency.TTL))
			r.With(can(model.CapTasksRead)).Get("/{taskId}", handleTaskGet(deps.Scheduler))
			r.With(can(model.CapTasksWork)).Post("/{taskId}/assign", handleTaskAssign(deps.Scheduler))
			r.With(can(model.CapTasksWork)).Post("/{taskId}/start", handleTaskStart(deps.Scheduler))
			r.With(can(model.CapTasksWork)).Post("/{taskId}/submit", handleTaskSubmit(deps.Scheduler))
			r.With(can(model.CapTasksReview)).Post("/{taskId}/request-revision", handleTaskRequestRevision(deps.Scheduler))
			r.With(can(model.CapTasksReview)).Post("/{taskId}/approve", handleTaskApprove(deps.Scheduler))
			r.With(can(model.CapTasksReview)).Post("/{taskId}/reject", handleTaskReject(deps.Scheduler))
		})
	})

	return r
}
