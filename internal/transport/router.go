package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/rfiflow/internal/capability"
	"github.com/pitabwire/rfiflow/internal/config"
	"github.com/pitabwire/rfiflow/internal/idempotency"
	"github.com/pitabwire/rfiflow/internal/observability"
	"github.com/pitabwire/rfiflow/internal/openapi"
	"github.com/pitabwire/rfiflow/internal/workflow"
	"github.com/pitabwire/rfiflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *workflow.Engine
	Sweeper      *workflow.Sweeper
	Authenticate func(http.Handler) http.Handler
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
	APIIndex     *openapi.Index
	Idempotency  idempotency.Store
	// Capabilities authorizes each route. Nil falls back to the built-in
	// policy with Config.Identity.AdminRole as the privileged role.
	Capabilities *capability.Resolver
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the API description
// bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Global middleware: applied to all routes including health.
	r.Use(InjectLogger(logger))
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Config.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}
	if deps.APIIndex != nil {
		r.Get("/openapi.json", handleAPIDoc(deps.APIIndex))
	}

	// Authenticated routes.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	caps := deps.Capabilities
	if caps == nil {
		caps = capability.NewResolver(capability.DefaultPolicy(deps.Config.Identity.AdminRole), 0)
	}
	can := func(c string) func(http.Handler) http.Handler { return RequireCapability(caps, c) }

	engine := deps.Engine
	dec := bodyDecoder{index: deps.APIIndex}
	idem := Idempotency(deps.Idempotency, deps.Config.Idempotency.TTL, deps.Metrics)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)

		r.With(can(model.CapRFIWrite), idem).Post("/rfis", handleCreateRFI(engine, dec))
		r.With(can(model.CapRFIRead)).Get("/rfis", handleListRFIs(engine))
		r.With(can(model.CapRFIRead)).Get("/rfis/{id}", handleGetRFI(engine))
		r.With(can(model.CapRFIWrite), idem).Patch("/rfis/{id}", handleUpdateRFI(engine, dec))
		r.With(can(model.CapRFIRead)).Get("/rfis/{id}/transitions", handleAvailableTransitions(engine))
		r.With(can(model.CapRFITransition), idem).Post("/rfis/{id}/transitions", handleExecuteTransition(engine, dec))
		r.With(can(model.CapRFITransition)).Post("/rfis/{id}/transitions/validate", handleValidateTransition(engine, dec))
		r.With(can(model.CapRFIWrite), idem).Put("/rfis/{id}/stage", handleSetStage(engine, dec))
		r.With(can(model.CapAuditRead)).Get("/rfis/{id}/audit", handleAuditTrail(engine))
		r.With(can(model.CapAuditRead)).Get("/rfis/{id}/activity", handleActivityFeed(engine))

		r.Route("/catalog", func(r chi.Router) {
			r.Use(can(model.CapCatalogRead))
			r.Get("/statuses", handleListStatuses(engine))
			r.Get("/stages", handleListStages(engine))
			r.Get("/transitions", handleListTransitionTable(engine))
		})

		r.Route("/admin", func(r chi.Router) {
			r.With(can(model.CapAuditClear)).Delete("/audit", handleClearAllAudit(engine))
			r.With(can(model.CapAuditClear)).Delete("/audit/{id}", handleClearAudit(engine))
			r.With(can(model.CapRFIDelete)).Delete("/rfis/{id}", handleDeleteRFI(engine))
			if deps.Sweeper != nil {
				r.With(can(model.CapSweepRun)).Post("/sweeps", handleRunSweep(engine, deps.Sweeper))
			}
		})
	})

	return r
}

func handleAPIDoc(idx *openapi.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, idx.Doc())
	}
}
