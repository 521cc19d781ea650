package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/funnel/internal/config"
	"github.com/pitabwire/funnel/internal/observability"
	"github.com/pitabwire/funnel/internal/pipeline"
	"github.com/pitabwire/funnel/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Readiness    observability.ReadinessChecks
	Sessions     *pipeline.Sessions
	Authenticate func(http.Handler) http.Handler

	// Events serves the websocket change feed. The route is not mounted
	// when nil.
	Events http.Handler
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

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	metricsPath := deps.Config.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Method(http.MethodGet, metricsPath, observability.Handler(deps.Gatherer))

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(IdentityContext(deps.Config.Identity.ClaimPaths))
		r.Use(RequestLogging(logger))

		if deps.Events != nil {
			r.Method(http.MethodGet, "/ws/funnel", deps.Events)
		}

		r.Route("/funnel", func(r chi.Router) {
			r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

			s := deps.Sessions
			r.Get("/state", handleFunnelState(s))
			r.Get("/board", handleFunnelBoard(s))
			r.Post("/refresh", handleRefresh(s))
			r.Patch("/filters", handleSetFilters(s))
			r.Put("/view-mode", handleSetViewMode(s))
			r.Post("/drop", handleDrop(s))

			r.Post("/opportunities", handleCreateOpportunity(s))
			r.Route("/opportunities/{id}", func(r chi.Router) {
				r.Get("/", handleGetOpportunity(s))
				r.Put("/", handleUpdateOpportunity(s))
				r.With(RequireRole(model.RoleAdmin)).Delete("/", handleDeleteOpportunity(s))
				r.Patch("/stage", handleMoveStage(s))
				r.Post("/won", handleMarkWon(s))
				r.Post("/lost", handleMarkLost(s))
				r.Post("/convert", handleConvert(s))
				r.Get("/activities", handleListActivities(s))
				r.Post("/activities", handleAddActivity(s))
			})

			r.With(RequireRole(model.RoleAdmin)).Post("/sync-proposals", handleSyncProposals(s))
		})
	})

	return r
}
