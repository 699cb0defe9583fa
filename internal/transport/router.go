package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tresgarza/may20-crm-final-sub000/internal/config"
	"github.com/tresgarza/may20-crm-final-sub000/internal/idempotency"
	"github.com/tresgarza/may20-crm-final-sub000/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Service      Workflow
	Idempotency  idempotency.Store
	Metrics      *observability.Metrics

	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
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

	health := deps.HealthHandler
	if health == nil {
		health = observability.HandleHealth()
	}
	ready := deps.ReadyHandler
	if ready == nil {
		ready = observability.HandleReady(observability.ReadinessChecks{
			PolicyLoaded: func() bool { return deps.Service != nil },
		})
	}
	metrics := deps.MetricsHandler
	if metrics == nil {
		metrics = observability.Handler()
	}
	metricsPath := deps.Config.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	r.Method(http.MethodGet, "/healthz", health)
	r.Method(http.MethodGet, "/readyz", ready)
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, metricsPath, metrics)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	var idem idempotency.Store
	if deps.Config.Idempotency.Enabled {
		idem = deps.Idempotency
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(Idempotency(idem, deps.Config.Idempotency.Store.DefaultTTL, logger, deps.Metrics))

		svc := deps.Service
		r.Post("/applications", handleCreate(svc))
		r.Get("/applications", handleList(svc))
		r.Get("/applications/{id}", handleGet(svc))
		r.Get("/applications/{id}/history", handleHistory(svc))
		r.Post("/applications/{id}/status", handleProposeStatus(svc))
		r.Post("/applications/{id}/approve", handleDecision(svc.Approve))
		r.Post("/applications/{id}/reject", handleDecision(svc.Reject))
		r.Post("/applications/{id}/cancel-approval", handleDecision(svc.CancelApproval))
		r.Post("/applications/{id}/disperse", handleDecision(svc.MarkDispersed))
	})

	return r
}
