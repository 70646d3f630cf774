package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/labflow/internal/batch"
	"github.com/pitabwire/labflow/internal/config"
	"github.com/pitabwire/labflow/internal/definition"
	"github.com/pitabwire/labflow/internal/observability"
	"github.com/pitabwire/labflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     workflow.TestRecordStore
	Operator  *batch.Operator
	Catalog   *definition.Registry
	Observers []workflow.StageObserver
	Readiness observability.ReadinessChecks

	// Optional. Without Metrics no HTTP or gauge metrics are recorded;
	// without Gatherer /metrics serves the default registry.
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(CORS(cfg.Server.CORS))

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		metricsHandler := observability.Handler()
		if deps.Gatherer != nil {
			metricsHandler = observability.HandlerFor(deps.Gatherer)
		}
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, metricsHandler)
	}

	h := &handlers{
		store:     deps.Store,
		operator:  deps.Operator,
		catalog:   deps.Catalog,
		observers: deps.Observers,
		metrics:   deps.Metrics,
	}

	r.Route("/lab", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Get("/tests", h.listTests)
		r.Post("/tests", h.createTest)
		r.With(BatchRateLimit(cfg.Server.RateLimit)).Post("/tests/batch-advance", h.batchAdvance)
		r.Get("/tests/{id}", h.getTest)
		r.Put("/tests/{id}", h.editTest)
		r.Get("/tests/{id}/history", h.history)
		r.Get("/tests/{id}/forms/{stage}", h.getForm)
		r.Post("/tests/{id}/stages/{stage}", h.submitStage)

		r.Get("/actions", h.actions)
		r.Get("/catalog", h.catalogView)
	})

	return r
}

type handlers struct {
	store     workflow.TestRecordStore
	operator  *batch.Operator
	catalog   *definition.Registry
	observers []workflow.StageObserver
	metrics   *observability.Metrics
}

// dispatcher returns a fresh Idle dispatcher for one request.
func (h *handlers) dispatcher() *workflow.Dispatcher {
	opts := make([]workflow.DispatcherOption, 0, len(h.observers)+1)
	if h.catalog != nil {
		opts = append(opts, workflow.WithPanels(h.catalog))
	}
	for _, obs := range h.observers {
		opts = append(opts, workflow.WithObserver(obs))
	}
	return workflow.NewDispatcher(h.store, opts...)
}
