package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fcarle/accflow/internal/circuitbreaker"
	"github.com/fcarle/accflow/internal/metrics"
)

// RouterConfig carries what the router needs besides the handler.
type RouterConfig struct {
	CronSecret     string
	Limiter        Limiter // nil disables rate limiting
	Breaker        *circuitbreaker.CircuitBreaker
	HealthCheck    func(ctx context.Context) error
	RequestTimeout time.Duration
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                `json:"status"`
	Database string                `json:"database,omitempty"`
	Mailer   *circuitbreaker.Stats `json:"mailer,omitempty"`
}

// NewRouter mounts the /v1 job and alert routes behind bearer auth and rate
// limiting, plus /health and /metrics.
func NewRouter(h *Handler, cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(h.logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, h.logger, IPKeyFunc))
		r.Use(BearerAuth(cfg.CronSecret, h.logger))

		r.Post("/jobs/reminders", h.RunReminders)
		r.Post("/jobs/gaps", h.RunGaps)

		r.Post("/alerts/task-linked", h.CreateTaskLinkedAlert)
		r.Post("/alerts/{id}/test", h.TestAlert)
		r.Post("/alerts/{id}/schedules", h.AddSchedule)

		r.Post("/clients/{id}/alerts/provision", h.ProvisionAlerts)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok"}
		if cfg.HealthCheck != nil {
			resp.Database = "ok"
			if err := cfg.HealthCheck(r.Context()); err != nil {
				h.logger.Warn("health check failed", zap.Error(err))
				resp.Database = "unreachable"
			}
		}
		if cfg.Breaker != nil {
			stats := cfg.Breaker.Stats()
			resp.Mailer = &stats
		}
		h.writeJSON(w, http.StatusOK, resp)
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
