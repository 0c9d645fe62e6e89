package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/jobcore/api/controllers"
	"github.com/angelmondragon/jobcore/api/middleware"
	"github.com/angelmondragon/jobcore/pkg/config"
	"github.com/angelmondragon/jobcore/pkg/logger"
)

const adminPrefix = "/api/admin/v1"

// Services are the read models and guards behind the admin surface.
type Services struct {
	Audit       controllers.AuditReader
	DeadLetters controllers.DeadLetterService
	Queues      controllers.QueueChecker
	Jobs        controllers.JobReader
	Idempotency middleware.IdempotencyGuard
	Readiness   []controllers.ReadinessCheck
	Metrics     http.Handler
}

func NewRouter(cfg *config.Config, logg *logger.Logger, svc Services) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Get("/health/live", controllers.HealthLive(cfg))
	r.Get("/health/ready", controllers.HealthReady(cfg, logg, svc.Readiness...))
	if svc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", svc.Metrics)
	}

	r.Route(adminPrefix, func(r chi.Router) {
		r.Use(middleware.Actor(logg))

		r.Get("/audit/entries", controllers.AuditEntries(svc.Audit, logg))
		r.Get("/audit/verify", controllers.AuditVerify(svc.Audit, logg))
		r.Get("/dead-letters", controllers.DeadLetters(svc.DeadLetters, svc.Queues, logg))
		r.Get("/jobs/{jobId}", controllers.GetJob(svc.Jobs, logg))

		if cfg.Admin.AllowPurge {
			r.With(middleware.Idempotency(svc.Idempotency, logg)).
				Delete("/dead-letters/{recordId}", controllers.PurgeDeadLetter(svc.DeadLetters, logg))
		}
	})

	return r
}
