package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/jobcore/api/responses"
	"github.com/angelmondragon/jobcore/pkg/config"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
)

const (
	envHeader    = "X-Jobcore-Env"
	readyTimeout = 2 * time.Second
)

// ReadinessCheck is one dependency probed by /health/ready.
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady answers 503 naming every dependency whose ping failed.
func HealthReady(cfg *config.Config, logg *logger.Logger, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		failed := map[string]string{}
		for _, check := range checks {
			if check.Ping == nil {
				continue
			}
			if err := check.Ping(ctx); err != nil {
				failed[check.Name] = err.Error()
			}
		}
		if len(failed) > 0 {
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.New(pkgerrors.CodeDependency, "dependencies not ready").WithDetails(failed))
			return
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
