package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/jobcore/api/responses"
	"github.com/angelmondragon/jobcore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
)

type JobReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

func GetJob(svc JobReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := uuid.Parse(chi.URLParam(r, "jobId"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid job id"))
			return
		}
		if logg != nil {
			ctx = logg.WithJobID(ctx, id.String())
		}
		job, err := svc.Get(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newJobView(job))
	}
}
