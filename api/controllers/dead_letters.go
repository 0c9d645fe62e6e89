package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/jobcore/api/middleware"
	"github.com/angelmondragon/jobcore/api/responses"
	"github.com/angelmondragon/jobcore/api/validators"
	"github.com/angelmondragon/jobcore/internal/deadletter"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
	"github.com/angelmondragon/jobcore/pkg/pagination"
)

type DeadLetterService interface {
	List(ctx context.Context, queueName string, params pagination.Params) (deadletter.Page, error)
	Delete(ctx context.Context, id uuid.UUID, actorID *string) error
}

// QueueChecker rejects queue names that are not in the topology.
type QueueChecker interface {
	Has(name string) bool
}

func DeadLetters(svc DeadLetterService, queues QueueChecker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		queue := validators.QueryString(r, "queue")
		if queue != "" && queues != nil && !queues.Has(queue) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "unknown queue").
				WithDetails(map[string]string{"queue": queue}))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		page, err := svc.List(ctx, queue, pagination.Params{Limit: limit, Cursor: validators.QueryString(r, "cursor")})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, pageView[deadLetterView]{
			Items:      newDeadLetterViews(page.Records),
			NextCursor: page.NextCursor,
		})
	}
}

// PurgeDeadLetter removes one record on operator request. The purge is
// audited under the operator's X-Actor-Id.
func PurgeDeadLetter(svc DeadLetterService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := uuid.Parse(chi.URLParam(r, "recordId"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid dead letter id"))
			return
		}
		actor := middleware.ActorIDFromContext(ctx)
		if actor == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "X-Actor-Id header required"))
			return
		}
		if err := svc.Delete(ctx, id, &actor); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"id": id.String(), "status": "purged"})
	}
}
