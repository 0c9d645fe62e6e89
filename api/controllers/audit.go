package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/angelmondragon/jobcore/api/responses"
	"github.com/angelmondragon/jobcore/api/validators"
	"github.com/angelmondragon/jobcore/internal/audit"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
	"github.com/angelmondragon/jobcore/pkg/pagination"
)

const payloadFilterPrefix = "payload."

// Verification walks at most this many ids per request.
const (
	defaultVerifyWindow = 1000
	maxVerifyWindow     = 10000
)

// AuditReader is the read side of *audit.Service.
type AuditReader interface {
	Query(ctx context.Context, filter audit.Filter, params pagination.Params) (audit.Page, error)
	Verify(ctx context.Context, rng audit.Range) (audit.VerifyResult, error)
}

type auditQuery struct {
	ScopeType     string `query:"scope_type" validate:"omitempty,oneof=job idempotency webhook"`
	ScopeID       string `query:"scope_id" validate:"omitempty,max=256"`
	EventType     string `query:"event_type" validate:"omitempty,max=64"`
	CorrelationID string `query:"correlation_id" validate:"omitempty,max=256"`
}

// AuditEntries lists entries newest first. Any query key of the form
// payload.<path> filters on that payload field.
func AuditEntries(svc AuditReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		q := auditQuery{
			ScopeType:     validators.QueryString(r, "scope_type"),
			ScopeID:       validators.QueryString(r, "scope_id"),
			EventType:     validators.QueryString(r, "event_type"),
			CorrelationID: validators.QueryString(r, "correlation_id"),
		}
		if err := validators.Struct(q); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		from, err := validators.ParseQueryTime(r, "from")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		to, err := validators.ParseQueryTime(r, "to")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if from != nil && to != nil && to.Before(*from) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "to must not be before from"))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		filter := audit.Filter{
			ScopeType:     q.ScopeType,
			ScopeID:       q.ScopeID,
			EventType:     q.EventType,
			CorrelationID: q.CorrelationID,
			From:          from,
			To:            to,
		}
		for key, values := range r.URL.Query() {
			path := strings.TrimPrefix(key, payloadFilterPrefix)
			if path == key || path == "" || len(values) == 0 {
				continue
			}
			if filter.PayloadEquals == nil {
				filter.PayloadEquals = map[string]string{}
			}
			filter.PayloadEquals[path] = values[0]
		}

		page, err := svc.Query(ctx, filter, pagination.Params{Limit: limit, Cursor: validators.QueryString(r, "cursor")})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, pageView[auditEntryView]{
			Items:      newAuditEntryViews(page.Entries),
			NextCursor: page.NextCursor,
		})
	}
}

type verifyQuery struct {
	FromID int64 `query:"from_id" validate:"gte=0"`
	ToID   int64 `query:"to_id" validate:"gte=0"`
}

type verifyView struct {
	audit.VerifyResult
	FromID int64 `json:"from_id"`
	ToID   int64 `json:"to_id"`
	// NextFromID is set when the window was clamped and filled, so the
	// caller resumes from there.
	NextFromID int64 `json:"next_from_id,omitempty"`
}

// clampVerifyRange bounds the walk to window ids starting at from_id. An
// absent or too distant to_id is pulled in; clamped reports that it was.
func clampVerifyRange(q verifyQuery, window int) (audit.Range, bool) {
	from := q.FromID
	if from < 1 {
		from = 1
	}
	last := from + int64(window) - 1
	if q.ToID == 0 || q.ToID > last {
		return audit.Range{FromID: from, ToID: last}, true
	}
	return audit.Range{FromID: from, ToID: q.ToID}, false
}

// AuditVerify walks the requested id range, at most window ids at a time. A
// tampered chain is reported in the body with valid=false rather than as an
// error status.
func AuditVerify(svc AuditReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var q verifyQuery
		var err error
		if q.FromID, err = validators.ParseQueryInt64(r, "from_id"); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if q.ToID, err = validators.ParseQueryInt64(r, "to_id"); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if err := validators.Struct(q); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if q.ToID > 0 && q.ToID < q.FromID {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "to_id must not be less than from_id"))
			return
		}
		window, err := validators.ParseQueryInt(r, "window", defaultVerifyWindow, 1, maxVerifyWindow)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		rng, clamped := clampVerifyRange(q, window)
		result, err := svc.Verify(ctx, rng)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		view := verifyView{VerifyResult: result, FromID: rng.FromID, ToID: rng.ToID}
		if clamped && result.Valid && result.LastID == rng.ToID {
			view.NextFromID = rng.ToID + 1
		}
		responses.WriteSuccess(w, view)
	}
}
