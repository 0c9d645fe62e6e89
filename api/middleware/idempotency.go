package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/angelmondragon/jobcore/api/responses"
	"github.com/angelmondragon/jobcore/internal/idempotency"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	maxIdempotentBody    = 1 << 20
)

// IdempotencyGuard is the part of *idempotency.Guard the middleware drives.
type IdempotencyGuard interface {
	Await(ctx context.Context, scope, key, fingerprint string) (idempotency.Result, error)
	Complete(ctx context.Context, res idempotency.Reservation, resp idempotency.Response) error
	Release(ctx context.Context, res idempotency.Reservation) error
}

// Idempotency guards mutating routes by the Idempotency-Key header. The first
// request runs the handler and its response is stored verbatim; a duplicate
// with the same body is answered from the store byte for byte. A 5xx releases
// the key so the client may retry it.
func Idempotency(guard IdempotencyGuard, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if guard == nil || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
			if key == "" {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			if len(body) > maxIdempotentBody {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			scope := idempotencyScope(r)
			fingerprint := idempotency.Fingerprint([]byte(r.Method), []byte(r.URL.Path), body)

			result, err := guard.Await(ctx, scope, key, fingerprint)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			switch result.Outcome {
			case idempotency.OutcomeReplay:
				writeStoredResponse(w, result.Response)
				return
			case idempotency.OutcomeConflict:
				responses.WriteError(ctx, logg, w, result.Err())
				return
			}

			rec := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.statusCode()
			if status >= http.StatusInternalServerError {
				if err := guard.Release(ctx, result.Reservation); err != nil {
					logError(ctx, logg, "idempotency.release_failed", err)
				}
				return
			}
			stored := idempotency.Response{
				Status:      status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			}
			if err := guard.Complete(ctx, result.Reservation, stored); err != nil {
				logError(ctx, logg, "idempotency.complete_failed", err)
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// idempotencyScope partitions keys by caller and route so two operators, or
// two endpoints, never collide on the same client-chosen key.
func idempotencyScope(r *http.Request) string {
	actor := ActorIDFromContext(r.Context())
	if actor == "" {
		actor = "anonymous"
	}
	return actor + "|" + r.Method + " " + routePattern(r)
}

func writeStoredResponse(w http.ResponseWriter, resp *idempotency.Response) {
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(replayedHeader, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseCapture) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
