package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/angelmondragon/jobcore/pkg/logger"
)

type contextKey string

const (
	ctxActorID contextKey = "actor_id"

	actorIDHeader = "X-Actor-Id"
)

// ActorIDFromContext returns the operator identity set by Actor, or "".
func ActorIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		return v
	}
	return ""
}

func WithActorID(ctx context.Context, actorID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxActorID, actorID)
}

// Actor copies the X-Actor-Id header into the request context. The admin
// surface sits behind an authenticating proxy that sets it.
func Actor(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID := strings.TrimSpace(r.Header.Get(actorIDHeader))
			if actorID == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := WithActorID(r.Context(), actorID)
			if logg != nil {
				ctx = logg.WithActorID(ctx, actorID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
