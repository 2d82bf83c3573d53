package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

// ActorVerifier turns a bearer token into an actor.
type ActorVerifier interface {
	Verify(token string) (service.Actor, error)
}

type actorKey struct{}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor service.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored by Authenticate.
func ActorFromContext(ctx context.Context) (service.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(service.Actor)
	return actor, ok
}

// publicPaths are served without a token.
var publicPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// Authenticate verifies the Authorization header of every non-public
// request and stores the actor in the request context.
func (h *HTTPHandler) Authenticate(v ActorVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				h.writeError(w, r, errors.New(errors.ErrCodeUnauthorized, "missing bearer token"))
				return
			}
			actor, err := v.Verify(header)
			if err != nil {
				h.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected token")
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
