package middleware

import (
	"context"
	"net/http"

	"github.com/waypoint/backend/internal/teleport"
)

type actorKey struct{}

// WithActor returns a context carrying the calling actor.
func WithActor(ctx context.Context, id teleport.ActorID) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

// ActorFromContext returns the calling actor, if the request named one.
func ActorFromContext(ctx context.Context) (teleport.ActorID, bool) {
	id, ok := ctx.Value(actorKey{}).(teleport.ActorID)
	return id, ok && id != ""
}

// Resolver maps a name or id to an actor.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (teleport.ActorID, bool)
}

// ActorMiddleware resolves the X-Actor-ID header and injects the actor into
// the request context. Requests without the header pass through unchanged;
// a header naming nobody is rejected.
func ActorMiddleware(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ref := r.Header.Get(ActorHeader)
			if ref == "" {
				next.ServeHTTP(w, r)
				return
			}

			id, ok := resolver.Resolve(r.Context(), ref)
			if !ok {
				http.Error(w, "Unknown actor in "+ActorHeader, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), id)))
		})
	}
}
