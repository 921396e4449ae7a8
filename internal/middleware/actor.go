package middleware

import (
	"net/http"
	"strings"

	"github.com/rpattn/journaled/internal/auth"

	"github.com/google/uuid"
)

// ActorHeader carries the id of the user performing the request.
const ActorHeader = "X-Actor-ID"

// ActorMiddleware reads ActorHeader into the request context. Requests
// without the header are anonymous; a malformed id is rejected.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(ActorHeader))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid "+ActorHeader+" header", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithActorID(r.Context(), id)))
	})
}
