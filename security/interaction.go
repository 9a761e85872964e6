package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type interactionIDContextKey struct{}

// InteractionIDHeader correlates a request across the data recipient and
// the data holder. A valid UUID supplied by the caller is echoed back,
// otherwise a new one is generated.
const InteractionIDHeader = "X-Fapi-Interaction-Id"

// WithInteractionID adds an interaction id to the context
func WithInteractionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, interactionIDContextKey{}, id)
}

// GetInteractionID retrieves the interaction id from the context
func GetInteractionID(ctx context.Context) string {
	if id, ok := ctx.Value(interactionIDContextKey{}).(string); ok {
		return id
	}
	return ""
}

// InteractionIDMiddleware propagates x-fapi-interaction-id. Values that do
// not parse as a UUID are replaced so nothing attacker controlled reaches
// response headers or logs.
func InteractionIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(InteractionIDHeader)
		if parsed, err := uuid.Parse(id); err == nil {
			id = parsed.String()
		} else {
			id = uuid.NewString()
		}

		w.Header().Set(InteractionIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithInteractionID(r.Context(), id)))
	})
}
