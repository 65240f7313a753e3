package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/lusterai/enhance/internal/domain"
)

type identityKey struct{}

// IdentityFrom returns the authenticated caller stored by RequireAuth.
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(domain.Identity)
	return id, ok
}

// ContextWithIdentity injects a caller identity, used by tests to bypass the
// token exchange.
func ContextWithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// RequireAuth verifies the bearer credential and ensures the user row exists
// before the handler runs. The user and its zero-balance credit row are
// created on first contact.
func RequireAuth(verifier domain.TokenVerifier, users domain.UserRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthenticated), nil)
				return
			}
			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			if _, err := users.GetOrCreate(r.Context(), identity.UserID, identity.Email); err != nil {
				writeError(w, r, fmt.Errorf("ensure user: %w", err), nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
		})
	}
}
