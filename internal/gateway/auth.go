package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/shared"
)

type principalKey struct{}

// TokenAuthenticator resolves bearer tokens to profiles.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*persistence.Profile, error)
}

// AuthMiddleware attaches the caller's profile to the request context. A
// request without a bearer passes through anonymous; handlers that need a
// caller reject it. A bearer that does not resolve is rejected here.
func AuthMiddleware(auth TokenAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearer(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			p, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, persistence.ErrNotFound) {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
					return
				}
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, p)
			ctx = shared.WithUserID(ctx, p.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ExtractBearer reads the token from the Authorization header, or from the
// access_token query parameter for browser WebSocket clients.
func ExtractBearer(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

// PrincipalFromContext returns the authenticated caller, or nil.
func PrincipalFromContext(ctx context.Context) *persistence.Profile {
	p, _ := ctx.Value(principalKey{}).(*persistence.Profile)
	return p
}
