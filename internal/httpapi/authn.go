package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"clearance.org/internal/auth"
	"clearance.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth verifies the bearer token, rejects revoked tokens and identities that are no
// longer active, then attaches the principal to the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		principal, err := a.deps.Tokens.Verify(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		revoked, err := a.deps.Revoker.Revoked(r.Context(), principal.TokenID)
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		if revoked {
			writeError(w, r, http.StatusUnauthorized, "token revoked")
			return
		}
		id, err := a.deps.Identities.Active(r.Context(), principal.IdentityID)
		switch {
		case errors.Is(err, identity.ErrInactive), errors.Is(err, identity.ErrNotFound):
			writeError(w, r, http.StatusUnauthorized, "identity is not active")
			return
		case err != nil:
			a.handleError(w, r, err)
			return
		}
		// The stored role wins over the role captured when the token was issued.
		principal.Role = id.Role

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principal is only called behind withAuth.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
