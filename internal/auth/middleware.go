package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-pay/internal/platform/httpx"
)

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(raw string) (Principal, error)
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}

// RequireToken rejects requests without a valid bearer token.
func RequireToken(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer`)
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required")
				return
			}
			principal, err := verifier.Verify(raw)
			if err != nil {
				detail := "invalid token"
				if errors.Is(err, ErrTokenExpired) {
					detail = "token expired"
				}
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", detail)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
