package middleware

import (
	"net/http"

	"github.com/rpattn/importer/internal/auth"
)

// PrincipalMiddleware copies the caller identity from the request headers into the context.
// Requests without an identity pass through; handlers decide whether one is required.
func PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := auth.PrincipalFromRequest(r)
		if principal.ID == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}
