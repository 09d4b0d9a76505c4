package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/importer/internal/domain"
)

type contextKey string

const principalKey contextKey = "principal"

// Headers set by the authenticating proxy in front of the service.
const (
	HeaderUserID   = "X-User-ID"
	HeaderElevated = "X-User-Elevated"
)

// ContextWithPrincipal returns a new context that carries the authenticated caller.
func ContextWithPrincipal(ctx context.Context, principal domain.Principal) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext retrieves the authenticated caller from the context, if any.
func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	if ctx == nil {
		return domain.Principal{}, false
	}
	principal, ok := ctx.Value(principalKey).(domain.Principal)
	if !ok || principal.ID == "" {
		return domain.Principal{}, false
	}
	return principal, true
}

// PrincipalFromRequest reads the caller identity from the trusted headers.
// A missing user id yields the zero principal.
func PrincipalFromRequest(r *http.Request) domain.Principal {
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" {
		return domain.Principal{}
	}
	elevated, _ := strconv.ParseBool(strings.TrimSpace(r.Header.Get(HeaderElevated)))
	return domain.Principal{ID: id, Elevated: elevated}
}
