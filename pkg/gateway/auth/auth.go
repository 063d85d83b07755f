package auth

import (
	"context"
	"net/http"
	"strings"
)

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	APIKey string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// ParseBearer extracts the token from an "Authorization: Bearer" header. The scheme is case-insensitive.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// SessionKey returns the API key presented on a WebSocket upgrade. Browsers cannot set
// headers on upgrades, so the api_key query parameter is accepted after the bearer header.
func SessionKey(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token, ok := ParseBearer(r); ok {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}
