package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/convo-gateway/pkg/gateway/apierror"
	"github.com/vango-go/convo-gateway/pkg/gateway/config"
)

// The gateway's browser surface is read-only JSON plus the session upgrade.
const (
	corsMethods = "GET, HEAD, OPTIONS"
	corsMaxAge  = "600"
)

var (
	corsRequestHeaders = strings.Join([]string{"Authorization", "Content-Type", "X-Request-ID", versionHeader}, ", ")
	corsExposeHeaders  = strings.Join([]string{"X-Request-ID", "Retry-After"}, ", ")
)

// CORS answers preflights itself and tags allowed cross-origin responses. With an empty
// allowlist every browser origin is refused.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := requestOrigin(r)
		allowed := origin != "" && originListed(cfg, origin)

		if isPreflight(r) {
			if !allowed {
				reqID, _ := RequestIDFrom(r.Context())
				apierror.Write(w, reqID, &apierror.Error{
					Type:    apierror.ErrPermission,
					Message: "origin not allowed",
					Param:   "Origin",
				}, http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsRequestHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		}
		next.ServeHTTP(w, r)
	})
}

// OriginAllowed reports whether a browser origin may open a session. Requests without an
// Origin header come from non-browser clients and pass.
func OriginAllowed(cfg config.Config, r *http.Request) bool {
	origin := requestOrigin(r)
	return origin == "" || originListed(cfg, origin)
}

func requestOrigin(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Origin"))
}

func originListed(cfg config.Config, origin string) bool {
	_, ok := cfg.CORSAllowedOrigins[origin]
	return ok
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}
