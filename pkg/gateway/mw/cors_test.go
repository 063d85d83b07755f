package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/convo-gateway/pkg/gateway/config"
)

func allowlist(origins ...string) config.Config {
	cfg := config.Config{CORSAllowedOrigins: map[string]struct{}{}}
	for _, o := range origins {
		cfg.CORSAllowedOrigins[o] = struct{}{}
	}
	return cfg
}

func TestCORS(t *testing.T) {
	const app = "https://kiosk.example.com"
	tests := []struct {
		name        string
		cfg         config.Config
		method      string
		origin      string
		preflight   bool
		wantCode    int
		wantAllow   string
		wantNext    bool
		wantExposed bool
	}{
		{name: "no allowlist", cfg: allowlist(), origin: app, wantCode: http.StatusOK, wantNext: true},
		{name: "listed origin", cfg: allowlist(app), origin: app, wantCode: http.StatusOK, wantAllow: app, wantNext: true, wantExposed: true},
		{name: "unlisted origin", cfg: allowlist(app), origin: "https://other.example.com", wantCode: http.StatusOK, wantNext: true},
		{name: "no origin", cfg: allowlist(app), wantCode: http.StatusOK, wantNext: true},
		{name: "preflight listed", cfg: allowlist(app), method: http.MethodOptions, origin: app, preflight: true, wantCode: http.StatusNoContent, wantAllow: app},
		{name: "preflight unlisted", cfg: allowlist(app), method: http.MethodOptions, origin: "https://other.example.com", preflight: true, wantCode: http.StatusForbidden},
		{name: "preflight without allowlist", cfg: allowlist(), method: http.MethodOptions, origin: app, preflight: true, wantCode: http.StatusForbidden},
		{name: "plain options passes through", cfg: allowlist(app), method: http.MethodOptions, origin: app, wantCode: http.StatusOK, wantAllow: app, wantNext: true, wantExposed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := CORS(tt.cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req := httptest.NewRequest(method, "/v1/agents", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.wantCode || called != tt.wantNext {
				t.Fatalf("status=%d next=%v, want %d %v", rr.Code, called, tt.wantCode, tt.wantNext)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Fatalf("allow-origin=%q, want %q", got, tt.wantAllow)
			}
			if got := rr.Header().Get("Access-Control-Expose-Headers") != ""; got != tt.wantExposed {
				t.Fatalf("expose headers set=%v, want %v", got, tt.wantExposed)
			}
			if tt.preflight && tt.wantCode == http.StatusNoContent {
				if !strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), versionHeader) {
					t.Fatalf("allow-headers=%q missing %s", rr.Header().Get("Access-Control-Allow-Headers"), versionHeader)
				}
				if rr.Header().Get("Vary") != "Origin" {
					t.Fatalf("vary=%q", rr.Header().Get("Vary"))
				}
			}
			if tt.wantCode == http.StatusForbidden && !strings.Contains(rr.Body.String(), `"permission_error"`) {
				t.Fatalf("body=%q", rr.Body.String())
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		cfg    config.Config
		origin string
		want   bool
	}{
		{allowlist(), "", true},
		{allowlist(), "https://kiosk.example.com", false},
		{allowlist("https://kiosk.example.com"), "https://kiosk.example.com", true},
		{allowlist("https://kiosk.example.com"), " https://kiosk.example.com ", true},
		{allowlist("https://kiosk.example.com"), "http://kiosk.example.com", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := OriginAllowed(tt.cfg, req); got != tt.want {
			t.Fatalf("OriginAllowed(%q)=%v, want %v", tt.origin, got, tt.want)
		}
	}
}
