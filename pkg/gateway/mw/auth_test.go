package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/convo-gateway/pkg/gateway/auth"
	"github.com/vango-go/convo-gateway/pkg/gateway/config"
)

func TestAuth_RequiredRejectsMissingBearer(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"sk_test": {}}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_SessionWebSocketUpgradeBypass(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"sk_test": {}}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_ValidBearerAttachesPrincipal(t *testing.T) {
	var got string
	h := Auth(config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"sk_test": {}}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			got = p.APIKey
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer sk_test")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if got != "sk_test" {
		t.Fatalf("principal api key=%q", got)
	}
}

func TestAuth_HealthAndMetricsArePublic(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"sk_test": {}}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}
}
