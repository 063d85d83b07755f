package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/convo-gateway/pkg/engine/demo"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/protocol"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/sessions"
)

func TestAgentsHandler_ListsRegisteredEngines(t *testing.T) {
	store := sessions.NewStore()
	unregister := store.Register(sessions.Info{SessionID: "s1", AgentID: demo.SupportID}, sessions.Handle{})
	defer unregister()

	h := AgentsHandler{Registry: readyRegistry(), Sessions: store, DefaultAgent: demo.EchoID}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/agents", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	var resp agentsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Object != "list" || resp.DefaultAgent != demo.EchoID {
		t.Fatalf("resp=%+v", resp)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("data=%+v", resp.Data)
	}
	echo, support := resp.Data[0], resp.Data[1]
	if echo.ID != demo.EchoID || !echo.Default || echo.ActiveSessions != 0 {
		t.Fatalf("echo=%+v", echo)
	}
	if support.ID != demo.SupportID || support.Default || support.ActiveSessions != 1 {
		t.Fatalf("support=%+v", support)
	}
	if echo.Capabilities["description"] == nil {
		t.Fatalf("echo capabilities missing description: %v", echo.Capabilities)
	}
}

func TestAgentsHandler_RejectsPost(t *testing.T) {
	rr := httptest.NewRecorder()
	AgentsHandler{Registry: readyRegistry()}.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/agents", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := rr.Header().Get("Allow"); got != "GET, HEAD" {
		t.Fatalf("Allow=%q", got)
	}
}

func TestSessionsHandler_EmptyListIsArray(t *testing.T) {
	rr := httptest.NewRecorder()
	SessionsHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var resp struct {
		Data []sessions.Info `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Data == nil || len(resp.Data) != 0 {
		t.Fatalf("data=%v, want empty array", resp.Data)
	}
}

func TestSessionsHandler_ListsLiveSessions(t *testing.T) {
	store := sessions.NewStore()
	defer store.Register(sessions.Info{SessionID: "s1", AgentID: demo.EchoID, StartedAt: time.Unix(100, 0)}, sessions.Handle{})()

	rr := httptest.NewRecorder()
	SessionsHandler{Sessions: store}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	var resp struct {
		Data []sessions.Info `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].SessionID != "s1" || resp.Data[0].AgentID != demo.EchoID {
		t.Fatalf("data=%+v", resp.Data)
	}
}

func TestSchemaHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	SchemaHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/protocol/schema", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var doc struct {
		Types    []string                   `json:"types"`
		Payloads map[string]json.RawMessage `json:"payloads"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := doc.Payloads[protocol.TypeServerReady]; !ok {
		t.Fatalf("schema missing %s: types=%v", protocol.TypeServerReady, doc.Types)
	}
}
