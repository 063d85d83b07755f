package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/convo-gateway/pkg/engine"
	"github.com/vango-go/convo-gateway/pkg/gateway/apierror"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/protocol"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/sessions"
	"github.com/vango-go/convo-gateway/pkg/gateway/mw"
)

type agentInfo struct {
	ID             string         `json:"id"`
	StateVersion   int            `json:"state_version"`
	Default        bool           `json:"default,omitempty"`
	ActiveSessions int            `json:"active_sessions"`
	Capabilities   map[string]any `json:"capabilities,omitempty"`
}

type agentsResponse struct {
	Object       string      `json:"object"`
	DefaultAgent string      `json:"default_agent"`
	Data         []agentInfo `json:"data"`
}

// AgentsHandler lists the registered dialogue engines.
type AgentsHandler struct {
	Registry     *engine.Registry
	Sessions     *sessions.Store
	DefaultAgent string
}

func (h AgentsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}

	active := h.Sessions.CountByAgent()
	resp := agentsResponse{
		Object:       "list",
		DefaultAgent: h.DefaultAgent,
		Data:         make([]agentInfo, 0),
	}
	for _, id := range h.Registry.List() {
		e, err := h.Registry.Get(id)
		if err != nil {
			continue
		}
		resp.Data = append(resp.Data, agentInfo{
			ID:             id,
			StateVersion:   e.StateVersion(),
			Default:        id == h.DefaultAgent,
			ActiveSessions: active[id],
			Capabilities:   engine.Capabilities(e),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// SessionsHandler lists live sessions for operators.
type SessionsHandler struct {
	Sessions *sessions.Store
}

func (h SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	list := h.Sessions.List()
	if list == nil {
		list = []sessions.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   list,
	})
}

// SchemaHandler serves the JSON Schema of the session protocol frames.
type SchemaHandler struct{}

func (SchemaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, protocol.Schema())
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	reqID, _ := mw.RequestIDFrom(r.Context())
	w.Header().Set("Allow", "GET, HEAD")
	apierror.Write(w, reqID, &apierror.Error{
		Type:    apierror.ErrInvalidRequest,
		Message: "method not allowed",
		Code:    "method_not_allowed",
	}, http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
