package handlers

import (
	"net/http"
	"time"

	"github.com/vango-go/convo-gateway/pkg/engine"
	"github.com/vango-go/convo-gateway/pkg/gateway/config"
	"github.com/vango-go/convo-gateway/pkg/gateway/lifecycle"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Registry  *engine.Registry
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Store
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		DrainingSince  string   `json:"draining_since,omitempty"`
		AuthMode       string   `json:"auth_mode"`
		Agents         int      `json:"agents"`
		ActiveSessions int      `json:"active_sessions"`
		Transcription  bool     `json:"transcription"`
		Synthesis      bool     `json:"synthesis"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if _, err := h.Registry.Get(h.Config.DefaultAgent); err != nil {
		issues = append(issues, "default agent is not registered")
	}
	if h.Config.MaxJSONMessageBytes <= 0 || h.Config.MaxAudioFrameBytes <= 0 {
		issues = append(issues, "message size limits must be > 0")
	}
	if h.Config.WSPingInterval <= 0 || h.Config.WSWriteTimeout <= 0 || h.Config.HandshakeTimeout <= 0 {
		issues = append(issues, "websocket timeouts must be > 0")
	}
	if h.Config.MaxSessionDuration <= 0 {
		issues = append(issues, "max session duration must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case draining:
		status = http.StatusServiceUnavailable
	}

	var agents int
	if h.Registry != nil {
		agents = len(h.Registry.List())
	}
	var since string
	if draining {
		since = h.Lifecycle.DrainingSince().UTC().Format(time.RFC3339)
	}
	writeJSON(w, status, readyResp{
		OK:             ok,
		Draining:       draining,
		DrainingSince:  since,
		AuthMode:       string(h.Config.AuthMode),
		Agents:         agents,
		ActiveSessions: h.Sessions.Count(),
		Transcription:  h.Config.STTCommand.Path != "",
		Synthesis:      h.Config.TTSCommand.Path != "",
		Issues:         issues,
	})
}
