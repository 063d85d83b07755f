package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/convo-gateway/pkg/engine"
	"github.com/vango-go/convo-gateway/pkg/gateway/apierror"
	"github.com/vango-go/convo-gateway/pkg/gateway/config"
	"github.com/vango-go/convo-gateway/pkg/gateway/lifecycle"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/protocol"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/session"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/sessions"
	"github.com/vango-go/convo-gateway/pkg/gateway/metrics"
	"github.com/vango-go/convo-gateway/pkg/gateway/mw"
	"github.com/vango-go/convo-gateway/pkg/gateway/principal"
	"github.com/vango-go/convo-gateway/pkg/gateway/ratelimit"
	"github.com/vango-go/convo-gateway/pkg/speech/subprocess"
	"github.com/vango-go/convo-gateway/pkg/speech/synthesize"
	"github.com/vango-go/convo-gateway/pkg/speech/transcribe"
)

// SessionHandler handles /v1/session websocket connections.
type SessionHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Registry  *engine.Registry
	Invoker   engine.Invoker
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Store
	Metrics   *metrics.Collector
	Audit     session.AuditSink

	// STT and TTS launch the speech helpers. Nil disables the capability.
	STT subprocess.Launcher
	TTS subprocess.Launcher
}

type firstRead struct {
	messageType int
	data        []byte
	err         error
}

// prefetchConn hands the session a read that was started during the handshake.
// Only the session's read loop calls ReadMessage.
type prefetchConn struct {
	*websocket.Conn
	first <-chan firstRead
	used  bool
}

func (c *prefetchConn) ReadMessage() (int, []byte, error) {
	if !c.used {
		c.used = true
		r := <-c.first
		return r.messageType, r.data, r.err
	}
	return c.Conn.ReadMessage()
}

func (h SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		h.Metrics.ConnectRejected("draining")
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.ErrOverloaded, Message: "gateway is draining", Code: "draining"}, apierror.StatusOverloaded)
		return
	}
	if !mw.OriginAllowed(h.Config, r) {
		h.Metrics.ConnectRejected("origin")
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	who, err := principal.ForSession(r, h.Config)
	if err != nil {
		h.Metrics.ConnectRejected("unauthorized")
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.ErrAuthentication, Message: err.Error()}, http.StatusUnauthorized)
		return
	}

	dec := h.Limiter.AcquireSession(who.Key, time.Now())
	if !dec.Allowed {
		h.Metrics.ConnectRejected("session_cap")
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.ErrRateLimit, Message: "too many active sessions"}, http.StatusTooManyRequests)
		return
	}
	defer dec.Permit.Release()

	upgrader := websocket.Upgrader{
		// Origin was checked above against the allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	if h.Config.MaxJSONMessageBytes > 0 {
		ws.SetReadLimit(h.Config.MaxJSONMessageBytes)
	}

	logger := h.logger().With("request_id", reqID)
	var conn session.Conn = ws
	var hello protocol.ClientHello
	var pending [][]byte

	agentID := strings.TrimSpace(r.URL.Query().Get("agent"))
	if agentID == "" {
		first := make(chan firstRead, 1)
		go func() {
			mt, data, err := ws.ReadMessage()
			first <- firstRead{messageType: mt, data: data, err: err}
		}()

		timer := time.NewTimer(h.handshakeTimeout())
		select {
		case fr := <-first:
			timer.Stop()
			if fr.err != nil {
				return
			}
			if fr.messageType == websocket.TextMessage {
				if m, err := protocol.DecodeClientMessage(fr.data); err == nil {
					if hi, ok := m.(protocol.ClientHello); ok {
						hello = hi
					} else {
						pending = append(pending, fr.data)
					}
				} else {
					pending = append(pending, fr.data)
				}
			}
		case <-timer.C:
			logger.Debug("no client.hello before handshake timeout; using default agent")
			conn = &prefetchConn{Conn: ws, first: first}
		}
		agentID = strings.TrimSpace(hello.Agent)
	}
	if agentID == "" {
		agentID = h.Config.DefaultAgent
	}

	eng, err := h.Registry.Get(agentID)
	if err != nil {
		var nf *engine.NotFoundError
		if errors.As(err, &nf) {
			logger.Warn("rejecting session for unknown agent", "agent_id", agentID, "available", nf.Available)
		}
		h.Metrics.ConnectRejected("unknown_agent")
		h.closeWith(ws, protocol.CloseUnknownAgent, "unknown agent")
		return
	}

	state := eng.InitialState()
	if hello.Mode != "" {
		state.Mode = engine.Mode(hello.Mode)
	}
	if hello.Device != "" {
		state.Device = engine.Device(hello.Device)
	}
	if err := state.Validate(); err != nil {
		logger.Error("engine initial state violates the envelope contract", "agent_id", agentID, "error", err)
		h.Metrics.ConnectRejected("contract_violation")
		h.writeError(ws, "contract_violation", "agent initial state is invalid")
		h.closeWith(ws, websocket.CloseInternalServerErr, "invalid initial state")
		return
	}

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    logger,
		Registry:  h.Registry,
		Invoker:   h.Invoker,
		Engine:    eng,
		State:     state,
		Store:     h.Sessions,
		Metrics:   h.Metrics,
		Audit:     h.Audit,
		STT:       h.STT,
		TTS:       h.TTS,
		RequestID: reqID,
		Principal: who.Key,
		Pending:   pending,
		StartTime: time.Now(),
		Config:    h.sessionConfig(),
	})
	if err != nil {
		logger.Error("failed to initialize session", "error", err)
		h.writeError(ws, "internal", "failed to initialize session")
		h.closeWith(ws, websocket.CloseInternalServerErr, "internal error")
		return
	}

	if err := s.Run(); err != nil {
		logger.Warn("session ended with error", "session_id", s.ID(), "error", err)
	}
}

func (h SessionHandler) sessionConfig() session.Config {
	c := h.Config
	return session.Config{
		MaxJSONMessageBytes:    c.MaxJSONMessageBytes,
		MaxAudioFrameBytes:     c.MaxAudioFrameBytes,
		MaxAudioFPS:            c.MaxAudioFPS,
		MaxAudioBytesPerSecond: c.MaxAudioBytesPerSecond,
		InboundBurstSeconds:    c.InboundBurstSeconds,
		PingInterval:           c.WSPingInterval,
		WriteTimeout:           c.WSWriteTimeout,
		ReadTimeout:            c.WSReadTimeout,
		MaxSessionDuration:     c.MaxSessionDuration,
		OutboundQueueSize:      128,
		Transcribe: transcribe.Config{
			BeginTurnTimeout: c.STTBeginTurnTimeout,
			EndTurnTimeout:   c.STTEndTurnTimeout,
			TeardownTimeout:  c.SubprocessTeardownTimeout,
		},
		Synthesize: synthesize.Config{
			OverlapGrace:    c.TTSOverlapGrace,
			TeardownTimeout: c.SubprocessTeardownTimeout,
		},
	}
}

func (h SessionHandler) handshakeTimeout() time.Duration {
	if h.Config.HandshakeTimeout > 0 {
		return h.Config.HandshakeTimeout
	}
	return 10 * time.Second
}

func (h SessionHandler) writeTimeout() time.Duration {
	if h.Config.WSWriteTimeout > 0 {
		return h.Config.WSWriteTimeout
	}
	return 5 * time.Second
}

func (h SessionHandler) writeError(ws *websocket.Conn, code, message string) {
	frame, err := protocol.Encode(protocol.TypeServerError, "", protocol.ServerError{Code: code, Message: message}, time.Now())
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

func (h SessionHandler) closeWith(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(h.writeTimeout()))
}

func (h SessionHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
