package mw

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vango-go/convo-gateway/pkg/gateway/apierror"
	"github.com/vango-go/convo-gateway/pkg/gateway/auth"
	"github.com/vango-go/convo-gateway/pkg/gateway/config"
)

type ctxKeyRequestID struct{}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// Auth checks bearer keys on plain HTTP requests. Session upgrades authenticate in the
// session handler, which also accepts a query parameter key.
func Auth(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := RequestIDFrom(r.Context())

		switch cfg.AuthMode {
		case config.AuthModeDisabled:
			next.ServeHTTP(w, r)
			return
		case config.AuthModeOptional, config.AuthModeRequired:
		default:
			apierror.Write(w, reqID, &apierror.Error{
				Type:    apierror.ErrAPI,
				Message: "invalid auth_mode",
			}, http.StatusInternalServerError)
			return
		}

		if isSessionUpgrade(r) || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := auth.ParseBearer(r)
		if !ok {
			if cfg.AuthMode == config.AuthModeRequired {
				apierror.Write(w, reqID, &apierror.Error{
					Type:    apierror.ErrAuthentication,
					Message: "missing bearer token",
					Param:   "Authorization",
				}, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := cfg.APIKeys[token]; !ok {
			apierror.Write(w, reqID, &apierror.Error{
				Type:    apierror.ErrAuthentication,
				Message: "invalid api key",
			}, http.StatusUnauthorized)
			return
		}
		p := &auth.Principal{APIKey: token}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				reqID, _ := RequestIDFrom(r.Context())
				if logger != nil {
					logger.Error("panic", "request_id", reqID, "panic", v)
				}
				apierror.Write(w, reqID, &apierror.Error{
					Type:    apierror.ErrAPI,
					Message: "internal error",
				}, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type flushStatusWriter struct {
	*statusWriter
}

func (w flushStatusWriter) Flush() {
	w.ResponseWriter.(http.Flusher).Flush()
}

type hijackStatusWriter struct {
	*statusWriter
}

func (w hijackStatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.status = http.StatusSwitchingProtocols
	w.wroteHeader = true
	return w.ResponseWriter.(http.Hijacker).Hijack()
}

type flushHijackStatusWriter struct {
	*statusWriter
}

func (w flushHijackStatusWriter) Flush() {
	w.ResponseWriter.(http.Flusher).Flush()
}

func (w flushHijackStatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.status = http.StatusSwitchingProtocols
	w.wroteHeader = true
	return w.ResponseWriter.(http.Hijacker).Hijack()
}

// wrapStatusWriter advertises exactly the optional interfaces the underlying writer has,
// so WebSocket upgrades keep working behind the access log.
func wrapStatusWriter(w http.ResponseWriter) (http.ResponseWriter, *statusWriter) {
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	_, canFlush := w.(http.Flusher)
	_, canHijack := w.(http.Hijacker)
	switch {
	case canFlush && canHijack:
		return flushHijackStatusWriter{sw}, sw
	case canFlush:
		return flushStatusWriter{sw}, sw
	case canHijack:
		return hijackStatusWriter{sw}, sw
	default:
		return sw, sw
	}
}

// AccessLog writes one record per request. Session upgrades also carry the requested agent,
// and 5xx responses are logged at warn level.
func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped, sw := wrapStatusWriter(w)
		next.ServeHTTP(wrapped, r)
		if logger == nil {
			return
		}
		reqID, _ := RequestIDFrom(r.Context())
		attrs := []any{
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if sw.status == http.StatusSwitchingProtocols {
			attrs = append(attrs, "agent", r.URL.Query().Get("agent"))
		}
		level := slog.LevelInfo
		if sw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "request", attrs...)
	})
}
