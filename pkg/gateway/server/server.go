package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/vango-go/convo-gateway/pkg/audit"
	"github.com/vango-go/convo-gateway/pkg/engine"
	"github.com/vango-go/convo-gateway/pkg/engine/demo"
	"github.com/vango-go/convo-gateway/pkg/engine/llm"
	"github.com/vango-go/convo-gateway/pkg/engine/scripted"
	"github.com/vango-go/convo-gateway/pkg/engine/snapshot"
	"github.com/vango-go/convo-gateway/pkg/gateway/config"
	"github.com/vango-go/convo-gateway/pkg/gateway/handlers"
	"github.com/vango-go/convo-gateway/pkg/gateway/lifecycle"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/session"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/sessions"
	"github.com/vango-go/convo-gateway/pkg/gateway/metrics"
	"github.com/vango-go/convo-gateway/pkg/gateway/mw"
	"github.com/vango-go/convo-gateway/pkg/gateway/ratelimit"
	"github.com/vango-go/convo-gateway/pkg/speech/subprocess"
)

const tracerName = "github.com/vango-go/convo-gateway/pkg/gateway/server"

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	registry  *engine.Registry
	invoker   engine.Invoker
	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Store
	metrics   *metrics.Collector

	snapshots *snapshot.Store
	audit     session.AuditSink
	engines   []engine.Engine

	closers []func()
}

// Option adds optional backends to a Server.
type Option func(*Server)

// WithEngines registers extra engines next to the bundled demo engines.
func WithEngines(engines ...engine.Engine) Option {
	return func(s *Server) { s.engines = append(s.engines, engines...) }
}

// WithSnapshots persists every engine's domain payload after each turn.
func WithSnapshots(store *snapshot.Store) Option {
	return func(s *Server) { s.snapshots = store }
}

// WithAudit routes engine audit events to sink instead of the log.
func WithAudit(sink session.AuditSink) Option {
	return func(s *Server) { s.audit = sink }
}

func withCloser(fn func()) Option {
	return func(s *Server) { s.closers = append(s.closers, fn) }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  sessions.NewStore(),
		metrics:   metrics.New(),
		limiter: ratelimit.New(ratelimit.Config{
			ConnectRPS:              cfg.ConnectRPS,
			ConnectBurst:            cfg.ConnectBurst,
			MaxSessionsPerPrincipal: cfg.MaxSessionsPerPrincipal,
		}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = engine.NewRegistry(logger)
	bundled := []engine.Engine{demo.Echo{}, demo.Support{}}
	for _, e := range append(bundled, s.engines...) {
		s.registry.Register(snapshot.Wrap(e, s.snapshots))
	}
	s.invoker = engine.Invoker{
		Logger:  logger,
		Tracer:  otel.Tracer(tracerName),
		Timeout: cfg.InvokeTimeout,
		Observe: s.metrics.ObserveInvoke,
	}

	s.routes()
	return s
}

// Open builds a Server with every backend the config names: scripted engines from AgentsDir,
// the Gemini engine, Redis snapshots and the Postgres audit sink. Close releases them.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts []Option
	var closers []func()
	fail := func(err error) (*Server, error) {
		for _, c := range closers {
			c()
		}
		return nil, err
	}

	if cfg.AgentsDir != "" {
		loaded, err := scripted.LoadDir(cfg.AgentsDir)
		if err != nil {
			return fail(fmt.Errorf("load scripted agents: %w", err))
		}
		for _, e := range loaded {
			opts = append(opts, WithEngines(e))
		}
		logger.Info("loaded scripted agents", "dir", cfg.AgentsDir, "count", len(loaded))
	}

	if cfg.GeminiAPIKey != "" {
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return fail(err)
		}
		opts = append(opts, WithEngines(llm.New(llm.ClientGenerator{Client: client}, llm.Config{
			Model:    cfg.GeminiModel,
			Handoffs: []string{demo.EchoID, demo.SupportID},
		})))
	}

	if cfg.RedisURL != "" {
		store, err := snapshot.Open(ctx, cfg.RedisURL, snapshot.Config{
			TTL:           cfg.SnapshotTTL,
			EphemeralKeys: cfg.SnapshotEphemeralKeys,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = store.Close() })
		opts = append(opts, WithSnapshots(store))
	}

	if cfg.DatabaseURL != "" {
		sink, pool, err := audit.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, pool.Close)
		opts = append(opts, WithAudit(sink))
	}

	for _, c := range closers {
		opts = append(opts, withCloser(c))
	}
	return New(cfg, logger, opts...), nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Registry:  s.registry,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/session", handlers.SessionHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Registry:  s.registry,
		Invoker:   s.invoker,
		Limiter:   s.limiter,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Metrics:   s.metrics,
		Audit:     s.audit,
		STT:       launcher(s.cfg.STTCommand),
		TTS:       launcher(s.cfg.TTSCommand),
	})
	s.mux.Handle("/v1/agents", handlers.AgentsHandler{
		Registry:     s.registry,
		Sessions:     s.sessions,
		DefaultAgent: s.cfg.DefaultAgent,
	})
	s.mux.Handle("/v1/sessions", handlers.SessionsHandler{Sessions: s.sessions})
	s.mux.Handle("/v1/protocol/schema", handlers.SchemaHandler{})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// launcher returns nil for an unset command so the capability stays disabled.
func launcher(cmd subprocess.Command) subprocess.Launcher {
	if cmd.Path == "" {
		return nil
	}
	return cmd
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.APIVersion(h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	h = otelhttp.NewHandler(h, "convo-gateway",
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				return false
			}
			return true
		}),
	)
	return h
}

// Registry exposes the engine registry, mainly for tests and diagnostics.
func (s *Server) Registry() *engine.Registry {
	return s.registry
}

func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining tells every live session the gateway is shutting down.
func (s *Server) WarnLiveSessionsDraining() int {
	n := s.sessions.WarnAll("draining", "gateway is shutting down")
	if n > 0 {
		s.logger.Info("warned live sessions about drain", "sessions", n)
	}
	return n
}

// WaitLiveSessions blocks until every session ended or ctx is done. It reports whether all ended.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	n := s.sessions.CancelAll()
	if n > 0 {
		s.logger.Warn("canceled live sessions after drain timeout", "sessions", n)
	}
	return n
}

// Close releases backends opened by Open.
func (s *Server) Close() error {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	return nil
}
