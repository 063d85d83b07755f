package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/convo-gateway/pkg/speech/subprocess"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS and WebSocket origin allowlist.
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Agents
	DefaultAgent string
	AgentsDir    string // scripted engine descriptors (*.yaml); empty => none

	// Session WebSocket (/v1/session).
	MaxJSONMessageBytes    int64
	MaxAudioFrameBytes     int
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	WSPingInterval         time.Duration
	WSWriteTimeout         time.Duration
	WSReadTimeout          time.Duration
	HandshakeTimeout       time.Duration
	MaxSessionDuration     time.Duration

	// In-memory limits (per principal).
	MaxSessionsPerPrincipal int
	ConnectRPS              float64
	ConnectBurst            int

	InvokeTimeout time.Duration

	// Speech helpers. A zero Command disables that capability.
	STTCommand                subprocess.Command
	TTSCommand                subprocess.Command
	STTBeginTurnTimeout       time.Duration
	STTEndTurnTimeout         time.Duration
	TTSOverlapGrace           time.Duration
	SubprocessTeardownTimeout time.Duration

	// Persistence. Empty URLs disable the corresponding hook.
	RedisURL              string
	SnapshotTTL           time.Duration
	SnapshotEphemeralKeys []string
	DatabaseURL           string

	// LLM engine; registered only when an API key is present.
	GeminiAPIKey string
	GeminiModel  string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                      envOr("CONVO_GATEWAY_ADDR", ":8080"),
		AuthMode:                  AuthMode(envOr("CONVO_GATEWAY_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:                   make(map[string]struct{}),
		TrustProxyHeaders:         envBoolOr("CONVO_GATEWAY_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:        make(map[string]struct{}),
		DefaultAgent:              envOr("CONVO_GATEWAY_DEFAULT_AGENT", "demo"),
		AgentsDir:                 envOr("CONVO_GATEWAY_AGENTS_DIR", ""),
		MaxJSONMessageBytes:       envInt64Or("CONVO_GATEWAY_MAX_JSON_MESSAGE_BYTES", 512<<10), // 512 KiB
		MaxAudioFrameBytes:        envIntOr("CONVO_GATEWAY_MAX_AUDIO_FRAME_BYTES", 32<<10),      // 32 KiB decoded
		MaxAudioFPS:               envIntOr("CONVO_GATEWAY_MAX_AUDIO_FPS", 120),
		MaxAudioBytesPerSecond:    envInt64Or("CONVO_GATEWAY_MAX_AUDIO_BPS", 128<<10),
		InboundBurstSeconds:       envIntOr("CONVO_GATEWAY_INBOUND_BURST_SECONDS", 2),
		WSPingInterval:            envDurationOr("CONVO_GATEWAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:            envDurationOr("CONVO_GATEWAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:             envDurationOr("CONVO_GATEWAY_WS_READ_TIMEOUT", 0),
		HandshakeTimeout:          envDurationOr("CONVO_GATEWAY_HANDSHAKE_TIMEOUT", 10*time.Second),
		MaxSessionDuration:        envDurationOr("CONVO_GATEWAY_MAX_SESSION_DURATION", 2*time.Hour),
		MaxSessionsPerPrincipal:   envIntOr("CONVO_GATEWAY_MAX_SESSIONS_PER_PRINCIPAL", 4),
		ConnectRPS:                envFloat64Or("CONVO_GATEWAY_CONNECT_RPS", 2.0),
		ConnectBurst:              envIntOr("CONVO_GATEWAY_CONNECT_BURST", 4),
		InvokeTimeout:             envDurationOr("CONVO_GATEWAY_INVOKE_TIMEOUT", 60*time.Second),
		STTBeginTurnTimeout:       envDurationOr("CONVO_GATEWAY_STT_BEGIN_TURN_TIMEOUT", 15*time.Second),
		STTEndTurnTimeout:         envDurationOr("CONVO_GATEWAY_STT_END_TURN_TIMEOUT", 10*time.Second),
		TTSOverlapGrace:           envDurationOr("CONVO_GATEWAY_TTS_OVERLAP_GRACE", 3*time.Second),
		SubprocessTeardownTimeout: envDurationOr("CONVO_GATEWAY_SUBPROCESS_TEARDOWN_TIMEOUT", 5*time.Second),
		RedisURL:                  envOr("CONVO_GATEWAY_REDIS_URL", ""),
		SnapshotTTL:               envDurationOr("CONVO_GATEWAY_SNAPSHOT_TTL", 24*time.Hour),
		SnapshotEphemeralKeys:     splitCSV(os.Getenv("CONVO_GATEWAY_SNAPSHOT_EPHEMERAL_KEYS")),
		DatabaseURL:               envOr("CONVO_GATEWAY_DATABASE_URL", ""),
		GeminiAPIKey:              envOr("CONVO_GATEWAY_GEMINI_API_KEY", ""),
		GeminiModel:               envOr("CONVO_GATEWAY_GEMINI_MODEL", "gemini-2.0-flash"),
		ReadHeaderTimeout:         envDurationOr("CONVO_GATEWAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:               envDurationOr("CONVO_GATEWAY_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:       envDurationOr("CONVO_GATEWAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}
	cfg.STTCommand, _ = subprocess.ParseCommand(os.Getenv("CONVO_GATEWAY_STT_COMMAND"))
	cfg.TTSCommand, _ = subprocess.ParseCommand(os.Getenv("CONVO_GATEWAY_TTS_COMMAND"))

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("CONVO_GATEWAY_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("CONVO_GATEWAY_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("CONVO_GATEWAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.DefaultAgent) == "" {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_DEFAULT_AGENT must not be empty")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.MaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.InboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBytesPerSecond > 0) && cfg.InboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.MaxSessionsPerPrincipal < 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_MAX_SESSIONS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.ConnectRPS < 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_CONNECT_RPS must be >= 0")
	}
	if cfg.ConnectBurst < 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_CONNECT_BURST must be >= 0")
	}
	if cfg.InvokeTimeout < 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_INVOKE_TIMEOUT must be >= 0")
	}
	if cfg.STTBeginTurnTimeout <= 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_STT_BEGIN_TURN_TIMEOUT must be > 0")
	}
	if cfg.STTEndTurnTimeout <= 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_STT_END_TURN_TIMEOUT must be > 0")
	}
	if cfg.TTSOverlapGrace <= 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_TTS_OVERLAP_GRACE must be > 0")
	}
	if cfg.SubprocessTeardownTimeout <= 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_SUBPROCESS_TEARDOWN_TIMEOUT must be > 0")
	}
	if cfg.SnapshotTTL < 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_SNAPSHOT_TTL must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("CONVO_GATEWAY_API_KEYS must be set when CONVO_GATEWAY_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
