package principal

import (
	"errors"
	"net/http"
	"net/netip"
	"strings"

	"github.com/vango-go/convo-gateway/pkg/gateway/auth"
	"github.com/vango-go/convo-gateway/pkg/gateway/config"
	"github.com/vango-go/convo-gateway/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

var (
	ErrMissingKey = errors.New("missing api key")
	ErrInvalidKey = errors.New("invalid api key")
)

type Resolved struct {
	Kind Kind
	// Raw is the raw resolved identifier (API key or IP). It must not be logged.
	Raw string
	// Key is a hashed/bucketed identifier suitable for in-memory maps.
	Key string
}

// Resolve identifies the caller for rate limiting and session caps: the authenticated API
// key when the auth middleware set one, else the client address.
func Resolve(r *http.Request, cfg config.Config) Resolved {
	if r == nil {
		return anonymous
	}
	if p, ok := auth.PrincipalFrom(r.Context()); ok && p != nil && strings.TrimSpace(p.APIKey) != "" {
		return fromAPIKey(p.APIKey)
	}
	addr, ok := clientAddr(r, cfg.TrustProxyHeaders)
	if !ok {
		return anonymous
	}
	ip := addr.String()
	return Resolved{Kind: KindIP, Raw: ip, Key: ratelimit.PrincipalKeyFromIP(ip)}
}

var anonymous = Resolved{Kind: KindAnon, Key: "anonymous"}

// ForSession authenticates a session upgrade according to cfg.AuthMode. Upgrades bypass
// the HTTP auth middleware, so the key is read from the request here.
func ForSession(r *http.Request, cfg config.Config) (Resolved, error) {
	apiKey := auth.SessionKey(r)
	switch cfg.AuthMode {
	case config.AuthModeRequired:
		if apiKey == "" {
			return Resolved{}, ErrMissingKey
		}
		if _, ok := cfg.APIKeys[apiKey]; !ok {
			return Resolved{}, ErrInvalidKey
		}
		return fromAPIKey(apiKey), nil
	case config.AuthModeOptional:
		if apiKey != "" {
			if _, ok := cfg.APIKeys[apiKey]; !ok {
				return Resolved{}, ErrInvalidKey
			}
			return fromAPIKey(apiKey), nil
		}
		return Resolve(r, cfg), nil
	case config.AuthModeDisabled:
		return Resolve(r, cfg), nil
	default:
		return Resolved{}, errors.New("invalid auth mode")
	}
}

func fromAPIKey(apiKey string) Resolved {
	return Resolved{
		Kind: KindAPIKey,
		Raw:  apiKey,
		Key:  ratelimit.PrincipalKeyFromAPIKey(apiKey),
	}
}

// proxyHeaders are consulted in order when the gateway sits behind a trusted proxy.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

func clientAddr(r *http.Request, trustProxy bool) (netip.Addr, bool) {
	if trustProxy {
		for _, name := range proxyHeaders {
			// X-Forwarded-For lists the client first.
			first, _, _ := strings.Cut(r.Header.Get(name), ",")
			if addr, ok := parseAddr(first); ok {
				return addr, true
			}
		}
	}
	return parseAddr(r.RemoteAddr)
}

// parseAddr accepts a bare address or host:port, with or without IPv6 brackets.
func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
