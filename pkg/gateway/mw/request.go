package mw

import (
	"net/http"
	"strings"
)

// Paths served without auth, rate limits or tracing.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

func isPublicPath(path string) bool { return publicPaths[path] }

func isAPIPath(path string) bool {
	rest, ok := strings.CutPrefix(path, "/v1")
	return ok && (rest == "" || rest[0] == '/')
}

// isSessionUpgrade matches a WebSocket handshake. Connection may carry several tokens
// ("keep-alive, Upgrade").
func isSessionUpgrade(r *http.Request) bool {
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return false
	}
	for _, tok := range headerTokens(r.Header.Values("Connection")) {
		if strings.EqualFold(tok, "upgrade") {
			return true
		}
	}
	return false
}

// headerTokens flattens comma separated header values, dropping blanks.
func headerTokens(values []string) []string {
	var out []string
	for _, v := range values {
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
