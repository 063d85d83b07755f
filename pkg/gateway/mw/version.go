package mw

import (
	"net/http"

	"github.com/vango-go/convo-gateway/pkg/gateway/apierror"
	"github.com/vango-go/convo-gateway/pkg/gateway/live/protocol"
)

const (
	versionHeader = "X-Convo-Version"
	versionQuery  = "protocol"
)

// APIVersion rejects /v1 requests pinned to a protocol revision other than protocol.Version.
// Browsers cannot set headers on a WebSocket handshake, so session upgrades pin the
// revision with the "protocol" query parameter instead. An unpinned request is accepted.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !isAPIPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		source, pinned := requestedVersions(r)
		for _, v := range pinned {
			if v == protocol.Version {
				continue
			}
			reqID, _ := RequestIDFrom(r.Context())
			apierror.Write(w, reqID, &apierror.Error{
				Type:    apierror.ErrInvalidRequest,
				Message: "unsupported protocol version " + v + "; this gateway speaks " + protocol.Version,
				Param:   source,
				Code:    "unsupported_version",
			}, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestedVersions(r *http.Request) (source string, versions []string) {
	if isSessionUpgrade(r) {
		return versionQuery, headerTokens(r.URL.Query()[versionQuery])
	}
	return versionHeader, headerTokens(r.Header.Values(versionHeader))
}
