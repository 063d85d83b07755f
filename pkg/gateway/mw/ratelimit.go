package mw

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/convo-gateway/pkg/gateway/apierror"
	"github.com/vango-go/convo-gateway/pkg/gateway/auth"
	"github.com/vango-go/convo-gateway/pkg/gateway/config"
	"github.com/vango-go/convo-gateway/pkg/gateway/principal"
	"github.com/vango-go/convo-gateway/pkg/gateway/ratelimit"
)

// RateLimit spends a connect token per /v1 request. Session upgrades are keyed by the
// presented API key when there is one, otherwise by client address.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAPIPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := principal.Resolve(r, cfg).Key
		if isSessionUpgrade(r) {
			if apiKey := strings.TrimSpace(auth.SessionKey(r)); apiKey != "" {
				key = ratelimit.PrincipalKeyFromAPIKey(apiKey)
			}
		}

		dec := limiter.AllowConnect(key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			var retryAfter *int
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				v := dec.RetryAfter
				retryAfter = &v
			}
			apierror.Write(w, reqID, &apierror.Error{
				Type:       apierror.ErrRateLimit,
				Message:    "rate limit exceeded",
				RetryAfter: retryAfter,
			}, http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
