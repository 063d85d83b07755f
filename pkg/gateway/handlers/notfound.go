package handlers

import (
	"net/http"

	"github.com/vango-go/convo-gateway/pkg/gateway/apierror"
	"github.com/vango-go/convo-gateway/pkg/gateway/mw"
)

// NotFoundHandler answers every unrouted path with a JSON not_found_error naming the path.
type NotFoundHandler struct{}

func (NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, reqID, &apierror.Error{
		Type:    apierror.ErrNotFound,
		Message: "no route for " + r.Method + " " + r.URL.Path,
		Code:    "route_not_found",
	}, http.StatusNotFound)
}
