// Package apierror renders the gateway's HTTP JSON error bodies.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/convo-gateway/pkg/engine"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrAPI            ErrorType = "api_error"
)

// StatusOverloaded is returned while the gateway drains.
const StatusOverloaded = 529

type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	Code       string    `json:"code,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Type) + ": " + e.Message
}

type Envelope struct {
	Error *Error `json:"error"`
}

// Write sends err as a JSON envelope. A missing request id is filled from reqID.
func Write(w http.ResponseWriter, reqID string, err *Error, status int) {
	if err != nil && err.RequestID == "" {
		err.RequestID = reqID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: err})
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(apiErr.Type)
	}

	var notFound *engine.NotFoundError
	if errors.As(err, &notFound) {
		return &Error{
			Type:      ErrNotFound,
			Message:   notFound.Error(),
			Param:     "agent",
			Code:      "unknown_agent",
			RequestID: requestID,
		}, http.StatusNotFound
	}

	if errors.Is(err, engine.ErrContractViolation) {
		return &Error{
			Type:      ErrAPI,
			Message:   "agent returned an invalid state",
			Code:      "contract_violation",
			RequestID: requestID,
		}, http.StatusInternalServerError
	}

	// Unknown errors do not leak details.
	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrOverloaded:
		return StatusOverloaded
	default:
		return http.StatusInternalServerError
	}
}
