package proxy

import (
	"encoding/json"
	"net/http"
)

// Kind is one of the pipeline's error classifications. Each pipeline stage
// produces at most one Error, giving the state machine a single exit path
// per stage rather than ad hoc http.Error(w, msg, status) call-sites
// scattered across every handler.
type Kind string

const (
	KindBadRequest      Kind = "bad_request"
	KindAuthFailure     Kind = "auth_failure"
	KindPermissionDenied Kind = "permission_denied"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindRateLimited     Kind = "rate_limited"
	KindSecretBlocked   Kind = "secret_blocked"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindUpstreamError   Kind = "upstream_error"
	KindMappingLost     Kind = "mapping_lost"
	KindInternal        Kind = "internal"
)

// statusFor maps a Kind to its default HTTP status.
var statusFor = map[Kind]int{
	KindBadRequest:       http.StatusBadRequest,
	KindAuthFailure:      http.StatusUnauthorized,
	KindPermissionDenied: http.StatusForbidden,
	KindQuotaExceeded:    http.StatusTooManyRequests,
	KindRateLimited:      http.StatusTooManyRequests,
	KindSecretBlocked:    http.StatusBadRequest,
	KindUpstreamTimeout:  http.StatusGatewayTimeout,
	KindUpstreamError:    http.StatusBadGateway,
	KindMappingLost:      http.StatusOK,
	KindInternal:         http.StatusInternalServerError,
}

// Error is the one error type every pipeline stage returns instead of a
// bare error or a direct http.Error call. Status defaults from Kind but can
// be overridden (UpstreamError passes through the upstream's own status).
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Code    string
	Cause   error
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Status: statusFor[kind], Message: message, Code: string(kind)}
}

func wrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Status: statusFor[kind], Message: message, Code: string(kind), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// errorBody is the JSON error envelope returned to clients:
// {error:{message, type, code}}.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// writeJSON renders e as the standard error envelope at its status code.
func (e *Error) writeJSON(w http.ResponseWriter) {
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	var body errorBody
	body.Error.Message = e.Message
	body.Error.Type = string(e.Kind)
	body.Error.Code = e.Code
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
