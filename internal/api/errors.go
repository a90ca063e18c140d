package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/novaos/core/internal/nova"
)

// Sanitized error codes. Everything a client can see comes from this table;
// internal error text never crosses the boundary.
const (
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeRateLimited     = "RATE_LIMITED"
	CodeServiceError    = "SERVICE_ERROR"
	CodeTimeout         = "TIMEOUT"
	CodeContentBlocked  = "CONTENT_BLOCKED"
	CodeVerificationReq = "VERIFICATION_REQUIRED"
	CodeAckRequired     = "ACKNOWLEDGMENT_REQUIRED"
)

// apiError is the wire form.
type apiError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RequestID    string `json:"requestId,omitempty"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

var errorTable = map[string]struct {
	status    int
	message   string
	retryable bool
}{
	CodeInvalidRequest:  {http.StatusBadRequest, "The request is malformed.", false},
	CodeUnauthorized:    {http.StatusUnauthorized, "Authentication is required.", false},
	CodeForbidden:       {http.StatusForbidden, "The request is not permitted.", false},
	CodeNotFound:        {http.StatusNotFound, "The resource does not exist.", false},
	CodeRateLimited:     {http.StatusTooManyRequests, "Too many requests.", true},
	CodeServiceError:    {http.StatusInternalServerError, "The service could not complete the request.", true},
	CodeTimeout:         {http.StatusGatewayTimeout, "The request timed out.", true},
	CodeContentBlocked:  {http.StatusUnprocessableEntity, "The request was declined.", false},
	CodeVerificationReq: {http.StatusUnprocessableEntity, "The reply could not be verified.", false},
	CodeAckRequired:     {http.StatusConflict, "Acknowledgment is required to proceed.", false},
}

// codeFor maps an internal error to its sanitized code.
func codeFor(err error) string {
	switch {
	case errors.Is(err, nova.ErrInvalidInput), errors.Is(err, nova.ErrSchemaViolation):
		return CodeInvalidRequest
	case errors.Is(err, nova.ErrUnauthenticated):
		return CodeUnauthorized
	case errors.Is(err, nova.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, nova.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, nova.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, nova.ErrProviderTimeout):
		return CodeTimeout
	default:
		return CodeServiceError
	}
}

// writeError emits the sanitized envelope for a code.
func writeError(w http.ResponseWriter, code, requestID string, retryAfterMs int64) {
	entry, ok := errorTable[code]
	if !ok {
		code = CodeServiceError
		entry = errorTable[code]
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(entry.status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: apiError{
		Code:         code,
		Message:      entry.message,
		RequestID:    requestID,
		Retryable:    entry.retryable,
		RetryAfterMs: retryAfterMs,
	}})
}

func writeInternalError(w http.ResponseWriter, err error, requestID string) {
	writeError(w, codeFor(err), requestID, 0)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
