package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes, mirroring the documented HTTP status mapping
// (400/403/404/405/500) plus a 429 for rate limiting.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeNotAuthorized    = "not_authorized"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeTooManyRequests  = "too_many_requests"
	ErrCodeInternal         = "internal_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeMethodNotAllowed writes a 405 error response: the interface is
// GET-only.
func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed, this interface is GET-only")
}

// writeFromError maps an ebuserr.Kind-carrying error to its documented
// HTTP status code and writes the response.
func writeFromError(w http.ResponseWriter, err error) {
	kind := ebuserr.KindOf(err)
	writeError(w, kind.HTTPStatus(), string(kind), err.Error())
}
