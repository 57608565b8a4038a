package httpapi

import (
	"encoding/json"
	"net/http"

	"gpumux/internal/registry"
	"gpumux/internal/scheduler"
	"gpumux/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusForError maps well-known service errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case registry.IsValidation(err):
		return http.StatusBadRequest
	case registry.IsNotFound(err):
		return http.StatusNotFound
	case registry.IsExists(err), registry.IsInvalidState(err):
		return http.StatusConflict
	case scheduler.IsClosed(err):
		return http.StatusServiceUnavailable
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeServiceError maps err and writes it as JSON.
func writeServiceError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusForError(err), err.Error())
}
