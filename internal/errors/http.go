package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// httpResponse is the structured error body returned by all HTTP surfaces.
type httpResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// StatusCode maps an error kind to its HTTP status.
func StatusCode(err error) int {
	switch GetKind(err) {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotOwner:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP renders err as a structured JSON response. Fatal errors are
// logged here because their detail must not leak to the caller.
func WriteHTTP(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	resp := httpResponse{Error: string(GetKind(err))}
	if status == http.StatusInternalServerError {
		slog.Error("Internal error at HTTP boundary", "error", err)
		resp.Detail = "internal error"
	} else {
		resp.Detail = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		slog.Error("Failed to encode error response", "error", encErr)
	}
}
