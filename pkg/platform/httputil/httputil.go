// Package httputil holds small JSON response helpers shared by handlers and middleware.
package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of a handler-level error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes v as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an error body. Server errors never echo the message,
// which may carry internal detail.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		message = ""
	}
	WriteJSON(w, status, ErrorResponse{Error: code, Message: message})
}
