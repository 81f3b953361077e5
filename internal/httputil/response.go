// Package httputil contains shared HTTP utilities for consistent response formatting across handlers.
package httputil

import (
	"net/http"

	"github.com/go-json-experiment/json"
)

func WriteJSON(w http.ResponseWriter, v any, status int) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	return json.MarshalWrite(w, v)
}

func WriteJSONError(w http.ResponseWriter, message string, status int) {
	_ = WriteJSON(w, map[string]string{
		"error": message,
	}, status)
}
