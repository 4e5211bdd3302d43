// Package api exposes the session coordinator over HTTP. The handlers hold
// no business logic; every operation is a pass-through to the coordinator.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentpilot/agentpilot/internal/coordinator"
	"github.com/agentpilot/agentpilot/internal/store"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// WriteDomainError maps a coordinator error onto an HTTP status and writes
// it, including the error's details map when present.
func WriteDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var notFound *store.NotFoundError
	var capacity *store.CapacityError
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &capacity):
		status = http.StatusTooManyRequests
	}

	body := map[string]any{"error": err.Error()}
	var domErr *coordinator.DomainError
	if errors.As(err, &domErr) {
		if status == http.StatusInternalServerError && domErr.Err == nil {
			// Pure validation failures (wrong state, unvetted tool) carry no cause.
			status = http.StatusConflict
		}
		if len(domErr.Details) > 0 {
			body["details"] = domErr.Details
		}
	}

	JSON(w, status, body)
}
