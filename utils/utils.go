// Package utils holds small HTTP helpers shared by the JSON endpoints of
// the server.
package utils

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// WriteJSON serializes data with the given status. Encoding failures can
// only be logged since the header is already out.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("cannot encode json response", "status", status, "error", err)
	}
}

type HealthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// WriteHealth reports dbErr, the result of pinging the database, as 200
// or 503.
func WriteHealth(w http.ResponseWriter, dbErr error) {
	if dbErr != nil {
		slog.Warn("health check failed", "error", dbErr)
		WriteJSON(w, http.StatusServiceUnavailable, HealthStatus{Status: "degraded", Database: dbErr.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, HealthStatus{Status: "ok", Database: "ok"})
}
