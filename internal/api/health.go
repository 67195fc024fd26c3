package api

import (
	"context"
	"net/http"
	"time"

	"github.com/saurabh81106/onceview/internal/store"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// healthHandler reports the backing store's reachability.
func healthHandler(backend store.Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		checks := make(map[string]Check)
		status := "healthy"
		statusCode := http.StatusOK

		start := time.Now()
		if err := backend.Ping(ctx); err != nil {
			checks["store"] = Check{Status: "fail", Message: "connection failed"}
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["store"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}

		writeJSON(w, statusCode, HealthResponse{
			Status:    status,
			Version:   version,
			Checks:    checks,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}
