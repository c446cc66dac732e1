package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// HealthResponse represents the JSON response from the health check endpoint.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  string            `json:"timestamp"`
}

// HealthChecker interface defines the health check dependency.
// The vector stores implement this via their Health() method.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

func (f HealthFunc) Health(ctx context.Context) error {
	return f(ctx)
}

// NewHealthHandler creates an HTTP handler for the /health endpoint. Every
// named component is checked; any failure makes the service unhealthy.
func NewHealthHandler(checks map[string]HealthChecker) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		response := HealthResponse{
			Status:     "healthy",
			Components: make(map[string]string, len(names)),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}
		status := http.StatusOK
		for _, name := range names {
			if err := checks[name].Health(ctx); err != nil {
				response.Components[name] = "disconnected"
				response.Status = "unhealthy"
				status = http.StatusServiceUnavailable
				continue
			}
			response.Components[name] = "connected"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(response)
	}
}
