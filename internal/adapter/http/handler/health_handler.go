package handler

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck checks one backend.
type HealthCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check HealthCheck
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	checks  []namedCheck
	timeout time.Duration
}

// NewHealthHandler creates a new HealthHandler with no backend checks.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{timeout: 5 * time.Second}
}

// WithCheck registers a readiness check under name.
func (h *HealthHandler) WithCheck(name string, check HealthCheck) *HealthHandler {
	h.checks = append(h.checks, namedCheck{name: name, check: check})
	return h
}

// Liveness returns 200 if the service is alive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness returns 200 if every registered backend answers.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := map[string]string{"status": "ready"}
	status := http.StatusOK

	for _, c := range h.checks {
		if err := c.check(ctx); err != nil {
			resp[c.name] = err.Error()
			resp["status"] = "unavailable"
			status = http.StatusServiceUnavailable

			continue
		}

		resp[c.name] = "ok"
	}

	writeJSON(w, status, resp)
}
