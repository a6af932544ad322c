package api

import (
	"context"
	"net/http"
	"time"
)

// readyTimeout bounds each readiness probe.
const readyTimeout = 2 * time.Second

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler pings every configured backend and reports 503 if any is
// down.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	allReady := true
	components := make(map[string]map[string]string, len(s.checks))
	for _, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		err := c.pinger.Ping(ctx)
		cancel()

		status := map[string]string{"status": "up"}
		if err != nil {
			status["status"] = "down"
			status["error"] = err.Error()
			allReady = false
			s.logger.Warn("readiness check failed", "component", c.name, "error", err)
		}
		components[c.name] = status
	}

	code := http.StatusOK
	overall := "ready"
	if !allReady {
		code = http.StatusServiceUnavailable
		overall = "not_ready"
	}
	writeJSON(w, code, map[string]any{
		"status":     overall,
		"components": components,
	})
}
