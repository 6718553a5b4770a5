package httpapi

import (
	"context"
	"net/http"
	"time"
)

const readinessTimeout = 5 * time.Second

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports whether the store and the upstream server respond.
func (r *Router) handleReady(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), readinessTimeout)
	defer cancel()

	resp := readyResponse{Status: "ready", Checks: map[string]string{}}
	status := http.StatusOK

	check := func(name string, probe func(context.Context) error) {
		if err := probe(ctx); err != nil {
			r.logger.Warn(ctx, "readiness check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			return
		}
		resp.Checks[name] = "ok"
	}

	check("store", r.store.PingContext)
	check("upstream", func(ctx context.Context) error {
		_, err := r.upstream.ServerSettings(ctx)
		return err
	})

	writeJSON(w, status, resp)
}
