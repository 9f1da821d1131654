package handlers

import (
	"net/http"
	"strconv"

	"github.com/gluk-w/webterm/internal/logging"
)

// HealthCheck is the plain liveness probe.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Status reports process status and session counts, with per-session
// summaries from the registry snapshot.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snapshot := h.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "running",
		"sessions":     h.registry.Count(),
		"max_sessions": h.registry.Max(),
		"details":      snapshot,
	})
}

// Logs returns the tail of the relay log file.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid lines parameter")
			return
		}
		lines = n
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read log")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(tail))
}
