package handlers

import "net/http"

// Health handles GET /healthz. It reports database connectivity.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.respondJson(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	h.respondJson(w, http.StatusOK, map[string]string{"status": "ok"})
}
