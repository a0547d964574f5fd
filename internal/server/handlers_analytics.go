package server

import "net/http"

// HandleAnalytics handles GET /v1/analytics.
// Serves the memoized snapshot; it is only recomputed when events were
// recorded or purged since the last computation.
func (h *Handlers) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.manager.Analytics())
}
