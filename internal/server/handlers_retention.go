package server

import (
	"net/http"

	"github.com/kiroku-ai/kiroku/internal/model"
)

// HandlePurge handles POST /v1/retention/purge (admin-only).
// Deletes events recorded strictly before the cutoff and sessions started
// strictly before it, from both the live log and the archive. Rows exactly at
// the cutoff are retained. dry_run reports archive counts without deleting.
func (h *Handlers) HandlePurge(w http.ResponseWriter, r *http.Request) {
	var req model.PurgeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.Before.IsZero() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "before is required")
		return
	}

	if req.DryRun {
		resp := model.PurgeResponse{DryRun: true}
		if h.db != nil {
			counts, err := h.db.CountEligible(r.Context(), req.Before)
			if err != nil {
				h.writeInternalError(w, r, "failed to count eligible rows", err)
				return
			}
			resp.Events = counts.Events
			resp.Sessions = counts.Sessions
		} else {
			// No archive: report what the live log would drop.
			events, sessions := h.manager.CountOldData(req.Before)
			resp.Events = int64(events)
			resp.Sessions = int64(sessions)
		}
		writeJSON(w, r, http.StatusOK, resp)
		return
	}

	resp := model.PurgeResponse{}
	if h.db != nil {
		counts, err := h.db.PurgeBefore(r.Context(), req.Before)
		if err != nil {
			h.writeInternalError(w, r, "purge failed", err)
			return
		}
		resp.Events = counts.Events
		resp.Sessions = counts.Sessions
	}

	memEvents, memSessions := h.manager.ClearOldData(req.Before)
	if h.db == nil {
		resp.Events = int64(memEvents)
		resp.Sessions = int64(memSessions)
	}

	agentID := ""
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		agentID = claims.AgentID
	}
	h.logger.Info("retention purge",
		"before", req.Before,
		"archive_events", resp.Events,
		"archive_sessions", resp.Sessions,
		"live_events", memEvents,
		"live_sessions", memSessions,
		"agent_id", agentID,
		"request_id", RequestIDFromContext(r.Context()),
	)

	writeJSON(w, r, http.StatusOK, resp)
}
