package server

import (
	"errors"
	"net/http"

	"github.com/kiroku-ai/kiroku/internal/auth"
	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/storage"
)

// HandleRotateAgentKey handles POST /v1/agents/{agent_id}/rotate-key.
// Generates a fresh API key for the agent and stores its hash. The previous
// key stops working immediately; outstanding JWTs remain valid until expiry.
func (h *Handlers) HandleRotateAgentKey(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			"agent management not available (no agent store configured)")
		return
	}

	agentID := r.PathValue("agent_id")
	if agentID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id is required")
		return
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	if err := h.db.UpdateAgentKeyHash(r.Context(), agentID, hash); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to rotate api key", err)
		return
	}

	h.logger.Info("agent api key rotated",
		"agent_id", agentID,
		"request_id", RequestIDFromContext(r.Context()),
	)

	writeJSON(w, r, http.StatusOK, model.RotateKeyResponse{
		AgentID: agentID,
		APIKey:  key,
	})
}
