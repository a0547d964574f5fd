package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/storage"
)

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	idStr := r.PathValue("session_id")
	if idStr == "" {
		return uuid.Nil, fmt.Errorf("session_id is required")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session_id: %s", idStr)
	}
	return id, nil
}

func sessionResponse(s model.Session, includeEvents bool) model.SessionResponse {
	resp := model.SessionResponse{
		ID:         s.ID,
		UserID:     s.UserID,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		Metadata:   s.Metadata,
		EventCount: len(s.Events),
	}
	if includeEvents {
		resp.Events = s.Events
	}
	return resp
}

// HandleStartSession handles POST /v1/sessions.
func (h *Handlers) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	var req model.StartSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Metadata) > model.MaxMetadataEntries {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("metadata exceeds %d entries", model.MaxMetadataEntries))
		return
	}

	session := h.manager.StartSession(req.UserID, req.Metadata)

	// Archive the session row. Best-effort: the live registry is the source
	// of truth; a failed insert only delays archival until rehydration.
	if h.db != nil {
		if err := h.db.InsertSession(r.Context(), session); err != nil {
			h.logger.Warn("failed to archive session",
				"session_id", session.ID, "error", err)
		}
	}

	writeJSON(w, r, http.StatusCreated, sessionResponse(session, false))
}

// HandleEndSession handles POST /v1/sessions/{session_id}/end.
// Ending an unknown session is a no-op; ending twice keeps the first end time.
func (h *Handlers) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	known := h.manager.EndSession(id)
	if !known {
		writeJSON(w, r, http.StatusOK, map[string]any{
			"session_id": id,
			"ended":      false,
		})
		return
	}

	session, _ := h.manager.Session(id)
	if h.db != nil && session.EndedAt != nil {
		if dbErr := h.db.UpdateSessionEnd(r.Context(), id, *session.EndedAt); dbErr != nil {
			h.logger.Warn("failed to archive session end",
				"session_id", id, "error", dbErr)
		}
	}

	writeJSON(w, r, http.StatusOK, sessionResponse(session, false))
}

// HandleGetSession handles GET /v1/sessions/{session_id}.
// Checks the live registry first and falls back to the archive for sessions
// outside the rehydration window.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if session, ok := h.manager.Session(id); ok {
		writeJSON(w, r, http.StatusOK, sessionResponse(session, true))
		return
	}

	if h.db == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found: "+id.String())
		return
	}

	session, err := h.db.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found: "+id.String())
			return
		}
		h.writeInternalError(w, r, "failed to load session", err)
		return
	}

	limit := queryLimit(r, maxQueryLimit)
	events, err := h.db.GetEventsBySession(r.Context(), id, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to load session events", err)
		return
	}
	session.Events = events

	writeJSON(w, r, http.StatusOK, sessionResponse(session, true))
}
