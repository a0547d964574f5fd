package server

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/kiroku-ai/kiroku/internal/model"
)

// HandleRecordEvents handles POST /v1/events.
// Accepts a batch of events, appends them to the live log, and queues them
// for archival. Events referencing unknown sessions are accepted but only
// land in the global log.
func (h *Handlers) HandleRecordEvents(w http.ResponseWriter, r *http.Request) {
	var req model.RecordEventsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if len(req.Events) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "events must not be empty")
		return
	}
	if len(req.Events) > model.MaxEventsPerRequest {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("too many events: %d (max %d)", len(req.Events), model.MaxEventsPerRequest))
		return
	}

	claims := ClaimsFromContext(r.Context())
	for i := range req.Events {
		if req.Events[i].AgentID == "" && claims != nil {
			req.Events[i].AgentID = claims.AgentID
		}
		if err := req.Events[i].Validate(); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("events[%d]: %v", i, err))
			return
		}
		if req.Events[i].SessionID == uuid.Nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("events[%d]: session_id is required", i))
			return
		}
	}

	recorded := make([]model.Event, 0, len(req.Events))
	for _, input := range req.Events {
		recorded = append(recorded, h.manager.RecordEvent(input))
	}

	// Queue for archival. A full buffer means the archive can't keep up;
	// signal backpressure so well-behaved clients slow down. The events are
	// already in the live log and counted by analytics.
	if h.buffer != nil {
		if err := h.buffer.Append(r.Context(), recorded); err != nil {
			h.logger.Error("event buffer rejected batch",
				"count", len(recorded), "error", err)
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
				"event archive saturated, retry later")
			return
		}
	}

	writeJSON(w, r, http.StatusAccepted, model.RecordEventsResponse{
		Events:   recorded,
		Accepted: len(recorded),
	})
}
