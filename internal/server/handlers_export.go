package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kiroku-ai/kiroku/internal/model"
	"github.com/kiroku-ai/kiroku/internal/service/record"
)

// HandleExport handles GET /v1/export.
// Serializes the full live state (events, sessions, analytics) in the
// requested format. Only "json" is supported; the format parameter exists so
// unsupported formats fail loudly instead of defaulting.
func (h *Handlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	data, err := h.manager.Export(format)
	if err != nil {
		if errors.Is(err, record.ErrUnsupportedFormat) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("unsupported export format: %q", format))
			return
		}
		h.writeInternalError(w, r, "export failed", err)
		return
	}

	filename := fmt.Sprintf("kiroku-export-%s.json", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleExportEvents handles GET /v1/export/events (admin-only).
// Streams archived events as NDJSON (one JSON object per line). Uses keyset
// (cursor-based) pagination so every page is O(1) regardless of position in
// the result set; optional from/to query params bound the window.
func (h *Handlers) HandleExportEvents(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			"archive export not available (no database configured)")
		return
	}

	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	cursorTime := time.Unix(0, 0).UTC()
	if from != nil {
		// Keyset comparison is strict; back off one tick so "from" is inclusive.
		cursorTime = from.Add(-time.Nanosecond)
	}
	cursorID := uuid.Nil

	filename := fmt.Sprintf("kiroku-events-%s.ndjson", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("Cache-Control", "no-cache")

	const pageSize = 500
	encoder := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	firstPage := true

	for {
		events, err := h.db.ExportEventsPage(r.Context(), cursorTime, cursorID, pageSize)
		if err != nil {
			h.logger.Error("event export failed", "error", err)
			if firstPage {
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "export failed")
			}
			return
		}
		firstPage = false

		done := false
		for _, e := range events {
			if to != nil && e.RecordedAt.After(*to) {
				done = true
				break
			}
			if err := encoder.Encode(e); err != nil {
				return // Client disconnected.
			}
		}

		if flusher != nil {
			flusher.Flush()
		}

		if done || len(events) < pageSize {
			return
		}

		last := events[len(events)-1]
		cursorTime = last.RecordedAt
		cursorID = last.ID
	}
}
