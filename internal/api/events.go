package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/qgate/internal/model"
	"github.com/seantiz/qgate/internal/store"
)

// handleStreamEvents streams the job's status changes as server-sent events
// until it reaches a terminal state.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := identity(r)

	// Subscribe before reading the job so a transition between the two
	// cannot be missed.
	ch, unsub := s.events.Subscribe(id)
	defer unsub()

	j, err := s.jobs.GetOwnedJob(r.Context(), owner, id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	eventStreams.Inc()
	defer eventStreams.Dec()
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	current := model.JobEvent{JobID: j.ID, Status: j.Status, ErrorMessage: j.ErrorMessage, At: j.UpdatedAt}
	if err := writeSSEEvent(w, "status", current); err != nil {
		return
	}
	flush()
	if model.IsTerminal(j.Status) {
		_ = writeSSEEvent(w, "done", current)
		flush()
		return
	}

	last := j.Status
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", model.JobEvent{JobID: id, Status: last})
				flush()
				return
			}
			if ev.Status == last {
				continue
			}
			last = ev.Status
			if err := writeSSEEvent(w, "status", ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEEvent writes a named SSE event with a JSON data line.
func writeSSEEvent(w http.ResponseWriter, eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
