package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/listingiq/listingiq/internal/job"
	"github.com/listingiq/listingiq/internal/prompt"
)

// sseHeartbeat is the interval of comment frames that keep idle streams open through proxies.
var sseHeartbeat = 15 * time.Second

// StreamSSE handles GET /api/v1/analysis/jobs/{id}/events.
// It streams job_update events for the job until it is terminal or the client disconnects.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")
	user := Principal(r.Context())
	if _, err := h.queue.Status(id, user); err != nil {
		writeErr(w, err)
		return
	}

	ch, cancel := h.queue.Subscribe(id)
	defer cancel()

	// Read the state after subscribing so no update in between is lost.
	j, err := h.queue.Status(id, user)
	if err != nil {
		writeErr(w, err)
		return
	}

	startSSE(w)
	writeSSEEvent(w, flusher, "job_update", j)
	if j.Status.IsTerminal() {
		return
	}

	last := j.Revision
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case snap := <-ch:
			if snap.Revision <= last {
				continue
			}
			last = snap.Revision
			writeSSEEvent(w, flusher, "job_update", snap)
			if snap.Status.IsTerminal() {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// AnalyzeStream handles POST /api/v1/analyze/stream. It submits an analysis and
// streams its sections on the same response. Disconnecting cancels the job.
func (h *Handler) AnalyzeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	req, ok := h.decodeCreate(w, r)
	if !ok {
		return
	}
	observers, ok := h.observersFor(w, req)
	if !ok {
		return
	}

	user := Principal(r.Context())
	in := req.Input()
	id, err := h.queue.Submit(user, in, observers...)
	if err != nil {
		writeErr(w, err)
		return
	}

	ch, cancel := h.queue.Subscribe(id)
	defer cancel()
	j, err := h.queue.Status(id, user)
	if err != nil {
		writeErr(w, err)
		return
	}

	startSSE(w)
	writeSSEEvent(w, flusher, "analysis_started", map[string]any{
		"job_id":           id,
		"property_title":   j.Input.Title,
		"sections":         prompt.Keys(),
		"estimated_tokens": prompt.TotalTokens(in),
	})

	sent := make(map[string]bool)
	emit := func(snap *job.Job) bool {
		for _, key := range prompt.Keys() {
			data, ok := snap.Results[key]
			if !ok || sent[key] {
				continue
			}
			sent[key] = true
			writeSSEEvent(w, flusher, "section_complete", map[string]any{
				"section":  key,
				"data":     data,
				"progress": snap.Progress,
			})
		}
		switch snap.Status {
		case job.StatusCompleted:
			writeSSEEvent(w, flusher, "analysis_complete", map[string]any{"job_id": id, "results": snap.Results})
			return true
		case job.StatusFailed:
			writeSSEEvent(w, flusher, "error", map[string]string{"message": snap.ErrorMessage})
			return true
		case job.StatusCancelled:
			writeSSEEvent(w, flusher, "error", map[string]string{"message": "analysis cancelled"})
			return true
		}
		return false
	}

	if emit(j) {
		return
	}
	last := j.Revision
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case snap := <-ch:
			if snap.Revision <= last {
				continue
			}
			last = snap.Revision
			if emit(snap) {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			if h.queue.Cancel(id, user) {
				slog.Info("stream client disconnected, job cancelled", "job_id", id)
			}
			return
		}
	}
}

// startSSE writes the event-stream headers and lifts the server write deadline.
func startSSE(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
