package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/listingiq/listingiq/internal/report"
)

type saveRequest struct {
	JobID string `json:"job_id"`
}

// requireReports writes a 503 when no repository is configured.
func (h *Handler) requireReports(w http.ResponseWriter) bool {
	if h.reports == nil {
		writeError(w, http.StatusServiceUnavailable, "saved analyses are not configured")
		return false
	}
	return true
}

// SaveAnalysis handles POST /api/v1/analyses and stores a completed job of the caller.
func (h *Handler) SaveAnalysis(w http.ResponseWriter, r *http.Request) {
	if !h.requireReports(w) {
		return
	}
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	j, err := h.queue.Status(req.JobID, Principal(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	rep, err := report.FromJob(j)
	if err != nil {
		writeErr(w, err)
		return
	}
	saved, err := h.reports.Save(r.Context(), rep)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// ListAnalyses handles GET /api/v1/analyses.
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	if !h.requireReports(w) {
		return
	}
	limit, offset := pageParams(r)
	reports, total, err := h.reports.List(r.Context(), Principal(r.Context()), limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": reports,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// GetAnalysis handles GET /api/v1/analyses/{id}.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	if !h.requireReports(w) {
		return
	}
	rep, err := h.reports.Get(r.Context(), r.PathValue("id"), Principal(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	if rep == nil {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// DeleteAnalysis handles DELETE /api/v1/analyses/{id} and responds 204.
func (h *Handler) DeleteAnalysis(w http.ResponseWriter, r *http.Request) {
	if !h.requireReports(w) {
		return
	}
	ok, err := h.reports.Delete(r.Context(), r.PathValue("id"), Principal(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteUserAnalyses handles DELETE /api/v1/user/analyses and removes every saved analysis of the caller.
func (h *Handler) DeleteUserAnalyses(w http.ResponseWriter, r *http.Request) {
	if !h.requireReports(w) {
		return
	}
	user := Principal(r.Context())
	n, err := h.reports.DeleteByOwner(r.Context(), user)
	if err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("user analyses deleted", "user", user, "count", n)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}
