package audit

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	auditor *Auditor
}

func NewHandler(auditor *Auditor) *Handler {
	return &Handler{auditor: auditor}
}

// Routes mounts the audit endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/audit", h.handleRun)
	r.Get("/audit", h.handleLast)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	writeReport(w, h.auditor.Run(r.Context()))
}

func (h *Handler) handleLast(w http.ResponseWriter, r *http.Request) {
	report := h.auditor.Last()
	if report == nil {
		http.Error(w, "no audit has run yet", http.StatusNotFound)
		return
	}
	writeReport(w, report)
}

func writeReport(w http.ResponseWriter, report *Report) {
	w.Header().Set("Content-Type", "application/json")
	if !report.Healthy {
		w.WriteHeader(http.StatusConflict)
	}
	json.NewEncoder(w).Encode(report)
}
