package scheduler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	scheduler *Scheduler
}

func NewHandler(scheduler *Scheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

// Routes mounts the job endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/jobs", h.handleList)
	r.Post("/jobs/{name}", h.handleRun)
}

// RunResponse is the body of POST /jobs/{name}.
type RunResponse struct {
	Job   string `json:"job"`
	Items int    `json:"items"`
	Error string `json:"error,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.scheduler.Jobs())
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	n, err := h.scheduler.RunNow(r.Context(), name)
	if errors.Is(err, ErrUnknownJob) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	resp := RunResponse{Job: name, Items: n}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
