package circulation

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the circulation endpoints. scan wraps the borrow and return
// endpoints, typically with a rate limiter.
func (h *Handler) Routes(r chi.Router, scan ...func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(scan...)
		r.Post("/borrow", h.handleBorrow)
		r.Post("/return", h.handleReturn)
	})
	r.Get("/loans", h.handleListLoans)
	r.Get("/loans/{id}", h.handleGetLoan)
	r.Get("/loans/{id}/history", h.handleLoanHistory)
	r.Post("/sweep", h.handleSweep)
}

// BorrowRequest is the body of POST /borrow.
type BorrowRequest struct {
	MemberCode string `json:"member_code"`
	CopyCode   string `json:"copy_code"`
}

// ReturnRequest is the body of POST /return.
type ReturnRequest struct {
	CopyCode string `json:"copy_code"`
}

// ScanResponse is returned by the borrow and return endpoints.
type ScanResponse struct {
	Message            string    `json:"message"`
	Loan               *Loan     `json:"loan,omitempty"`
	NotificationQueued bool      `json:"notification_queued"`
	Kind               ErrorKind `json:"kind,omitempty"`
}

func (h *Handler) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req BorrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.service.Borrow(r.Context(), req.MemberCode, req.CopyCode)
	if err != nil {
		writeRejection(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ScanResponse{
		Message:            res.Message(),
		Loan:               res.Loan,
		NotificationQueued: res.NotificationQueued,
	})
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.service.Return(r.Context(), req.CopyCode)
	if err != nil {
		writeRejection(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ScanResponse{
		Message:            res.Message(),
		Loan:               res.Loan,
		NotificationQueued: res.NotificationQueued,
	})
}

func (h *Handler) handleListLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Status: Status(q.Get("status")),
		Search: q.Get("q"),
	}
	switch filter.Status {
	case "", StatusBorrowed, StatusOverdue, StatusReturned:
	default:
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if filter.Status == "" && q.Get("all") == "" {
		filter.OpenOnly = true
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = uint(n)
	}

	loans, err := h.service.ListLoans(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if loans == nil {
		loans = []LoanView{}
	}
	writeJSON(w, http.StatusOK, loans)
}

func (h *Handler) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid loan ID", http.StatusBadRequest)
		return
	}

	loan, err := h.service.GetLoan(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleLoanHistory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid loan ID", http.StatusBadRequest)
		return
	}

	events, err := h.service.LoanHistory(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.SweepOverdue(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"transitioned": n})
}

func writeRejection(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	if kind == "" {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, statusFor(err), ScanResponse{Message: err.Error(), Kind: kind})
}

func statusFor(err error) int {
	switch KindOf(err) {
	case KindInput:
		return http.StatusBadRequest
	case KindLookup:
		return http.StatusNotFound
	case KindBusinessRule:
		return http.StatusConflict
	case KindIntegrity:
		return http.StatusInternalServerError
	}
	if errors.Is(err, ErrLoanNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
