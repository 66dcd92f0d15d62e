package circulation

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shelfledger/internal/web"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the loan routes on an authenticated router. admin guards
// the routes that change inventory.
func (h *Handler) Register(r chi.Router, admin func(http.Handler) http.Handler) {
	r.Get("/loans", h.HandleListLoans)
	r.Get("/loans/{id}/history", h.HandleLoanHistory)
	r.With(admin).Post("/loans", h.HandleCreateLoan)
	r.With(admin).Put("/loans/return/{id}", h.HandleReturnLoan)
}

func (h *Handler) HandleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	loan, err := h.service.CreateLoan(r.Context(), req)
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	web.JSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleReturnLoan(w http.ResponseWriter, r *http.Request) {
	id, err := web.UUIDParam(r, "id")
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	if err := h.service.ReturnLoan(r.Context(), id); err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	web.Message(w, http.StatusOK, "loan returned")
}

func (h *Handler) HandleListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.ListLoans(r.Context())
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	web.JSON(w, http.StatusOK, loans)
}

func (h *Handler) HandleLoanHistory(w http.ResponseWriter, r *http.Request) {
	id, err := web.UUIDParam(r, "id")
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	events, err := h.service.LoanHistory(r.Context(), id)
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	web.JSON(w, http.StatusOK, events)
}
