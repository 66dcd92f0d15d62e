package reports

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shelfledger/internal/apperr"
	"shelfledger/internal/circulation"
	"shelfledger/internal/web"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/reports/returned-loans", h.HandleReturnedLoans)
	r.Get("/reports/overdue-loans", h.HandleOverdueLoans)
	r.Get("/reports/due-soon", h.HandleDueSoon)
	r.Get("/reports/dashboard", h.HandleDashboard)
}

func (h *Handler) HandleReturnedLoans(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	rows, err := h.service.ReturnedLoans(r.Context(), rng)
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusOK, rows)
}

func (h *Handler) HandleOverdueLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.OverdueLoans(r.Context())
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusOK, loans)
}

func (h *Handler) HandleDueSoon(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.DueSoon(r.Context())
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusOK, loans)
}

func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Dashboard(r.Context())
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusOK, d)
}

func parseRange(r *http.Request) (Range, error) {
	var rng Range
	q := r.URL.Query()
	for key, dst := range map[string]**circulation.Date{"start_date": &rng.Start, "end_date": &rng.End} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		d, err := circulation.ParseDate(raw)
		if err != nil {
			return Range{}, apperr.Validation("%s: %v", key, err)
		}
		*dst = &d
	}
	return rng, nil
}
