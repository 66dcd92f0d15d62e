package settings

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shelfledger/internal/apperr"
	"shelfledger/internal/web"
)

// Saver persists new settings.
type Saver interface {
	Save(ctx context.Context, in Settings) error
}

type Handler struct {
	provider Provider
	saver    Saver
	logger   *slog.Logger
}

func NewHandler(provider Provider, saver Saver, logger *slog.Logger) *Handler {
	return &Handler{provider: provider, saver: saver, logger: logger}
}

func (h *Handler) Register(r chi.Router, admin func(http.Handler) http.Handler) {
	r.Get("/settings", h.HandleGet)
	r.With(admin).Post("/settings", h.HandleSave)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	s, err := h.provider.Get(r.Context())
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusOK, s)
}

func (h *Handler) HandleSave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DaysForReturn    *int     `json:"days_for_return"`
		FinePerDay       *float64 `json:"fine_per_day"`
		NotificationDays *int     `json:"notification_days"`
	}
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	if req.DaysForReturn == nil || req.FinePerDay == nil || req.NotificationDays == nil {
		web.Error(w, r, h.logger, apperr.Validation("days_for_return, fine_per_day and notification_days are required"))
		return
	}

	in := Settings{DaysForReturn: *req.DaysForReturn, FinePerDay: *req.FinePerDay, NotificationDays: *req.NotificationDays}
	if err := h.saver.Save(r.Context(), in); err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "settings saved",
		"days_for_return", in.DaysForReturn,
		"fine_per_day", in.FinePerDay,
		"notification_days", in.NotificationDays,
	)
	web.Message(w, http.StatusOK, "settings saved")
}
