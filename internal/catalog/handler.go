package catalog

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

// Register mounts the book routes on an authenticated router.
func (h *Handler) Register(r chi.Router, admin func(http.Handler) http.Handler) {
	r.Get("/books", h.HandleListBooks)
	r.Get("/books/search", h.HandleSearch)
	r.Get("/books/{id}", h.HandleGetBook)
	r.With(admin).Post("/books", h.HandleAddBook)
	r.With(admin).Put("/books/{id}", h.HandleUpdateBook)
	r.With(admin).Delete("/books/{id}", h.HandleDeleteBook)
}

func (h *Handler) HandleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusOK, books)
}

func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusOK, books)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := web.UUIDParam(r, "id")
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusOK, book)
}

func (h *Handler) HandleAddBook(w http.ResponseWriter, r *http.Request) {
	var in BookInput
	if err := web.Decode(r, &in); err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	book, err := h.service.AddBook(r.Context(), in)
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusCreated, book)
}

func (h *Handler) HandleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, err := web.UUIDParam(r, "id")
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	var in BookInput
	if err := web.Decode(r, &in); err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	book, err := h.service.UpdateBook(r.Context(), id, in)
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusOK, book)
}

func (h *Handler) HandleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := web.UUIDParam(r, "id")
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	if err := h.service.DeleteBook(r.Context(), id); err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.Message(w, http.StatusOK, "book deleted")
}
