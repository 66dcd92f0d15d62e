package membership

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shelfledger/internal/session"
	"shelfledger/internal/web"
)

type Handler struct {
	service   Service
	authority session.Authority
	logger    *slog.Logger
}

func NewHandler(service Service, authority session.Authority, logger *slog.Logger) *Handler {
	return &Handler{service: service, authority: authority, logger: logger}
}

// RegisterPublic mounts the routes that need no session.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Post("/login", h.HandleLogin)
	r.Post("/register", h.HandleRegister)
	r.Post("/logout", h.HandleLogout)
}

// Register mounts the user routes on an authenticated router.
func (h *Handler) Register(r chi.Router, admin func(http.Handler) http.Handler) {
	r.Get("/users", h.HandleListUsers)
	r.Get("/users/search-by-name", h.HandleSearchByName)
	r.Get("/users/{id}", h.HandleGetUser)
	r.With(admin).Post("/users", h.HandleCreateUser)
	r.With(admin).Put("/users/{id}", h.HandleUpdateUser)
	r.With(admin).Delete("/users/{id}", h.HandleDeleteUser)
}

type sessionResponse struct {
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
	User    *User  `json:"user"`
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	user, err := h.service.Authenticate(r.Context(), req)
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	token, err := h.authority.Issue(r.Context(), user.Principal())
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	web.JSON(w, http.StatusOK, sessionResponse{Token: token, Message: "login successful", User: user})
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	user, err := h.service.Register(r.Context(), req)
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	web.JSON(w, http.StatusCreated, sessionResponse{Message: "registration complete, you can now log in", User: user})
}

func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if token := web.Token(r); token != "" {
		if err := h.authority.Revoke(r.Context(), token); err != nil {
			web.Error(w, r, h.logger, err)
			return
		}
	}
	web.Message(w, http.StatusOK, "logged out")
}

func (h *Handler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusOK, users)
}

func (h *Handler) HandleSearchByName(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.SearchUsersByName(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusOK, users)
}

func (h *Handler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := web.UUIDParam(r, "id")
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusOK, user)
}

func (h *Handler) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in UserInput
	if err := web.Decode(r, &in); err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	user, err := h.service.CreateUser(r.Context(), in)
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusCreated, user)
}

func (h *Handler) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := web.UUIDParam(r, "id")
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	var in UserInput
	if err := web.Decode(r, &in); err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	user, err := h.service.UpdateUser(r.Context(), id, in)
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.JSON(w, http.StatusOK, user)
}

func (h *Handler) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := web.UUIDParam(r, "id")
	if err != nil {
		web.Error(w, r, h.logger, err)
		return
	}

	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		web.Error(w, r, h.logger, err)
		return
	}
	web.Message(w, http.StatusOK, "user deleted")
}
