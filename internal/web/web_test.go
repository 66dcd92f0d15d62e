package web

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfledger/internal/apperr"
	"shelfledger/internal/session"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubAuthority struct {
	tokens map[string]session.Principal
}

func (s stubAuthority) Issue(context.Context, session.Principal) (string, error) { return "", nil }
func (s stubAuthority) Revoke(context.Context, string) error                     { return nil }
func (s stubAuthority) Verify(_ context.Context, token string) (*session.Principal, error) {
	p, ok := s.tokens[token]
	if !ok {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid token")
	}
	return &p, nil
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Validation("bad"), http.StatusBadRequest},
		{apperr.NotFound("gone"), http.StatusNotFound},
		{apperr.Conflict("dup"), http.StatusConflict},
		{apperr.New(apperr.KindOutOfStock, "none left"), http.StatusConflict},
		{apperr.New(apperr.KindAlreadyReturned, "again"), http.StatusConflict},
		{apperr.New(apperr.KindUnauthorized, "who"), http.StatusUnauthorized},
		{apperr.New(apperr.KindForbidden, "no"), http.StatusForbidden},
		{apperr.New(apperr.KindRateLimited, "slow down"), http.StatusTooManyRequests},
		{apperr.Wrap(apperr.KindTransactionFailure, errors.New("deadlock"), "failed"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusOf(tt.err), tt.err.Error())
	}
}

func TestErrorHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(rec, req, discard(), apperr.Wrap(apperr.KindTransactionFailure, errors.New("pq: relation does not exist"), "failed to create loan"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"failed to create loan"}`, rec.Body.String())
}

func TestDecode(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, Decode(req, &v))
	assert.Equal(t, "x", v.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.ErrorIs(t, Decode(req, &v), apperr.ErrValidation)
}

func TestUUIDParam(t *testing.T) {
	id := uuid.New()
	var got uuid.UUID
	var gotErr error

	r := chi.NewRouter()
	r.Get("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		got, gotErr = UUIDParam(r, "id")
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/things/"+id.String(), nil))
	require.NoError(t, gotErr)
	assert.Equal(t, id, got)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/things/42", nil))
	assert.ErrorIs(t, gotErr, apperr.ErrValidation)
}

func TestToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, Token(req))

	req.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", Token(req))

	req.Header.Set("X-Auth-Token", "xyz")
	assert.Equal(t, "xyz", Token(req))
}

func TestAuthMiddleware(t *testing.T) {
	admin := session.Principal{UserID: uuid.New(), Role: session.RoleAdmin}
	reader := session.Principal{UserID: uuid.New(), Role: session.RoleCommon}
	auth := stubAuthority{tokens: map[string]session.Principal{"admin": admin, "reader": reader}}

	r := chi.NewRouter()
	r.Use(Authenticate(auth, discard()))
	r.Get("/me", func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		JSON(w, http.StatusOK, p)
	})
	r.With(RequireAdmin(discard())).Post("/admin", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	do := func(method, path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("X-Auth-Token", token)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/me", "forged").Code)

	rec := do(http.MethodGet, "/me", "reader")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), reader.UserID.String())

	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/admin", "reader").Code)
	assert.Equal(t, http.StatusNoContent, do(http.MethodPost, "/admin", "admin").Code)
}

func TestRequestLoggerPassesThrough(t *testing.T) {
	h := RequestLogger(discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
