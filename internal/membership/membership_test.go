package membership

import (
	"context"
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
	"shelfledger/internal/database/dbtest"
	"shelfledger/internal/session"
	"shelfledger/pkg/eventstore"
)

type guardFunc func(ctx context.Context, id uuid.UUID) (bool, error)

func (f guardFunc) CanDeleteUser(ctx context.Context, id uuid.UUID) (bool, error) { return f(ctx, id) }

var (
	allow = guardFunc(func(context.Context, uuid.UUID) (bool, error) { return true, nil })
	deny  = guardFunc(func(context.Context, uuid.UUID) (bool, error) { return false, nil })
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func adminInput(email string) UserInput {
	return UserInput{Name: "Capitu", Email: email, Password: "secret", Year: 2, Class: "B", Course: "Letras", Role: session.RoleAdmin}
}

func TestUserInputValidate(t *testing.T) {
	assert.NoError(t, adminInput("a@b.c").Validate())

	missing := adminInput("a@b.c")
	missing.Course = ""
	assert.ErrorIs(t, missing.Validate(), apperr.ErrValidation)

	badRole := adminInput("a@b.c")
	badRole.Role = "root"
	assert.ErrorIs(t, badRole.Validate(), apperr.ErrValidation)
}

func TestNameFromEmail(t *testing.T) {
	assert.Equal(t, "bento", nameFromEmail("bento@santiago.br"))
	assert.Equal(t, "noatsign", nameFromEmail("noatsign"))
}

func TestSearchQueryEscapesWildcards(t *testing.T) {
	stmt, args, err := searchQuery("a_b")
	require.NoError(t, err)
	assert.Contains(t, stmt, `"u"."name" ILIKE $`)
	assert.Contains(t, stmt, `JOIN "credentials" AS "c"`)
	assert.Contains(t, args, `%a\_b%`)
}

func TestRegisterAndAuthenticate(t *testing.T) {
	db := dbtest.Open(t, "membership_test")
	svc := NewService(db, eventstore.NewEventStore(), allow, 100, quiet())
	ctx := context.Background()

	user, err := svc.Register(ctx, Credentials{Email: "bento@santiago.br", Password: "capitu"})
	require.NoError(t, err)
	assert.Equal(t, "bento", user.Name)
	assert.Equal(t, session.RoleCommon, user.Role)
	assert.Equal(t, placeholder, user.Class)

	got, err := svc.Authenticate(ctx, Credentials{Email: "bento@santiago.br", Password: "capitu"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = svc.Authenticate(ctx, Credentials{Email: "bento@santiago.br", Password: "wrong"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = svc.Register(ctx, Credentials{Email: "bento@santiago.br", Password: "again"})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	var users int
	require.NoError(t, db.Get(&users, `SELECT COUNT(*) FROM users`))
	assert.Equal(t, 1, users, "failed registration leaves no orphan user")
}

func TestRateLimit(t *testing.T) {
	db := dbtest.Open(t, "membership_test")
	svc := NewService(db, eventstore.NewEventStore(), allow, 2, quiet())
	ctx := context.Background()

	creds := Credentials{Email: "nobody@example.com", Password: "x"}
	_, err := svc.Authenticate(ctx, creds)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = svc.Authenticate(ctx, creds)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = svc.Authenticate(ctx, creds)
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	_, err = svc.Authenticate(ctx, Credentials{Email: "someone.else@example.com", Password: "x"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized, "another user keeps their own budget")

	_, err = svc.Register(ctx, Credentials{Email: "Nobody@example.com", Password: "x"})
	assert.NoError(t, err, "registration is counted apart from login")
}

func TestUserCRUD(t *testing.T) {
	db := dbtest.Open(t, "membership_test")
	svc := NewService(db, eventstore.NewEventStore(), allow, 100, quiet())
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, adminInput("capitu@example.com"))
	require.NoError(t, err)
	assert.Equal(t, session.RoleAdmin, created.Role)

	in := adminInput("capitu@example.com")
	in.Name = "Capitolina"
	in.Role = session.RoleCommon
	updated, err := svc.UpdateUser(ctx, created.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "Capitolina", updated.Name)

	got, err := svc.GetUser(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Capitolina", got.Name)
	assert.Equal(t, session.RoleCommon, got.Role)
	assert.Equal(t, "capitu@example.com", got.Email)

	found, err := svc.SearchUsersByName(ctx, "tolin")
	require.NoError(t, err)
	require.Len(t, found, 1)

	list, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.DeleteUser(ctx, created.ID))
	_, err = svc.GetUser(ctx, created.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	var creds int
	require.NoError(t, db.Get(&creds, `SELECT COUNT(*) FROM credentials`))
	assert.Equal(t, 0, creds)

	_, err = svc.UpdateUser(ctx, uuid.New(), in)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, svc.DeleteUser(ctx, uuid.New()), apperr.ErrNotFound)
}

func TestDeleteGuardedUser(t *testing.T) {
	db := dbtest.Open(t, "membership_test")
	svc := NewService(db, eventstore.NewEventStore(), deny, 100, quiet())
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, adminInput("escobar@example.com"))
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeleteUser(ctx, user.ID), apperr.ErrConflict)
	_, err = svc.GetUser(ctx, user.ID)
	assert.NoError(t, err)
}

type fakeService struct {
	Service
	user *User
	err  error
}

func (f *fakeService) Authenticate(context.Context, Credentials) (*User, error) { return f.user, f.err }

type fakeAuthority struct {
	revoked []string
}

func (f *fakeAuthority) Issue(_ context.Context, p session.Principal) (string, error) {
	return "token-" + p.Role, nil
}
func (f *fakeAuthority) Verify(context.Context, string) (*session.Principal, error) { return nil, nil }
func (f *fakeAuthority) Revoke(_ context.Context, token string) error {
	f.revoked = append(f.revoked, token)
	return nil
}

func TestLoginAndLogoutHandlers(t *testing.T) {
	auth := &fakeAuthority{}
	svc := &fakeService{user: &User{ID: uuid.New(), Name: "ana", Role: session.RoleAdmin}}

	r := chi.NewRouter()
	NewHandler(svc, auth, quiet()).RegisterPublic(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"email":"a@b.c","password":"x"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"token":"token-admin"`)

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.Header.Set("X-Auth-Token", "token-admin")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"token-admin"}, auth.revoked)

	svc.user, svc.err = nil, apperr.New(apperr.KindUnauthorized, "invalid credentials")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"email":"a@b.c","password":"x"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	svc.err = apperr.New(apperr.KindRateLimited, "rate limit exceeded")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"email":"a@b.c","password":"x"}`)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
