package circulation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfledger/internal/apperr"
	"shelfledger/pkg/eventstore"
)

type fakeLedger struct {
	Service
	created   CreateLoanRequest
	createErr error
	returnErr error
	loans     []LoanView
}

func (f *fakeLedger) CreateLoan(_ context.Context, req CreateLoanRequest) (*Loan, error) {
	f.created = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &Loan{ID: uuid.New(), UserID: req.UserID, BookID: req.BookID, Status: StatusInProgress}, nil
}

func (f *fakeLedger) ReturnLoan(context.Context, uuid.UUID) error { return f.returnErr }

func (f *fakeLedger) ListLoans(context.Context) ([]LoanView, error) { return f.loans, nil }

func (f *fakeLedger) LoanHistory(_ context.Context, id uuid.UUID) ([]eventstore.Event, error) {
	return []eventstore.Event{{AggregateID: id, EventType: eventLoanCreated, Version: 1}}, nil
}

func passthrough(next http.Handler) http.Handler { return next }

func newTestRouter(svc Service) http.Handler {
	r := chi.NewRouter()
	NewHandler(svc, quietLogger()).Register(r, passthrough)
	return r
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleCreateLoan(t *testing.T) {
	fake := &fakeLedger{}
	userID, bookID := uuid.New(), uuid.New()

	rec := serve(newTestRouter(fake), http.MethodPost, "/loans",
		`{"user_id":"`+userID.String()+`","book_id":"`+bookID.String()+`","return_date":"2026-04-01"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, userID, fake.created.UserID)
	require.NotNil(t, fake.created.DueDate)
	assert.Equal(t, NewDate(2026, time.April, 1), *fake.created.DueDate)
}

func TestHandleCreateLoanErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"bad body", nil, `{`, http.StatusBadRequest},
		{"bad date", nil, `{"return_date":"01/04/2026"}`, http.StatusBadRequest},
		{"out of stock", apperr.New(apperr.KindOutOfStock, "book unavailable"), `{}`, http.StatusConflict},
		{"missing book", apperr.NotFound("book not found"), `{}`, http.StatusNotFound},
		{"datastore", apperr.Wrap(apperr.KindTransactionFailure, context.DeadlineExceeded, "failed"), `{}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(newTestRouter(&fakeLedger{createErr: tt.err}), http.MethodPost, "/loans", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestHandleReturnLoan(t *testing.T) {
	id := uuid.New().String()

	rec := serve(newTestRouter(&fakeLedger{}), http.MethodPut, "/loans/return/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(newTestRouter(&fakeLedger{returnErr: apperr.New(apperr.KindAlreadyReturned, "already returned")}), http.MethodPut, "/loans/return/"+id, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(newTestRouter(&fakeLedger{}), http.MethodPut, "/loans/return/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListLoans(t *testing.T) {
	view := LoanView{
		Loan:      Loan{ID: uuid.New(), DueDate: NewDate(2026, time.March, 1), Status: StatusOverdue},
		UserName:  "ana",
		BookTitle: "Dom Casmurro",
		Fine:      18,
	}
	rec := serve(newTestRouter(&fakeLedger{loans: []LoanView{view}}), http.MethodGet, "/loans", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"status":"overdue"`)
	assert.Contains(t, body, `"due_date":"2026-03-01"`)
	assert.Contains(t, body, `"fine":18`)
	assert.Contains(t, body, `"book_title":"Dom Casmurro"`)
}

func TestHandleLoanHistory(t *testing.T) {
	rec := serve(newTestRouter(&fakeLedger{}), http.MethodGet, "/loans/"+uuid.New().String()+"/history", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), eventLoanCreated)
}
