package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"shelfledger/internal/apperr"
	"shelfledger/internal/database"
	"shelfledger/internal/settings"
	"shelfledger/pkg/eventstore"
)

// service implements the Service interface. It is the only writer of
// books.quantity/books.available together with loans.status, and always
// changes them in a single transaction that holds the row lock.
type service struct {
	db          *sqlx.DB
	eventStore  *eventstore.EventStore
	settings    settings.Provider
	fines       *FineCalculator
	clock       func() time.Time
	loc         *time.Location
	lockTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *ledgerMetrics
}

// Option configures the ledger.
type Option func(*service)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *service) { s.clock = clock }
}

// WithLocation sets the time zone calendar days are taken in.
func WithLocation(loc *time.Location) Option {
	return func(s *service) { s.loc = loc }
}

// WithLockTimeout bounds row-lock waits inside loan transactions.
func WithLockTimeout(d time.Duration) Option {
	return func(s *service) { s.lockTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// NewService creates a new loan ledger. provider supplies the loan duration
// (with defaults); source supplies the fine rate (absent means no fines).
func NewService(db *sqlx.DB, es *eventstore.EventStore, provider settings.Provider, source settings.Source, opts ...Option) Service {
	s := &service{
		db:         db,
		eventStore: es,
		settings:   provider,
		clock:      time.Now,
		loc:        time.Local,
		logger:     slog.Default(),
		tracer:     otel.Tracer("shelfledger/circulation"),
		metrics:    newLedgerMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fines = NewFineCalculator(source, s.clock, s.loc, s.logger)
	return s
}

func (s *service) today() Date {
	return DateOf(s.clock(), s.loc)
}

func (s *service) txOptions() database.TxOptions {
	return database.TxOptions{LockTimeout: s.lockTimeout}
}

// dueDate resolves the due date of a new loan.
func (s *service) dueDate(ctx context.Context, today Date, requested *Date) (Date, error) {
	if requested != nil && !requested.IsZero() {
		if requested.Before(today) {
			return Date{}, apperr.Validation("return_date %s is in the past", requested)
		}
		return *requested, nil
	}

	days := settings.Defaults().DaysForReturn
	if cfg, err := s.settings.Get(ctx); err == nil && cfg.DaysForReturn > 0 {
		days = cfg.DaysForReturn
	}
	return today.AddDays(days), nil
}

// CreateLoan lends one copy of a book to a user.
func (s *service) CreateLoan(ctx context.Context, req CreateLoanRequest) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.create_loan",
		trace.WithAttributes(
			attribute.String("user.id", req.UserID.String()),
			attribute.String("book.id", req.BookID.String()),
		),
	)
	defer span.End()

	loan, err := s.createLoan(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.reject(ctx, "create", err)
		s.logger.InfoContext(ctx, "loan rejected", "user_id", req.UserID, "book_id", req.BookID, "error", err.Error())
		return nil, err
	}

	s.metrics.created.Add(ctx, 1)
	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))
	s.logger.InfoContext(ctx, "loan created", "loan_id", loan.ID, "book_id", loan.BookID, "due_date", loan.DueDate.String())
	return loan, nil
}

func (s *service) createLoan(ctx context.Context, req CreateLoanRequest) (*Loan, error) {
	if req.UserID == uuid.Nil || req.BookID == uuid.Nil {
		return nil, apperr.Validation("user_id and book_id are required")
	}

	today := s.today()
	due, err := s.dueDate(ctx, today, req.DueDate)
	if err != nil {
		return nil, err
	}

	loan := &Loan{
		ID:       uuid.New(),
		UserID:   req.UserID,
		BookID:   req.BookID,
		LoanDate: today,
		DueDate:  due,
		Status:   StatusInProgress,
	}

	err = database.WithTx(ctx, s.db, s.txOptions(), func(tx *sqlx.Tx) error {
		// Step 1: Lock the book row; concurrent loans of the same book queue here
		var quantity int
		err := tx.GetContext(ctx, &quantity, `SELECT quantity FROM books WHERE id = $1 FOR UPDATE`, req.BookID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("book %s not found", req.BookID)
		}
		if err != nil {
			return apperr.FromDB(err, "failed to lock book")
		}
		if quantity < 1 {
			return apperr.New(apperr.KindOutOfStock, "book %s is not available", req.BookID)
		}

		// Step 2: Make sure the borrower exists
		var userExists bool
		if err := tx.GetContext(ctx, &userExists, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, req.UserID); err != nil {
			return apperr.FromDB(err, "failed to look up user")
		}
		if !userExists {
			return apperr.NotFound("user %s not found", req.UserID)
		}

		// Step 3: Record the loan
		_, err = tx.ExecContext(ctx, `
			INSERT INTO loans (id, user_id, book_id, loan_date, due_date, status)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, loan.ID, loan.UserID, loan.BookID, loan.LoanDate, loan.DueDate, loan.Status)
		if err != nil {
			return apperr.FromDB(err, "failed to insert loan")
		}

		// Step 4: Take the copy out of the inventory
		_, err = tx.ExecContext(ctx, `
			UPDATE books
			SET quantity = quantity - 1,
			    available = (quantity - 1 > 0),
			    updated_at = NOW()
			WHERE id = $1
		`, loan.BookID)
		if err != nil {
			return apperr.FromDB(err, "failed to update book quantity")
		}

		// Step 5: Journal the change in the same transaction
		_, err = s.eventStore.Append(ctx, tx, loan.ID, aggregateType, eventLoanCreated, LoanCreatedEvent{
			LoanID:   loan.ID,
			UserID:   loan.UserID,
			BookID:   loan.BookID,
			LoanDate: loan.LoanDate,
			DueDate:  loan.DueDate,
		})
		if err != nil {
			return apperr.FromDB(err, "failed to append event")
		}
		return nil
	})
	if err != nil {
		return nil, apperr.FromDB(err, "failed to create loan")
	}

	return loan, nil
}

// ReturnLoan closes an in-progress loan and puts the copy back.
func (s *service) ReturnLoan(ctx context.Context, loanID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "circulation.return_loan",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer span.End()

	if err := s.returnLoan(ctx, loanID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.reject(ctx, "return", err)
		s.logger.InfoContext(ctx, "return rejected", "loan_id", loanID, "error", err.Error())
		return err
	}

	s.metrics.returned.Add(ctx, 1)
	s.logger.InfoContext(ctx, "loan returned", "loan_id", loanID)
	return nil
}

func (s *service) returnLoan(ctx context.Context, loanID uuid.UUID) error {
	if loanID == uuid.Nil {
		return apperr.Validation("loan id is required")
	}

	today := s.today()

	err := database.WithTx(ctx, s.db, s.txOptions(), func(tx *sqlx.Tx) error {
		// Step 1: Lock the loan row
		var row struct {
			BookID uuid.UUID `db:"book_id"`
			Status Status    `db:"status"`
		}
		err := tx.GetContext(ctx, &row, `SELECT book_id, status FROM loans WHERE id = $1 FOR UPDATE`, loanID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("loan %s not found", loanID)
		}
		if err != nil {
			return apperr.FromDB(err, "failed to lock loan")
		}
		if row.Status == StatusReturned {
			return apperr.New(apperr.KindAlreadyReturned, "loan %s was already returned", loanID)
		}

		// Step 2: Close the loan
		_, err = tx.ExecContext(ctx, `
			UPDATE loans
			SET status = $1, return_date = $2
			WHERE id = $3
		`, StatusReturned, today, loanID)
		if err != nil {
			return apperr.FromDB(err, "failed to update loan")
		}

		// Step 3: Put the copy back; a returned copy is always available
		_, err = tx.ExecContext(ctx, `
			UPDATE books
			SET quantity = quantity + 1,
			    available = TRUE,
			    updated_at = NOW()
			WHERE id = $1
		`, row.BookID)
		if err != nil {
			return apperr.FromDB(err, "failed to update book quantity")
		}

		// Step 4: Journal the change
		_, err = s.eventStore.Append(ctx, tx, loanID, aggregateType, eventLoanReturned, LoanReturnedEvent{
			LoanID:     loanID,
			BookID:     row.BookID,
			ReturnDate: today,
		})
		if err != nil {
			return apperr.FromDB(err, "failed to append event")
		}
		return nil
	})
	if err != nil {
		return apperr.FromDB(err, "failed to return loan")
	}
	return nil
}

// ListLoans returns every loan, newest first, with derived status and fine.
// Status and fine are recomputed on every call.
func (s *service) ListLoans(ctx context.Context) ([]LoanView, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.list_loans")
	defer span.End()

	loans := []LoanView{}
	err := s.db.SelectContext(ctx, &loans, `
		SELECT
			l.id,
			l.user_id,
			u.name AS user_name,
			l.book_id,
			b.title AS book_title,
			l.loan_date,
			l.due_date,
			l.return_date,
			l.status
		FROM loans l
		JOIN users u ON l.user_id = u.id
		JOIN books b ON l.book_id = b.id
		ORDER BY l.loan_date DESC, l.created_at DESC
	`)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.FromDB(err, "failed to list loans")
	}

	today := s.today()
	rate := s.fines.Rate(ctx)
	for i := range loans {
		loans[i].Status = DeriveStatus(loans[i].Status, loans[i].DueDate, today)
		loans[i].Fine = ComputeFine(loans[i].DueDate, today, loans[i].Status, rate)
	}

	span.SetAttributes(attribute.Int("loans.count", len(loans)))
	return loans, nil
}

// CalculateFine returns today's fine for a loan due on due in state status.
func (s *service) CalculateFine(ctx context.Context, due Date, status Status) float64 {
	return s.fines.Calculate(ctx, due, status)
}

// CanDeleteBook reports whether no unreturned loan references the book.
// The answer is not protected by a lock: a loan created between this check
// and the delete is not prevented.
func (s *service) CanDeleteBook(ctx context.Context, bookID uuid.UUID) (bool, error) {
	return s.noActiveLoans(ctx, "book_id", bookID)
}

// CanDeleteUser reports whether no unreturned loan references the user.
// Same race caveat as CanDeleteBook.
func (s *service) CanDeleteUser(ctx context.Context, userID uuid.UUID) (bool, error) {
	return s.noActiveLoans(ctx, "user_id", userID)
}

func (s *service) noActiveLoans(ctx context.Context, column string, id uuid.UUID) (bool, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM loans WHERE %s = $1 AND status <> $2`, column)
	if err := s.db.GetContext(ctx, &count, query, id, StatusReturned); err != nil {
		return false, apperr.FromDB(err, "failed to count active loans")
	}
	return count == 0, nil
}

// LoanHistory returns the journaled events of a loan.
func (s *service) LoanHistory(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error) {
	events, err := s.eventStore.Load(ctx, s.db, loanID)
	if err != nil {
		return nil, apperr.FromDB(err, "failed to load loan history")
	}
	if len(events) == 0 {
		return nil, apperr.NotFound("loan %s not found", loanID)
	}
	return events, nil
}
