// Package reports derives read-only views over the loan ledger.
package reports

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"shelfledger/internal/apperr"
	"shelfledger/internal/circulation"
	"shelfledger/internal/settings"
)

// ReturnedLoan is one row of the returns report.
type ReturnedLoan struct {
	ID         uuid.UUID        `json:"id" db:"id"`
	UserName   string           `json:"user_name" db:"user_name"`
	BookTitle  string           `json:"book_title" db:"book_title"`
	LoanDate   circulation.Date `json:"loan_date" db:"loan_date"`
	DueDate    circulation.Date `json:"due_date" db:"due_date"`
	ReturnDate circulation.Date `json:"return_date" db:"return_date"`
}

// Range bounds a report by return date, both ends inclusive and optional.
type Range struct {
	Start *circulation.Date
	End   *circulation.Date
}

func (r Range) Validate() error {
	if r.Start != nil && r.End != nil && r.End.Before(*r.Start) {
		return apperr.Validation("end_date %s is before start_date %s", r.End, r.Start)
	}
	return nil
}

// Dashboard summarises the state of the library.
type Dashboard struct {
	Books            int     `json:"books" db:"books"`
	CopiesOnShelf    int     `json:"copies_on_shelf" db:"copies_on_shelf"`
	Users            int     `json:"users" db:"users"`
	ActiveLoans      int     `json:"active_loans" db:"active_loans"`
	OverdueLoans     int     `json:"overdue_loans" db:"overdue_loans"`
	OutstandingFines float64 `json:"outstanding_fines" db:"-"`
}

type Service interface {
	ReturnedLoans(ctx context.Context, rng Range) ([]ReturnedLoan, error)
	OverdueLoans(ctx context.Context) ([]circulation.LoanView, error)
	DueSoon(ctx context.Context) ([]circulation.LoanView, error)
	Dashboard(ctx context.Context) (*Dashboard, error)
}

type service struct {
	db       *sqlx.DB
	ledger   circulation.Service
	settings settings.Provider
	clock    func() time.Time
	loc      *time.Location
	logger   *slog.Logger
}

// Option configures the report service.
type Option func(*service)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *service) { s.clock = clock }
}

// WithLocation sets the time zone calendar days are taken in.
func WithLocation(loc *time.Location) Option {
	return func(s *service) { s.loc = loc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) { s.logger = logger }
}

func NewService(db *sqlx.DB, ledger circulation.Service, provider settings.Provider, opts ...Option) Service {
	s := &service{
		db:       db,
		ledger:   ledger,
		settings: provider,
		clock:    time.Now,
		loc:      time.Local,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) today() circulation.Date {
	return circulation.DateOf(s.clock(), s.loc)
}

// ReturnedLoans lists returned loans, most recent return first.
func (s *service) ReturnedLoans(ctx context.Context, rng Range) ([]ReturnedLoan, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	stmt, args, err := returnedQuery(rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build report query: %w", err)
	}

	rows := []ReturnedLoan{}
	if err := s.db.SelectContext(ctx, &rows, stmt, args...); err != nil {
		return nil, apperr.FromDB(err, "failed to build returned loans report")
	}
	return rows, nil
}

func returnedQuery(rng Range) (string, []any, error) {
	conds := []exp.Expression{
		goqu.I("l.status").Eq(string(circulation.StatusReturned)),
	}
	if rng.Start != nil {
		conds = append(conds, goqu.I("l.return_date").Gte(rng.Start.String()))
	}
	if rng.End != nil {
		conds = append(conds, goqu.I("l.return_date").Lte(rng.End.String()))
	}

	return goqu.Dialect("postgres").
		From(goqu.T("loans").As("l")).
		Join(goqu.T("users").As("u"), goqu.On(goqu.I("u.id").Eq(goqu.I("l.user_id")))).
		Join(goqu.T("books").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("l.book_id")))).
		Select(
			goqu.I("l.id"),
			goqu.I("u.name").As("user_name"),
			goqu.I("b.title").As("book_title"),
			goqu.I("l.loan_date"),
			goqu.I("l.due_date"),
			goqu.I("l.return_date"),
		).
		Where(conds...).
		Order(goqu.I("l.return_date").Desc(), goqu.I("l.id").Asc()).
		Prepared(true).
		ToSQL()
}

// OverdueLoans lists unreturned loans past their due date, with fines.
func (s *service) OverdueLoans(ctx context.Context) ([]circulation.LoanView, error) {
	loans, err := s.ledger.ListLoans(ctx)
	if err != nil {
		return nil, err
	}
	return filter(loans, func(l circulation.LoanView) bool {
		return l.Status == circulation.StatusOverdue
	}), nil
}

// DueSoon lists unreturned loans due within the notification window,
// today included.
func (s *service) DueSoon(ctx context.Context) ([]circulation.LoanView, error) {
	cfg, err := s.settings.Get(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "settings unavailable, using defaults", "error", err.Error())
		cfg = settings.Defaults()
	}

	loans, err := s.ledger.ListLoans(ctx)
	if err != nil {
		return nil, err
	}

	today := s.today()
	horizon := today.AddDays(cfg.NotificationDays)
	return filter(loans, func(l circulation.LoanView) bool {
		return l.Status == circulation.StatusInProgress && !l.DueDate.Before(today) && !l.DueDate.After(horizon)
	}), nil
}

// Dashboard counts books, users and loans and sums the fines owed today.
func (s *service) Dashboard(ctx context.Context) (*Dashboard, error) {
	var d Dashboard
	err := s.db.GetContext(ctx, &d, `
		SELECT
			(SELECT COUNT(*) FROM books) AS books,
			(SELECT COALESCE(SUM(quantity), 0) FROM books) AS copies_on_shelf,
			(SELECT COUNT(*) FROM users) AS users,
			(SELECT COUNT(*) FROM loans WHERE status = $1) AS active_loans,
			(SELECT COUNT(*) FROM loans WHERE status = $1 AND due_date < $2) AS overdue_loans
	`, circulation.StatusInProgress, s.today())
	if err != nil {
		return nil, apperr.FromDB(err, "failed to build dashboard")
	}

	overdue, err := s.OverdueLoans(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range overdue {
		d.OutstandingFines += l.Fine
	}
	d.OutstandingFines = math.Round(d.OutstandingFines*100) / 100
	return &d, nil
}

func filter(loans []circulation.LoanView, keep func(circulation.LoanView) bool) []circulation.LoanView {
	out := []circulation.LoanView{}
	for _, l := range loans {
		if keep(l) {
			out = append(out, l)
		}
	}
	return out
}
