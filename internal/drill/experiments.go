package drill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"shelfledger/internal/apperr"
	"shelfledger/internal/circulation"
	"shelfledger/internal/database"
)

// Experiments returns the standard drill set. concurrency is the number of
// simultaneous requests fired at a single copy.
func (e *Engine) Experiments(concurrency int) []Experiment {
	return []Experiment{
		e.ConsistencyCheck(),
		e.ConcurrentLoanRace(concurrency),
		e.ConcurrentReturnRace(concurrency),
	}
}

// consistencyProbes count rows breaking a stock or loan invariant. Each must
// stay at zero.
func (e *Engine) consistencyProbes() []Probe {
	count := func(name, query string) Probe {
		return Probe{
			Name: name,
			Query: func(ctx context.Context) (float64, error) {
				var n int
				err := e.db.GetContext(ctx, &n, query)
				return float64(n), err
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		}
	}

	return []Probe{
		count("negative_quantity", `SELECT COUNT(*) FROM books WHERE quantity < 0`),
		count("availability_mismatch", `SELECT COUNT(*) FROM books WHERE available <> (quantity > 0)`),
		count("unknown_loan_status", `
			SELECT COUNT(*) FROM loans
			WHERE status NOT IN ('in_progress', 'returned')
		`),
		count("returned_without_date", `
			SELECT COUNT(*) FROM loans
			WHERE status = 'returned' AND return_date IS NULL
		`),
		count("open_with_return_date", `
			SELECT COUNT(*) FROM loans
			WHERE status = 'in_progress' AND return_date IS NOT NULL
		`),
	}
}

// ConsistencyCheck only samples the invariants.
func (e *Engine) ConsistencyCheck() Experiment {
	probes := e.consistencyProbes()
	validation := make([]Assertion, 0, len(probes))
	for _, p := range probes {
		validation = append(validation, Assertion{
			Probe:     p.Name,
			Condition: func(v float64) bool { return v == 0 },
			Message:   fmt.Sprintf("%s should be zero", p.Name),
		})
	}

	return Experiment{
		Name:        "ledger-consistency",
		Hypothesis:  "Stock counts and loan states satisfy every ledger invariant",
		SteadyState: probes,
		Validation:  validation,
	}
}

// fixture is a book and a reader created for one drill and removed after.
type fixture struct {
	bookID uuid.UUID
	userID uuid.UUID
}

func (e *Engine) seed(ctx context.Context, quantity int) (fixture, error) {
	f := fixture{bookID: uuid.New(), userID: uuid.New()}
	tag := f.bookID.String()[:8]

	if _, err := e.db.ExecContext(ctx, `
		INSERT INTO books (id, title, author, category, quantity, available)
		VALUES ($1, $2, 'drill', 'drill', $3, $4)
	`, f.bookID, "drill copy "+tag, quantity, quantity > 0); err != nil {
		return fixture{}, fmt.Errorf("failed to seed book: %w", err)
	}
	// The book exists from here on, so failures return f for rollback.
	if _, err := e.db.ExecContext(ctx, `INSERT INTO users (id, name) VALUES ($1, $2)`,
		f.userID, "drill reader "+tag); err != nil {
		return f, fmt.Errorf("failed to seed user: %w", err)
	}
	return f, nil
}

// remove deletes the fixture together with the journal of its loans. The
// loans themselves go with the book through ON DELETE CASCADE.
func (e *Engine) remove(ctx context.Context, f fixture) error {
	if f.bookID == uuid.Nil {
		return nil
	}
	return database.WithTx(ctx, e.db, database.TxOptions{}, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM events
			WHERE aggregate_type = 'loan'
			  AND aggregate_id IN (SELECT id FROM loans WHERE book_id = $1)
		`, f.bookID); err != nil {
			return fmt.Errorf("failed to remove drill journal: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM books WHERE id = $1`, f.bookID); err != nil {
			return fmt.Errorf("failed to remove drill book: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, f.userID); err != nil {
			return fmt.Errorf("failed to remove drill reader: %w", err)
		}
		return nil
	})
}

func (e *Engine) bookProbe(name string, f *fixture, query string) Probe {
	return Probe{
		Name: name,
		Query: func(ctx context.Context) (float64, error) {
			var n int
			err := e.db.GetContext(ctx, &n, query, f.bookID)
			return float64(n), err
		},
		Threshold: Threshold{Operator: ">=", Value: 0},
	}
}

func counterProbe(name string, c *atomic.Int64) Probe {
	return Probe{
		Name:      name,
		Query:     func(context.Context) (float64, error) { return float64(c.Load()), nil },
		Threshold: Threshold{Operator: ">=", Value: 0},
	}
}

func equals(want float64) func(float64) bool {
	return func(v float64) bool { return v == want }
}

// fire runs fn from n goroutines released together.
func fire(n int, fn func()) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn()
		}()
	}
	close(start)
	wg.Wait()
}

// ConcurrentLoanRace asks for the last copy of a book many times at once.
func (e *Engine) ConcurrentLoanRace(concurrency int) Experiment {
	var (
		f          fixture
		granted    atomic.Int64
		outOfStock atomic.Int64
		unexpected atomic.Int64
	)

	return Experiment{
		Name:        "concurrent-loan-race",
		Hypothesis:  "Only one of many simultaneous loans of the last copy succeeds",
		SteadyState: e.consistencyProbes(),
		Method: []Action{
			{
				Name: "seed-single-copy",
				Execute: func(ctx context.Context) (err error) {
					granted.Store(0)
					outOfStock.Store(0)
					unexpected.Store(0)
					f, err = e.seed(ctx, 1)
					return err
				},
			},
			{
				Name: "concurrent-loans",
				Execute: func(ctx context.Context) error {
					fire(concurrency, func() {
						_, err := e.ledger.CreateLoan(ctx, circulation.CreateLoanRequest{UserID: f.userID, BookID: f.bookID})
						switch {
						case err == nil:
							granted.Add(1)
						case errors.Is(err, apperr.ErrOutOfStock):
							outOfStock.Add(1)
						default:
							unexpected.Add(1)
							e.logger.WarnContext(ctx, "unexpected loan failure", "error", err)
						}
					})
					return nil
				},
			},
		},
		Observe: []Probe{
			counterProbe("loans_granted", &granted),
			counterProbe("loans_out_of_stock", &outOfStock),
			counterProbe("loans_failed", &unexpected),
			e.bookProbe("remaining_quantity", &f, `SELECT quantity FROM books WHERE id = $1`),
			e.bookProbe("loan_rows", &f, `SELECT COUNT(*) FROM loans WHERE book_id = $1`),
		},
		Rollback: []Action{
			{Name: "remove-fixture", Execute: func(ctx context.Context) error { return e.remove(ctx, f) }},
		},
		Validation: []Assertion{
			{Probe: "loans_granted", Condition: equals(1), Message: "exactly one loan should be granted"},
			{Probe: "loans_out_of_stock", Condition: equals(float64(concurrency - 1)), Message: "every other request should be out of stock"},
			{Probe: "loans_failed", Condition: equals(0), Message: "no request should fail for another reason"},
			{Probe: "remaining_quantity", Condition: equals(0), Message: "the copy should be off the shelf"},
			{Probe: "loan_rows", Condition: equals(1), Message: "exactly one loan row should exist"},
		},
	}
}

// ConcurrentReturnRace returns the same loan many times at once.
func (e *Engine) ConcurrentReturnRace(concurrency int) Experiment {
	var (
		f               fixture
		loanID          uuid.UUID
		accepted        atomic.Int64
		alreadyReturned atomic.Int64
		unexpected      atomic.Int64
	)

	return Experiment{
		Name:        "concurrent-return-race",
		Hypothesis:  "A loan returned many times at once restocks its copy exactly once",
		SteadyState: e.consistencyProbes(),
		Method: []Action{
			{
				Name: "seed-open-loan",
				Execute: func(ctx context.Context) (err error) {
					accepted.Store(0)
					alreadyReturned.Store(0)
					unexpected.Store(0)
					if f, err = e.seed(ctx, 1); err != nil {
						return err
					}
					loan, err := e.ledger.CreateLoan(ctx, circulation.CreateLoanRequest{UserID: f.userID, BookID: f.bookID})
					if err != nil {
						return fmt.Errorf("failed to open loan: %w", err)
					}
					loanID = loan.ID
					return nil
				},
			},
			{
				Name: "concurrent-returns",
				Execute: func(ctx context.Context) error {
					fire(concurrency, func() {
						err := e.ledger.ReturnLoan(ctx, loanID)
						switch {
						case err == nil:
							accepted.Add(1)
						case errors.Is(err, apperr.ErrAlreadyReturned):
							alreadyReturned.Add(1)
						default:
							unexpected.Add(1)
							e.logger.WarnContext(ctx, "unexpected return failure", "error", err)
						}
					})
					return nil
				},
			},
		},
		Observe: []Probe{
			counterProbe("returns_accepted", &accepted),
			counterProbe("returns_already_returned", &alreadyReturned),
			counterProbe("returns_failed", &unexpected),
			e.bookProbe("restocked_quantity", &f, `SELECT quantity FROM books WHERE id = $1`),
		},
		Rollback: []Action{
			{Name: "remove-fixture", Execute: func(ctx context.Context) error { return e.remove(ctx, f) }},
		},
		Validation: []Assertion{
			{Probe: "returns_accepted", Condition: equals(1), Message: "exactly one return should be accepted"},
			{Probe: "returns_already_returned", Condition: equals(float64(concurrency - 1)), Message: "every other return should be rejected as already returned"},
			{Probe: "returns_failed", Condition: equals(0), Message: "no return should fail for another reason"},
			{Probe: "restocked_quantity", Condition: equals(1), Message: "the copy should be restocked once"},
		},
	}
}
