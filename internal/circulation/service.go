package circulation

import (
	"context"

	"github.com/google/uuid"

	"shelfledger/pkg/eventstore"
)

// Service defines the interface for the loan ledger.
type Service interface {
	CreateLoan(ctx context.Context, req CreateLoanRequest) (*Loan, error)
	ReturnLoan(ctx context.Context, loanID uuid.UUID) error
	ListLoans(ctx context.Context) ([]LoanView, error)
	CalculateFine(ctx context.Context, due Date, status Status) float64
	CanDeleteBook(ctx context.Context, bookID uuid.UUID) (bool, error)
	CanDeleteUser(ctx context.Context, userID uuid.UUID) (bool, error)
	LoanHistory(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error)
}
