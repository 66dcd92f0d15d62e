package circulation

import (
	"github.com/google/uuid"
)

// Status is the state of a loan. Only InProgress and Returned are stored;
// Overdue is derived when a loan is read.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusReturned   Status = "returned"
	StatusOverdue    Status = "overdue"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusInProgress, StatusReturned, StatusOverdue:
		return true
	}
	return false
}

// Loan is a book lent to a user.
type Loan struct {
	ID         uuid.UUID `json:"id" db:"id"`
	UserID     uuid.UUID `json:"user_id" db:"user_id"`
	BookID     uuid.UUID `json:"book_id" db:"book_id"`
	LoanDate   Date      `json:"loan_date" db:"loan_date"`
	DueDate    Date      `json:"due_date" db:"due_date"`
	ReturnDate *Date     `json:"return_date,omitempty" db:"return_date"`
	Status     Status    `json:"status" db:"status"`
}

// LoanView is a loan as listed: joined with its user and book, with the
// derived status and the fine accrued so far.
type LoanView struct {
	Loan
	UserName  string  `json:"user_name" db:"user_name"`
	BookTitle string  `json:"book_title" db:"book_title"`
	Fine      float64 `json:"fine" db:"-"`
}

// CreateLoanRequest carries the input of CreateLoan. A nil DueDate means the
// configured loan duration applies.
type CreateLoanRequest struct {
	UserID  uuid.UUID `json:"user_id"`
	BookID  uuid.UUID `json:"book_id"`
	DueDate *Date     `json:"return_date,omitempty"`
}

const aggregateType = "loan"

const (
	eventLoanCreated  = "LoanCreated"
	eventLoanReturned = "LoanReturned"
)

// LoanCreatedEvent is journaled when a loan is created.
type LoanCreatedEvent struct {
	LoanID   uuid.UUID `json:"loan_id"`
	UserID   uuid.UUID `json:"user_id"`
	BookID   uuid.UUID `json:"book_id"`
	LoanDate Date      `json:"loan_date"`
	DueDate  Date      `json:"due_date"`
}

// LoanReturnedEvent is journaled when a loan is returned.
type LoanReturnedEvent struct {
	LoanID     uuid.UUID `json:"loan_id"`
	BookID     uuid.UUID `json:"book_id"`
	ReturnDate Date      `json:"return_date"`
}
