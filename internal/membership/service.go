package membership

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the membership service.
type Service interface {
	Register(ctx context.Context, c Credentials) (*User, error)
	Authenticate(ctx context.Context, c Credentials) (*User, error)
	CreateUser(ctx context.Context, in UserInput) (*User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	SearchUsersByName(ctx context.Context, query string) ([]User, error)
	UpdateUser(ctx context.Context, id uuid.UUID, in UserInput) (*User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error
}

// LoanGuard tells whether a user may be removed.
type LoanGuard interface {
	CanDeleteUser(ctx context.Context, userID uuid.UUID) (bool, error)
}
