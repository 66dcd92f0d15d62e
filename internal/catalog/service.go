package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddBook(ctx context.Context, in BookInput) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, in BookInput) (*Book, error)
	DeleteBook(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, query string) ([]Book, error)
}

// LoanGuard tells whether a book may leave the catalog.
type LoanGuard interface {
	CanDeleteBook(ctx context.Context, bookID uuid.UUID) (bool, error)
}
