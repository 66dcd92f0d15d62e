package catalog

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"shelfledger/internal/apperr"
)

// Book is a catalog title and its on-shelf inventory. Available is true
// exactly when Quantity is positive.
type Book struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	Author    string    `json:"author" db:"author"`
	Publisher string    `json:"publisher" db:"publisher"`
	Year      int       `json:"year" db:"year"`
	ISBN      string    `json:"isbn" db:"isbn"`
	Category  string    `json:"category" db:"category"`
	Quantity  int       `json:"quantity" db:"quantity"`
	Available bool      `json:"available" db:"available"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// BookInput carries the editable fields of a book.
type BookInput struct {
	Title     string `json:"title"`
	Author    string `json:"author"`
	Publisher string `json:"publisher"`
	Year      int    `json:"year"`
	ISBN      string `json:"isbn"`
	Category  string `json:"category"`
	Quantity  int    `json:"quantity"`
}

// Validate requires a title, an author and at least one copy.
func (in BookInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Author) == "" || in.Quantity < 1 {
		return apperr.Validation("title, author and a positive quantity are required")
	}
	return nil
}

const aggregateType = "book"

const (
	eventBookAdded   = "BookAdded"
	eventBookUpdated = "BookUpdated"
	eventBookDeleted = "BookDeleted"
)

// BookAddedEvent is journaled when a book enters the catalog.
type BookAddedEvent struct {
	ID       uuid.UUID `json:"id"`
	Title    string    `json:"title"`
	Author   string    `json:"author"`
	ISBN     string    `json:"isbn,omitempty"`
	Quantity int       `json:"quantity"`
}

// BookUpdatedEvent is journaled when a book is edited.
type BookUpdatedEvent struct {
	ID       uuid.UUID `json:"id"`
	Title    string    `json:"title"`
	Author   string    `json:"author"`
	Quantity int       `json:"quantity"`
}

// BookDeletedEvent is journaled when a book leaves the catalog.
type BookDeletedEvent struct {
	ID uuid.UUID `json:"id"`
}
