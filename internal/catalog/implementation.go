package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"shelfledger/internal/apperr"
	"shelfledger/internal/database"
	"shelfledger/pkg/eventstore"
)

const searchLimit = 10

var bookColumns = []any{
	"id", "title", "author", "publisher", "year",
	goqu.COALESCE(goqu.C("isbn"), "").As("isbn"),
	"category", "quantity", "available", "created_at", "updated_at",
}

const selectBook = `
	SELECT id, title, author, publisher, year, COALESCE(isbn, '') AS isbn,
	       category, quantity, available, created_at, updated_at
	FROM books
`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// service implements the Service interface.
type service struct {
	db         *sqlx.DB
	eventStore *eventstore.EventStore
	guard      LoanGuard
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewService creates a new catalog service instance.
func NewService(db *sqlx.DB, es *eventstore.EventStore, guard LoanGuard, logger *slog.Logger) Service {
	return &service{
		db:         db,
		eventStore: es,
		guard:      guard,
		logger:     logger,
		tracer:     otel.Tracer("shelfledger/catalog"),
	}
}

// AddBook creates a new book in the catalog.
func (s *service) AddBook(ctx context.Context, in BookInput) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_book")
	defer span.End()

	if err := in.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	var book Book
	err := database.WithTx(ctx, s.db, database.TxOptions{}, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &book, `
			INSERT INTO books (id, title, author, publisher, year, isbn, category, quantity, available)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
			RETURNING id, title, author, publisher, year, COALESCE(isbn, '') AS isbn,
			          category, quantity, available, created_at, updated_at
		`, id, in.Title, in.Author, in.Publisher, in.Year, in.ISBN, in.Category, in.Quantity, in.Quantity > 0)
		if err != nil {
			return err
		}

		_, err = s.eventStore.Append(ctx, tx, id, aggregateType, eventBookAdded, BookAddedEvent{
			ID:       id,
			Title:    in.Title,
			Author:   in.Author,
			ISBN:     in.ISBN,
			Quantity: in.Quantity,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, classify(err, "failed to add book")
	}

	span.SetAttributes(attribute.String("book.id", id.String()))
	s.logger.InfoContext(ctx, "book added", "book_id", id, "quantity", book.Quantity)
	return &book, nil
}

// GetBook retrieves a book by its ID.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	var book Book
	err := s.db.GetContext(ctx, &book, selectBook+` WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("book %s not found", id)
	}
	if err != nil {
		return nil, apperr.FromDB(err, "failed to get book")
	}
	return &book, nil
}

// ListBooks returns the whole catalog ordered by title.
func (s *service) ListBooks(ctx context.Context) ([]Book, error) {
	books := []Book{}
	if err := s.db.SelectContext(ctx, &books, selectBook+` ORDER BY title, id`); err != nil {
		return nil, apperr.FromDB(err, "failed to list books")
	}
	return books, nil
}

// UpdateBook replaces the editable fields of a book. Availability follows
// the new quantity.
func (s *service) UpdateBook(ctx context.Context, id uuid.UUID, in BookInput) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.update_book", trace.WithAttributes(attribute.String("book.id", id.String())))
	defer span.End()

	if err := in.Validate(); err != nil {
		return nil, err
	}

	var book Book
	err := database.WithTx(ctx, s.db, database.TxOptions{}, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &book, `
			UPDATE books
			SET title = $2, author = $3, publisher = $4, year = $5, isbn = NULLIF($6, ''),
			    category = $7, quantity = $8, available = $9, updated_at = NOW()
			WHERE id = $1
			RETURNING id, title, author, publisher, year, COALESCE(isbn, '') AS isbn,
			          category, quantity, available, created_at, updated_at
		`, id, in.Title, in.Author, in.Publisher, in.Year, in.ISBN, in.Category, in.Quantity, in.Quantity > 0)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("book %s not found", id)
		}
		if err != nil {
			return err
		}

		_, err = s.eventStore.Append(ctx, tx, id, aggregateType, eventBookUpdated, BookUpdatedEvent{
			ID:       id,
			Title:    in.Title,
			Author:   in.Author,
			Quantity: in.Quantity,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, classify(err, "failed to update book")
	}

	s.logger.InfoContext(ctx, "book updated", "book_id", id, "quantity", book.Quantity)
	return &book, nil
}

// DeleteBook removes a book that has no unreturned loans.
func (s *service) DeleteBook(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "catalog.delete_book", trace.WithAttributes(attribute.String("book.id", id.String())))
	defer span.End()

	ok, err := s.guard.CanDeleteBook(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("book %s has active loans", id)
	}

	err = database.WithTx(ctx, s.db, database.TxOptions{}, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM books WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("book %s not found", id)
		}

		_, err = s.eventStore.Append(ctx, tx, id, aggregateType, eventBookDeleted, BookDeletedEvent{ID: id})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return classify(err, "failed to delete book")
	}

	s.logger.InfoContext(ctx, "book deleted", "book_id", id)
	return nil
}

// Search finds books whose title or author contains query.
func (s *service) Search(ctx context.Context, query string) ([]Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("missing search query")
	}

	stmt, args, err := searchQuery(query)
	if err != nil {
		return nil, fmt.Errorf("failed to build search query: %w", err)
	}

	books := []Book{}
	if err := s.db.SelectContext(ctx, &books, stmt, args...); err != nil {
		return nil, apperr.FromDB(err, "database search failed")
	}
	return books, nil
}

func searchQuery(query string) (string, []any, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"
	return goqu.Dialect("postgres").
		From("books").
		Select(bookColumns...).
		Where(goqu.Or(
			goqu.C("title").ILike(pattern),
			goqu.C("author").ILike(pattern),
		)).
		Order(goqu.C("title").Asc()).
		Limit(searchLimit).
		Prepared(true).
		ToSQL()
}

func classify(err error, message string) error {
	if apperr.IsUniqueViolation(err) {
		return apperr.Wrap(apperr.KindConflict, err, "a book with this ISBN already exists")
	}
	return apperr.FromDB(err, message)
}
