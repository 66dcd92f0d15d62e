// Package apperr defines the error taxonomy shared by every service and the
// mapping of datastore failures onto it.
package apperr

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Kind classifies an error for callers and for the HTTP layer.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindOutOfStock         Kind = "out_of_stock"
	KindAlreadyReturned    Kind = "already_returned"
	KindTransactionFailure Kind = "transaction_failure"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindRateLimited        Kind = "rate_limited"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrValidation         = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict           = &Error{Kind: KindConflict, Message: "conflict"}
	ErrOutOfStock         = &Error{Kind: KindOutOfStock, Message: "book unavailable"}
	ErrAlreadyReturned    = &Error{Kind: KindAlreadyReturned, Message: "loan already returned"}
	ErrTransactionFailure = &Error{Kind: KindTransactionFailure, Message: "transaction failed"}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized, Message: "not authorized"}
	ErrForbidden          = &Error{Kind: KindForbidden, Message: "access denied"}
	ErrRateLimited        = &Error{Kind: KindRateLimited, Message: "rate limit exceeded"}
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so that errors.Is(err, ErrNotFound) holds for any
// not-found error regardless of its message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind with message.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(format string, args ...any) *Error { return New(KindValidation, format, args...) }
func NotFound(format string, args ...any) *Error   { return New(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error   { return New(KindConflict, format, args...) }

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Postgres SQLSTATE codes the services care about.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeQueryCanceled        = "57014"
)

// sqlState extracts the SQLSTATE from either driver's error type.
func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return sqlState(err) == codeUniqueViolation
}

// FromDB classifies a datastore error. Errors that are already classified are
// returned unchanged; everything else becomes a TransactionFailure unless the
// SQLSTATE says otherwise.
func FromDB(err error, message string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}

	switch sqlState(err) {
	case codeUniqueViolation:
		return Wrap(KindConflict, err, message+": duplicate value")
	case codeForeignKeyViolation:
		return Wrap(KindNotFound, err, message+": referenced record does not exist")
	case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected, codeQueryCanceled:
		return Wrap(KindTransactionFailure, err, message+": datastore busy")
	}
	return Wrap(KindTransactionFailure, err, message)
}
