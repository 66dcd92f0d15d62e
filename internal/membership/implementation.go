package membership

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

	"shelfledger/internal/apperr"
	"shelfledger/internal/database"
	"shelfledger/internal/session"
	"shelfledger/pkg/eventstore"
)

const searchLimit = 10

const selectUser = `
	SELECT u.id, u.name, u.year, u.class, u.course, c.email, c.role, u.created_at
	FROM users u
	JOIN credentials c ON c.user_id = u.id
`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// service implements the Service interface.
type service struct {
	db          *sqlx.DB
	eventStore  *eventstore.EventStore
	guard       LoanGuard
	rateLimiter *keyedLimiter
	logger      *slog.Logger
}

// NewService creates a new membership service instance. perMinute bounds
// login attempts and registrations per email address, each counted apart.
func NewService(db *sqlx.DB, es *eventstore.EventStore, guard LoanGuard, perMinute int, logger *slog.Logger) Service {
	if perMinute < 1 {
		perMinute = 5
	}
	return &service{
		db:          db,
		eventStore:  es,
		guard:       guard,
		rateLimiter: newKeyedLimiter(perMinute),
		logger:      logger,
	}
}

func (s *service) allow(operation, email string) error {
	if !s.rateLimiter.allow(operation + ":" + email) {
		return apperr.New(apperr.KindRateLimited, "rate limit exceeded")
	}
	return nil
}

// Register creates a common user from an email and password. The name is
// taken from the email; the other profile fields get placeholders.
func (s *service) Register(ctx context.Context, c Credentials) (*User, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.allow("register", c.Email); err != nil {
		return nil, err
	}

	user, err := s.insert(ctx, UserInput{
		Name:     nameFromEmail(c.Email),
		Email:    c.Email,
		Password: c.Password,
		Class:    placeholder,
		Course:   placeholder,
		Role:     session.RoleCommon,
	}, eventUserRegistered)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID)
	return user, nil
}

// CreateUser adds a fully described user.
func (s *service) CreateUser(ctx context.Context, in UserInput) (*User, error) {
	if in.Role == "" {
		in.Role = session.RoleCommon
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	user, err := s.insert(ctx, in, eventUserCreated)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "user created", "user_id", user.ID, "role", user.Role)
	return user, nil
}

// insert writes the user and their credential in one transaction.
func (s *service) insert(ctx context.Context, in UserInput, eventType string) (*User, error) {
	user := &User{
		ID:     uuid.New(),
		Name:   in.Name,
		Year:   in.Year,
		Class:  in.Class,
		Course: in.Course,
		Email:  in.Email,
		Role:   in.Role,
	}

	err := database.WithTx(ctx, s.db, database.TxOptions{}, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &user.CreatedAt, `
			INSERT INTO users (id, name, year, class, course)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at
		`, user.ID, user.Name, user.Year, user.Class, user.Course)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO credentials (user_id, email, password, role)
			VALUES ($1, $2, $3, $4)
		`, user.ID, user.Email, in.Password, user.Role)
		if err != nil {
			return err
		}

		_, err = s.eventStore.Append(ctx, tx, user.ID, aggregateType, eventType, UserEvent{
			ID:    user.ID,
			Name:  user.Name,
			Email: user.Email,
			Role:  user.Role,
		})
		return err
	})
	if err != nil {
		return nil, classify(err, "failed to create user")
	}
	return user, nil
}

// Authenticate returns the user whose email and password match.
func (s *service) Authenticate(ctx context.Context, c Credentials) (*User, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.allow("login", c.Email); err != nil {
		return nil, err
	}

	var user User
	err := s.db.GetContext(ctx, &user, selectUser+` WHERE c.email = $1 AND c.password = $2`, c.Email, c.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid credentials")
	}
	if err != nil {
		return nil, apperr.FromDB(err, "authentication failed")
	}
	return &user, nil
}

// GetUser retrieves a user by their ID.
func (s *service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, selectUser+` WHERE u.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user %s not found", id)
	}
	if err != nil {
		return nil, apperr.FromDB(err, "failed to get user")
	}
	return &user, nil
}

// ListUsers returns every user ordered by name.
func (s *service) ListUsers(ctx context.Context) ([]User, error) {
	users := []User{}
	if err := s.db.SelectContext(ctx, &users, selectUser+` ORDER BY u.name, u.id`); err != nil {
		return nil, apperr.FromDB(err, "failed to list users")
	}
	return users, nil
}

// SearchUsersByName finds users whose name contains query.
func (s *service) SearchUsersByName(ctx context.Context, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("the query parameter is required")
	}

	stmt, args, err := searchQuery(query)
	if err != nil {
		return nil, fmt.Errorf("failed to build search query: %w", err)
	}

	users := []User{}
	if err := s.db.SelectContext(ctx, &users, stmt, args...); err != nil {
		return nil, apperr.FromDB(err, "failed to search users")
	}
	return users, nil
}

func searchQuery(query string) (string, []any, error) {
	return goqu.Dialect("postgres").
		From(goqu.T("users").As("u")).
		Join(goqu.T("credentials").As("c"), goqu.On(goqu.I("c.user_id").Eq(goqu.I("u.id")))).
		Select("u.id", "u.name", "u.year", "u.class", "u.course", "c.email", "c.role", "u.created_at").
		Where(goqu.I("u.name").ILike("%" + likeEscaper.Replace(query) + "%")).
		Order(goqu.I("u.name").Asc()).
		Limit(searchLimit).
		Prepared(true).
		ToSQL()
}

// UpdateUser replaces a user's profile and credential.
func (s *service) UpdateUser(ctx context.Context, id uuid.UUID, in UserInput) (*User, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	user := &User{ID: id, Name: in.Name, Year: in.Year, Class: in.Class, Course: in.Course, Email: in.Email, Role: in.Role}
	err := database.WithTx(ctx, s.db, database.TxOptions{}, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &user.CreatedAt, `
			UPDATE users
			SET name = $2, year = $3, class = $4, course = $5
			WHERE id = $1
			RETURNING created_at
		`, id, in.Name, in.Year, in.Class, in.Course)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("user %s not found", id)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE credentials
			SET email = $2, password = $3, role = $4
			WHERE user_id = $1
		`, id, in.Email, in.Password, in.Role)
		if err != nil {
			return err
		}

		_, err = s.eventStore.Append(ctx, tx, id, aggregateType, eventUserUpdated, UserEvent{
			ID:    id,
			Name:  in.Name,
			Email: in.Email,
			Role:  in.Role,
		})
		return err
	})
	if err != nil {
		return nil, classify(err, "failed to update user")
	}

	s.logger.InfoContext(ctx, "user updated", "user_id", id)
	return user, nil
}

// DeleteUser removes a user without unreturned loans, credential first.
func (s *service) DeleteUser(ctx context.Context, id uuid.UUID) error {
	ok, err := s.guard.CanDeleteUser(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("user %s has active loans", id)
	}

	err = database.WithTx(ctx, s.db, database.TxOptions{}, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = $1`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("user %s not found", id)
		}

		_, err = s.eventStore.Append(ctx, tx, id, aggregateType, eventUserDeleted, UserEvent{ID: id})
		return err
	})
	if err != nil {
		return classify(err, "failed to delete user")
	}

	s.logger.InfoContext(ctx, "user deleted", "user_id", id)
	return nil
}

func classify(err error, message string) error {
	if apperr.IsUniqueViolation(err) {
		return apperr.Wrap(apperr.KindConflict, err, "a user with this email already exists")
	}
	return apperr.FromDB(err, message)
}
