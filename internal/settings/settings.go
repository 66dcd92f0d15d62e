package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"

	"shelfledger/internal/apperr"
)

// Settings is the singleton policy record.
type Settings struct {
	DaysForReturn    int     `json:"days_for_return" db:"days_for_return"`
	FinePerDay       float64 `json:"fine_per_day" db:"fine_per_day"`
	NotificationDays int     `json:"notification_days" db:"notification_days"`
}

// Defaults returns the policy used when no settings row exists.
func Defaults() Settings {
	return Settings{DaysForReturn: 14, FinePerDay: 2.00, NotificationDays: 2}
}

// Validate checks the values an administrator submitted.
func (s Settings) Validate() error {
	if s.DaysForReturn < 1 {
		return apperr.Validation("days_for_return must be at least 1")
	}
	if s.FinePerDay < 0 {
		return apperr.Validation("fine_per_day must not be negative")
	}
	if s.NotificationDays < 0 {
		return apperr.Validation("notification_days must not be negative")
	}
	return nil
}

// ErrNotConfigured is returned by Store.Find when the singleton row is absent.
var ErrNotConfigured = errors.New("settings not configured")

// Provider supplies the current policy values, falling back to Defaults.
type Provider interface {
	Get(ctx context.Context) (Settings, error)
}

// Source reports the stored values only, returning ErrNotConfigured when
// nothing was saved. The fine calculator needs the distinction.
type Source interface {
	Find(ctx context.Context) (Settings, error)
}

// Store persists the singleton row.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a settings store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Find returns the stored settings or ErrNotConfigured.
func (s *Store) Find(ctx context.Context) (Settings, error) {
	var out Settings
	err := s.db.GetContext(ctx, &out, `
		SELECT days_for_return, fine_per_day, notification_days
		FROM settings
		WHERE id = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, ErrNotConfigured
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	return out, nil
}

// Get returns the stored settings, or the defaults when none were saved yet.
func (s *Store) Get(ctx context.Context) (Settings, error) {
	out, err := s.Find(ctx)
	if errors.Is(err, ErrNotConfigured) {
		return Defaults(), nil
	}
	return out, err
}

// Save validates and upserts the singleton row.
func (s *Store) Save(ctx context.Context, in Settings) error {
	if err := in.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (id, days_for_return, fine_per_day, notification_days)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET days_for_return = EXCLUDED.days_for_return,
		    fine_per_day = EXCLUDED.fine_per_day,
		    notification_days = EXCLUDED.notification_days
	`, in.DaysForReturn, in.FinePerDay, in.NotificationDays)
	if err != nil {
		return apperr.FromDB(err, "failed to save settings")
	}
	return nil
}

// Resilient wraps a Source for the read path. Get degrades to the defaults
// instead of failing the request, and a circuit breaker stops hammering an
// unhealthy datastore.
type Resilient struct {
	next    Source
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewResilient wraps next.
func NewResilient(next Source, logger *slog.Logger) *Resilient {
	return &Resilient{
		next:   next,
		logger: logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "settings",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotConfigured)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Find returns the stored settings through the breaker.
func (r *Resilient) Find(ctx context.Context) (Settings, error) {
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.next.Find(ctx)
	})
	if err != nil {
		return Settings{}, err
	}
	return out.(Settings), nil
}

// Get never fails.
func (r *Resilient) Get(ctx context.Context) (Settings, error) {
	out, err := r.Find(ctx)
	if errors.Is(err, ErrNotConfigured) {
		return Defaults(), nil
	}
	if err != nil {
		r.logger.WarnContext(ctx, "using default settings", "error", err.Error())
		return Defaults(), nil
	}
	return out, nil
}
