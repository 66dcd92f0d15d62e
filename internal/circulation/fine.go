package circulation

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"shelfledger/internal/settings"
)

// DeriveStatus returns the status a loan is presented with on day today.
// An in-progress loan is overdue once its due date is in the past; the due
// date itself is not overdue.
func DeriveStatus(persisted Status, due, today Date) Status {
	if persisted == StatusInProgress && due.Before(today) {
		return StatusOverdue
	}
	return persisted
}

// ComputeFine returns the fine accrued by day today for a loan due on due.
// Returned loans and loans that are not past due owe nothing.
func ComputeFine(due, today Date, status Status, finePerDay float64) float64 {
	if status == StatusReturned || !today.After(due) {
		return 0
	}
	daysLate := due.DaysUntil(today)
	return roundCents(float64(daysLate) * finePerDay)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// FineCalculator computes fines against the configured daily rate.
type FineCalculator struct {
	source settings.Source
	clock  func() time.Time
	loc    *time.Location
	logger *slog.Logger
}

// NewFineCalculator creates a calculator reading the rate from source.
func NewFineCalculator(source settings.Source, clock func() time.Time, loc *time.Location, logger *slog.Logger) *FineCalculator {
	if clock == nil {
		clock = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FineCalculator{source: source, clock: clock, loc: loc, logger: logger}
}

// Rate returns the configured fine per day, or 0 when settings were never
// saved or cannot be read.
func (c *FineCalculator) Rate(ctx context.Context) float64 {
	s, err := c.source.Find(ctx)
	if err != nil {
		if !errors.Is(err, settings.ErrNotConfigured) {
			c.logger.WarnContext(ctx, "fine rate unavailable, charging nothing", "error", err.Error())
		}
		return 0
	}
	return s.FinePerDay
}

// Today is the current calendar day in the library's time zone.
func (c *FineCalculator) Today() Date {
	return DateOf(c.clock(), c.loc)
}

// Calculate returns the fine owed today for a loan due on due in state status.
func (c *FineCalculator) Calculate(ctx context.Context, due Date, status Status) float64 {
	if status == StatusReturned {
		return 0
	}
	return ComputeFine(due, c.Today(), status, c.Rate(ctx))
}
