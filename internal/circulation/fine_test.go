package circulation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"shelfledger/internal/settings"
)

type stubSource struct {
	s   settings.Settings
	err error
}

func (f stubSource) Find(context.Context) (settings.Settings, error) { return f.s, f.err }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestComputeFine(t *testing.T) {
	today := NewDate(2026, time.March, 10)

	tests := []struct {
		name   string
		due    Date
		status Status
		want   float64
	}{
		{"due yesterday in progress", today.AddDays(-1), StatusInProgress, 2.00},
		{"due yesterday overdue", today.AddDays(-1), StatusOverdue, 2.00},
		{"due today", today, StatusInProgress, 0},
		{"due tomorrow", today.AddDays(1), StatusInProgress, 0},
		{"ten days late", today.AddDays(-10), StatusOverdue, 20.00},
		{"returned late loan", today.AddDays(-10), StatusReturned, 0},
		{"across month boundary", NewDate(2026, time.February, 27), StatusOverdue, 22.00},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeFine(tt.due, today, tt.status, 2.00))
		})
	}
}

func TestComputeFineRoundsToCents(t *testing.T) {
	today := NewDate(2026, time.March, 10)
	assert.Equal(t, 1.0, ComputeFine(today.AddDays(-3), today, StatusOverdue, 0.333))
	assert.Equal(t, 0.38, ComputeFine(today.AddDays(-3), today, StatusOverdue, 0.125))
}

func TestDeriveStatus(t *testing.T) {
	today := NewDate(2026, time.March, 10)

	assert.Equal(t, StatusOverdue, DeriveStatus(StatusInProgress, today.AddDays(-1), today))
	assert.Equal(t, StatusInProgress, DeriveStatus(StatusInProgress, today, today))
	assert.Equal(t, StatusInProgress, DeriveStatus(StatusInProgress, today.AddDays(3), today))
	assert.Equal(t, StatusReturned, DeriveStatus(StatusReturned, today.AddDays(-30), today))
}

func TestFineCalculator(t *testing.T) {
	// 23:30 local on the 10th must still count as the 10th.
	loc := time.FixedZone("BRT", -3*60*60)
	now := time.Date(2026, time.March, 10, 23, 30, 0, 0, loc)
	rate := stubSource{s: settings.Settings{DaysForReturn: 14, FinePerDay: 2.00, NotificationDays: 2}}

	calc := NewFineCalculator(rate, fixedClock(now), loc, quietLogger())
	today := NewDate(2026, time.March, 10)

	assert.Equal(t, today, calc.Today())
	assert.Equal(t, 2.00, calc.Calculate(context.Background(), today.AddDays(-1), StatusInProgress))
	assert.Equal(t, 0.0, calc.Calculate(context.Background(), today, StatusInProgress))
	assert.Equal(t, 0.0, calc.Calculate(context.Background(), today.AddDays(-5), StatusReturned))
}

func TestFineCalculatorFailsOpen(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	due := NewDate(2026, time.March, 1)

	missing := NewFineCalculator(stubSource{err: settings.ErrNotConfigured}, fixedClock(now), time.UTC, quietLogger())
	assert.Equal(t, 0.0, missing.Calculate(context.Background(), due, StatusOverdue))

	broken := NewFineCalculator(stubSource{err: errors.New("connection refused")}, fixedClock(now), time.UTC, quietLogger())
	assert.Equal(t, 0.0, broken.Calculate(context.Background(), due, StatusOverdue))
}

func genDate(t *rapid.T, label string) Date {
	base := NewDate(2020, time.January, 1)
	return base.AddDays(rapid.IntRange(0, 3650).Draw(t, label))
}

func TestFineProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		due := genDate(t, "due")
		today := genDate(t, "today")
		rate := float64(rapid.IntRange(0, 1000).Draw(t, "cents")) / 100
		status := rapid.SampledFrom([]Status{StatusInProgress, StatusOverdue, StatusReturned}).Draw(t, "status")

		fine := ComputeFine(due, today, status, rate)

		if fine < 0 {
			t.Fatalf("negative fine %v", fine)
		}
		if status == StatusReturned && fine != 0 {
			t.Fatalf("returned loan fined %v", fine)
		}
		if !today.After(due) && fine != 0 {
			t.Fatalf("loan not past due fined %v", fine)
		}
		if today.After(due) && status != StatusReturned {
			want := roundCents(float64(due.DaysUntil(today)) * rate)
			if fine != want {
				t.Fatalf("fine %v, want %v", fine, want)
			}
		}
	})
}

func TestDeriveStatusProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		due := genDate(t, "due")
		today := genDate(t, "today")
		persisted := rapid.SampledFrom([]Status{StatusInProgress, StatusReturned}).Draw(t, "persisted")

		got := DeriveStatus(persisted, due, today)

		switch {
		case persisted == StatusReturned && got != StatusReturned:
			t.Fatalf("returned loan derived as %s", got)
		case persisted == StatusInProgress && due.Before(today) && got != StatusOverdue:
			t.Fatalf("past-due loan derived as %s", got)
		case persisted == StatusInProgress && !due.Before(today) && got != StatusInProgress:
			t.Fatalf("loan not past due derived as %s", got)
		}
	})
}
