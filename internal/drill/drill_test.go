package drill

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfledger/internal/circulation"
	"shelfledger/internal/database/dbtest"
	"shelfledger/internal/settings"
	"shelfledger/pkg/eventstore"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func constant(name string, v float64, th Threshold) Probe {
	return Probe{Name: name, Query: func(context.Context) (float64, error) { return v, nil }, Threshold: th}
}

func TestEvaluateThreshold(t *testing.T) {
	tests := []struct {
		value float64
		th    Threshold
		want  bool
	}{
		{1, Threshold{">", 0}, true},
		{0, Threshold{">", 0}, false},
		{0, Threshold{"<", 1}, true},
		{1, Threshold{">=", 1}, true},
		{2, Threshold{"<=", 1}, false},
		{0, Threshold{"==", 0}, true},
		{0, Threshold{"!=", 0}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, evaluateThreshold(tt.value, tt.th), "%v %s %v", tt.value, tt.th.Operator, tt.th.Value)
	}
}

func TestRunAbortsOnUnsteadyState(t *testing.T) {
	e := NewEngine(nil, nil, quiet())
	ran := false

	res, err := e.Run(context.Background(), Experiment{
		Name:        "unsteady",
		SteadyState: []Probe{constant("broken_rows", 3, Threshold{"==", 0})},
		Method: []Action{{Name: "inject", Execute: func(context.Context) error {
			ran = true
			return nil
		}}},
	})

	require.ErrorIs(t, err, ErrSteadyState)
	assert.False(t, ran)
	assert.False(t, res.SteadyStateValid)
	assert.False(t, res.HypothesisHeld)
	assert.Equal(t, []Violation{{Probe: "broken_rows", Expected: 0, Actual: 3}}, res.Violations)
	assert.Len(t, e.Results(), 1)
}

func TestRunEvaluatesAssertions(t *testing.T) {
	e := NewEngine(nil, nil, quiet())
	var hits float64

	exp := Experiment{
		Name: "counting",
		Method: []Action{{Name: "hit", Execute: func(context.Context) error {
			hits += 2
			return nil
		}}},
		Observe: []Probe{{
			Name:      "hits",
			Query:     func(context.Context) (float64, error) { return hits, nil },
			Threshold: Threshold{">=", 0},
		}},
		Validation: []Assertion{{Probe: "hits", Condition: equals(2), Message: "two hits"}},
	}

	res, err := e.Run(context.Background(), exp)
	require.NoError(t, err)
	assert.True(t, res.HypothesisHeld)
	assert.Equal(t, 2.0, res.Observations["hits"])

	res, err = e.Run(context.Background(), exp)
	require.NoError(t, err)
	assert.False(t, res.HypothesisHeld)
	assert.Equal(t, []string{"two hits"}, res.Failed)
}

func TestRunRollsBackAfterFailedMethod(t *testing.T) {
	e := NewEngine(nil, nil, quiet())
	var steps []string

	res, err := e.Run(context.Background(), Experiment{
		Name: "failing",
		Method: []Action{
			{Name: "first", Execute: func(context.Context) error { steps = append(steps, "first"); return errors.New("boom") }},
			{Name: "second", Execute: func(context.Context) error { steps = append(steps, "second"); return nil }},
		},
		Rollback: []Action{
			{Name: "undo", Execute: func(context.Context) error { steps = append(steps, "undo"); return nil }},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"first", "undo"}, steps)
	assert.False(t, res.HypothesisHeld)
	assert.Equal(t, []string{"first: boom"}, res.Errors)
}

func TestRunAllAgainstLedger(t *testing.T) {
	db := dbtest.Open(t, "drill_test")
	store := settings.NewStore(db)
	ledger := circulation.NewService(db, eventstore.NewEventStore(), store, store,
		circulation.WithLocation(time.UTC),
		circulation.WithLockTimeout(2*time.Second),
		circulation.WithLogger(quiet()),
	)
	e := NewEngine(db, ledger, quiet())

	shelved := uuid.New()
	_, err := db.Exec(`
		INSERT INTO books (id, title, author, quantity, available)
		VALUES ($1, 'Persuasion', 'Jane Austen', 2, TRUE)
	`, shelved)
	require.NoError(t, err)

	results, err := e.RunAll(context.Background(), e.Experiments(6))
	require.NoError(t, err)
	require.Len(t, results, 3)

	for _, res := range results {
		assert.True(t, res.HypothesisHeld, "%s: violations=%v failed=%v errors=%v",
			res.Experiment, res.Violations, res.Failed, res.Errors)
	}
	assert.Equal(t, 1.0, results[1].Observations["loans_granted"])
	assert.Equal(t, 5.0, results[1].Observations["loans_out_of_stock"])
	assert.Equal(t, 1.0, results[2].Observations["restocked_quantity"])

	var books []uuid.UUID
	require.NoError(t, db.Select(&books, `SELECT id FROM books`))
	assert.Equal(t, []uuid.UUID{shelved}, books, "fixtures are removed and other books are left alone")

	var events int
	require.NoError(t, db.Get(&events, `SELECT COUNT(*) FROM events`))
	assert.Zero(t, events, "the journal of drill loans is removed with them")
}

func TestRemoveFixtureWithoutReader(t *testing.T) {
	db := dbtest.Open(t, "drill_remove_test")
	f := fixture{bookID: uuid.New(), userID: uuid.New()}
	_, err := db.Exec(`
		INSERT INTO books (id, title, author, quantity, available)
		VALUES ($1, 'drill copy', 'drill', 1, TRUE)
	`, f.bookID)
	require.NoError(t, err)

	e := NewEngine(db, nil, quiet())
	require.NoError(t, e.remove(context.Background(), f))

	var books int
	require.NoError(t, db.Get(&books, `SELECT COUNT(*) FROM books`))
	assert.Zero(t, books)
}

func TestConsistencyCheckFlagsBrokenRows(t *testing.T) {
	db := dbtest.Open(t, "drill_broken_test")
	_, err := db.Exec(`
		INSERT INTO books (id, title, author, quantity, available)
		VALUES ('6f1c1f4e-3a3b-4c55-9a52-0f2f3c4d5e6f', 'Mislabelled', 'Someone', 0, TRUE)
	`)
	require.NoError(t, err)

	e := NewEngine(db, nil, quiet())
	res, err := e.Run(context.Background(), e.ConsistencyCheck())
	require.ErrorIs(t, err, ErrSteadyState)
	assert.Equal(t, []Violation{{Probe: "availability_mismatch", Expected: 0, Actual: 1}}, res.Violations)
}
