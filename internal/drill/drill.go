// Package drill runs operational experiments against a live ledger: it checks
// the stock and loan invariants hold, fires concurrent loan and return
// traffic at a single copy, and verifies the outcome.
package drill

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"shelfledger/internal/circulation"
)

// ErrSteadyState is returned when the system is already unhealthy before an
// experiment starts. Nothing is injected in that case.
var ErrSteadyState = errors.New("steady state invalid, experiment aborted")

// Experiment describes one drill.
type Experiment struct {
	Name       string
	Hypothesis string
	// SteadyState must hold before the method runs and is sampled again after.
	SteadyState []Probe
	Method      []Action
	// Observe is sampled only after the method.
	Observe    []Probe
	Rollback   []Action
	Validation []Assertion
}

// Probe measures one property of the system.
type Probe struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action is a step that drives or restores the system.
type Action struct {
	Name    string
	Execute func(context.Context) error
}

// Assertion checks an observed probe value once the drill is over.
type Assertion struct {
	Probe     string
	Condition func(float64) bool
	Message   string
}

// Result is what a drill observed.
type Result struct {
	Experiment       string             `json:"experiment"`
	StartTime        time.Time          `json:"start_time"`
	EndTime          time.Time          `json:"end_time"`
	Duration         time.Duration      `json:"duration"`
	SteadyStateValid bool               `json:"steady_state_valid"`
	HypothesisHeld   bool               `json:"hypothesis_held"`
	Violations       []Violation        `json:"violations"`
	Observations     map[string]float64 `json:"observations"`
	Errors           []string           `json:"errors"`
	Failed           []string           `json:"failed_assertions"`
}

type Violation struct {
	Probe    string  `json:"probe"`
	Expected float64 `json:"expected"`
	Actual   float64 `json:"actual"`
}

// Engine runs experiments against one database and ledger.
type Engine struct {
	tracer trace.Tracer
	db     *sqlx.DB
	ledger circulation.Service
	logger *slog.Logger

	mu      sync.Mutex
	results []Result
}

func NewEngine(db *sqlx.DB, ledger circulation.Service, logger *slog.Logger) *Engine {
	return &Engine{
		tracer: otel.Tracer("shelfledger/drill"),
		db:     db,
		ledger: ledger,
		logger: logger,
	}
}

// Results returns every result recorded so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes a single experiment. Rollback actions run even when the
// method fails part way.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "drill.run",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string]float64),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.check(ctx, exp.SteadyState, result); len(violations) > 0 {
		result.Violations = violations
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		span.SetStatus(codes.Error, ErrSteadyState.Error())
		e.record(*result)
		return result, ErrSteadyState
	}
	result.SteadyStateValid = true

	span.AddEvent("running_method")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.Errors = append(result.Errors, action.Name+": "+err.Error())
			span.RecordError(err)
			e.logger.WarnContext(ctx, "drill action failed", "experiment", exp.Name, "action", action.Name, "error", err)
			break
		}
	}

	span.AddEvent("observing")
	result.Violations = e.check(ctx, exp.SteadyState, result)
	e.check(ctx, exp.Observe, result)

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			result.Errors = append(result.Errors, action.Name+": "+err.Error())
			span.RecordError(err)
		}
	}

	result.HypothesisHeld = len(result.Violations) == 0 && len(result.Errors) == 0
	for _, a := range exp.Validation {
		value, ok := result.Observations[a.Probe]
		if !ok || !a.Condition(value) {
			result.Failed = append(result.Failed, a.Message)
			result.HypothesisHeld = false
		}
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	e.record(*result)
	return result, nil
}

// RunAll runs the experiments in order and stops early only if ctx is done.
func (e *Engine) RunAll(ctx context.Context, exps []Experiment) ([]Result, error) {
	results := make([]Result, 0, len(exps))
	for _, exp := range exps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		e.logger.InfoContext(ctx, "drill starting", "experiment", exp.Name, "hypothesis", exp.Hypothesis)
		res, err := e.Run(ctx, exp)
		if err != nil && !errors.Is(err, ErrSteadyState) {
			return results, err
		}
		results = append(results, *res)
		e.logger.InfoContext(ctx, "drill finished",
			"experiment", exp.Name,
			"hypothesis_held", res.HypothesisHeld,
			"violations", len(res.Violations),
			"duration", res.Duration,
		)
	}
	return results, nil
}

// check samples probes into result.Observations and reports the ones out of
// threshold. A probe that errors counts as a violation with Actual -1.
func (e *Engine) check(ctx context.Context, probes []Probe, result *Result) []Violation {
	var violations []Violation
	for _, p := range probes {
		value, err := p.Query(ctx)
		if err != nil {
			result.Errors = append(result.Errors, p.Name+": "+err.Error())
			violations = append(violations, Violation{Probe: p.Name, Expected: p.Threshold.Value, Actual: -1})
			continue
		}
		result.Observations[p.Name] = value
		if !evaluateThreshold(value, p.Threshold) {
			violations = append(violations, Violation{Probe: p.Name, Expected: p.Threshold.Value, Actual: value})
		}
	}
	return violations
}

func (e *Engine) record(r Result) {
	e.mu.Lock()
	e.results = append(e.results, r)
	e.mu.Unlock()
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}
