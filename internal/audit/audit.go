// Package audit checks the loan ledger against the invariants the borrow and
// return workflows maintain.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Severity tells whether a failed check means corrupted data or only lag.
type Severity string

const (
	SeverityIntegrity Severity = "integrity"
	SeverityWarning   Severity = "warning"
)

// Check is a measurable property of the ledger with its allowed range.
type Check struct {
	Name        string
	Description string
	Severity    Severity
	Query       func(context.Context) (float64, error)
	Threshold   Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Report is the outcome of one audit run.
type Report struct {
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
	Healthy    bool          `json:"healthy"`
	Results    []Result      `json:"results"`
	Violations []Violation   `json:"violations"`
	Errors     []ErrorEvent  `json:"errors"`
}

type Result struct {
	Check string  `json:"check"`
	Value float64 `json:"value"`
}

type Violation struct {
	Check    string    `json:"check"`
	Severity Severity  `json:"severity"`
	Expected string    `json:"expected"`
	Actual   float64   `json:"actual"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

type ErrorEvent struct {
	Check string    `json:"check"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Auditor runs registered checks.
type Auditor struct {
	db     *sqlx.DB
	tracer trace.Tracer
	logger *zap.Logger

	mu     sync.Mutex
	checks []Check
	last   *Report
}

// NewAuditor creates an auditor with the ledger checks registered.
func NewAuditor(db *sqlx.DB, logger *zap.Logger) *Auditor {
	a := &Auditor{
		db:     db,
		tracer: otel.Tracer("librarydesk/audit"),
		logger: logger.Named("audit"),
	}
	a.RegisterLedgerChecks()
	return a
}

// Register adds a check.
func (a *Auditor) Register(c Check) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks = append(a.checks, c)
}

// Checks returns the registered checks.
func (a *Auditor) Checks() []Check {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Check(nil), a.checks...)
}

// Last returns the most recent report, or nil before the first run.
func (a *Auditor) Last() *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Run evaluates every check. Violations of integrity checks are logged as
// errors; the report is healthy when no integrity check failed.
func (a *Auditor) Run(ctx context.Context) *Report {
	ctx, span := a.tracer.Start(ctx, "audit.run")
	defer span.End()

	report := &Report{
		StartTime:  time.Now(),
		Healthy:    true,
		Results:    make([]Result, 0),
		Violations: make([]Violation, 0),
		Errors:     make([]ErrorEvent, 0),
	}

	for _, c := range a.Checks() {
		value, err := c.Query(ctx)
		if err != nil {
			report.Errors = append(report.Errors, ErrorEvent{Check: c.Name, Error: err.Error(), At: time.Now()})
			span.RecordError(err)
			a.logger.Error("audit check failed to run", zap.String("check", c.Name), zap.Error(err))
			continue
		}
		report.Results = append(report.Results, Result{Check: c.Name, Value: value})

		if c.Threshold.holds(value) {
			continue
		}
		v := Violation{
			Check:    c.Name,
			Severity: c.Severity,
			Expected: fmt.Sprintf("%s %g", c.Threshold.Operator, c.Threshold.Value),
			Actual:   value,
			Message:  c.Description,
			At:       time.Now(),
		}
		report.Violations = append(report.Violations, v)

		fields := []zap.Field{
			zap.String("check", c.Name),
			zap.Float64("actual", value),
			zap.String("expected", v.Expected),
		}
		if c.Severity == SeverityIntegrity {
			report.Healthy = false
			a.logger.Error("data integrity fault: "+c.Description, fields...)
		} else {
			a.logger.Warn(c.Description, fields...)
		}
	}

	report.EndTime = time.Now()
	report.Duration = report.EndTime.Sub(report.StartTime)

	a.mu.Lock()
	a.last = report
	a.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("audit.healthy", report.Healthy),
		attribute.Int("audit.violations", len(report.Violations)),
	)
	return report
}
