package audit

import (
	"context"
	"time"
)

// RegisterLedgerChecks registers the checks on loans and copies.
func (a *Auditor) RegisterLedgerChecks() {
	a.Register(a.countCheck("availability_mismatch", SeverityIntegrity,
		"copy availability disagrees with its open loans", `
		SELECT COUNT(*) FROM book_copies c
		WHERE c.is_available = EXISTS (
			SELECT 1 FROM loans l
			WHERE l.book_copy_id = c.id AND l.status IN ('borrowed', 'overdue')
		)`))

	a.Register(a.countCheck("multiple_open_loans", SeverityIntegrity,
		"copy has more than one open loan", `
		SELECT COUNT(*) FROM (
			SELECT book_copy_id FROM loans
			WHERE status IN ('borrowed', 'overdue')
			GROUP BY book_copy_id
			HAVING COUNT(*) > 1
		) dup`))

	a.Register(a.countCheck("returned_without_date", SeverityIntegrity,
		"returned loan has no return date", `
		SELECT COUNT(*) FROM loans WHERE status = 'returned' AND return_date IS NULL`))

	a.Register(a.countCheck("open_with_return_date", SeverityIntegrity,
		"open loan has a return date", `
		SELECT COUNT(*) FROM loans WHERE status IN ('borrowed', 'overdue') AND return_date IS NOT NULL`))

	a.Register(a.countCheck("journal_version_mismatch", SeverityIntegrity,
		"loan version differs from its journal", `
		SELECT COUNT(*) FROM loans l
		WHERE l.version <> COALESCE((SELECT MAX(e.version) FROM events e WHERE e.aggregate_id = l.id), 0)`))

	a.Register(Check{
		Name:        "sweep_lag",
		Description: "borrowed loans more than a day past due were not swept",
		Severity:    SeverityWarning,
		Threshold:   Threshold{Operator: "==", Value: 0},
		Query: func(ctx context.Context) (float64, error) {
			var n float64
			err := a.db.GetContext(ctx, &n, `
				SELECT COUNT(*) FROM loans WHERE status = 'borrowed' AND due_date < $1`,
				time.Now().Add(-24*time.Hour))
			return n, err
		},
	})
}

func (a *Auditor) countCheck(name string, severity Severity, description, query string) Check {
	return Check{
		Name:        name,
		Description: description,
		Severity:    severity,
		Threshold:   Threshold{Operator: "==", Value: 0},
		Query: func(ctx context.Context) (float64, error) {
			var n float64
			err := a.db.GetContext(ctx, &n, query)
			return n, err
		},
	}
}
