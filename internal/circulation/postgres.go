package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"librarydesk/internal/catalog"
	"librarydesk/internal/platform/database"
	"librarydesk/pkg/eventstore"
)

const loanColumns = `id, member_id, book_copy_id, borrowed_date, due_date, return_date,
	status, fine_amount, version, created_at, updated_at`

// PostgresLedger stores loans in PostgreSQL and journals every transition in
// the event store within the same transaction.
type PostgresLedger struct {
	db     *sqlx.DB
	events *eventstore.EventStore
}

// NewPostgresLedger creates a ledger on top of an open pool.
func NewPostgresLedger(db *sqlx.DB, es *eventstore.EventStore) *PostgresLedger {
	return &PostgresLedger{db: db, events: es}
}

// OpenLoan claims the copy with a conditional update and inserts the loan.
// The member row is share-locked first so a concurrent deactivation either
// waits for the loan to commit or is seen here as an inactive member.
func (l *PostgresLedger) OpenLoan(ctx context.Context, loan *Loan, event eventstore.Event) error {
	return database.InTx(ctx, l.db, func(tx *sqlx.Tx) error {
		var active bool
		err := tx.GetContext(ctx, &active, `SELECT is_active FROM members WHERE id = $1 FOR SHARE`, loan.MemberID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMemberNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock member: %w", err)
		}
		if !active {
			return ErrMemberNotFound
		}

		claimed, err := catalog.ClaimCopy(ctx, tx, loan.BookCopyID)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrCopyUnavailable
		}

		loan.Version = 1
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO loans (id, member_id, book_copy_id, borrowed_date, due_date, return_date,
				status, fine_amount, version, created_at, updated_at)
			VALUES (:id, :member_id, :book_copy_id, :borrowed_date, :due_date, :return_date,
				:status, :fine_amount, :version, :created_at, :updated_at)
		`, loan)
		if err != nil {
			loan.Version = 0
			return fmt.Errorf("failed to insert loan: %w", err)
		}

		if err := l.events.AppendEventsTx(ctx, tx.Tx, loan.ID, aggregateType, 0, []eventstore.Event{event}); err != nil {
			loan.Version = 0
			return fmt.Errorf("failed to append event: %w", err)
		}
		return nil
	})
}

// UpdateLoan persists a refreshed open loan.
func (l *PostgresLedger) UpdateLoan(ctx context.Context, loan *Loan, from Status, event eventstore.Event) error {
	return l.transition(ctx, loan, from, event, false)
}

// CloseLoan persists a returned loan and marks its copy available again.
func (l *PostgresLedger) CloseLoan(ctx context.Context, loan *Loan, from Status, event eventstore.Event) error {
	return l.transition(ctx, loan, from, event, true)
}

func (l *PostgresLedger) transition(ctx context.Context, loan *Loan, from Status, event eventstore.Event, release bool) error {
	err := database.InTx(ctx, l.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE loans
			SET status = $1, fine_amount = $2, return_date = $3, version = version + 1, updated_at = $4
			WHERE id = $5 AND version = $6 AND status = $7
		`, loan.Status, loan.FineAmount, loan.ReturnDate, loan.UpdatedAt, loan.ID, loan.Version, from)
		if err != nil {
			return fmt.Errorf("failed to update loan: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update loan: %w", err)
		}
		if n == 0 {
			return ErrStaleLoan
		}

		if release {
			if err := catalog.SetAvailable(ctx, tx, loan.BookCopyID, true); err != nil {
				return err
			}
		}

		if err := l.events.AppendEventsTx(ctx, tx.Tx, loan.ID, aggregateType, loan.Version, []eventstore.Event{event}); err != nil {
			if errors.Is(err, eventstore.ErrConcurrencyConflict) {
				return ErrStaleLoan
			}
			return fmt.Errorf("failed to append event: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	loan.Version++
	return nil
}

// GetLoan loads a loan by id.
func (l *PostgresLedger) GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error) {
	loan := &Loan{}
	err := l.db.GetContext(ctx, loan, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrLoanNotFound, id)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// OpenLoansByCopy returns every borrowed or overdue loan of a copy.
func (l *PostgresLedger) OpenLoansByCopy(ctx context.Context, copyID uuid.UUID) ([]*Loan, error) {
	var loans []*Loan
	err := l.db.SelectContext(ctx, &loans, `
		SELECT `+loanColumns+`
		FROM loans
		WHERE book_copy_id = $1 AND status IN ('borrowed', 'overdue')
		ORDER BY borrowed_date
	`, copyID)
	if err != nil {
		return nil, fmt.Errorf("failed to select loans by copy: %w", err)
	}
	return loans, nil
}

// OpenLoansByMember returns every borrowed or overdue loan of a member.
func (l *PostgresLedger) OpenLoansByMember(ctx context.Context, memberID uuid.UUID) ([]*Loan, error) {
	var loans []*Loan
	err := l.db.SelectContext(ctx, &loans, `
		SELECT `+loanColumns+`
		FROM loans
		WHERE member_id = $1 AND status IN ('borrowed', 'overdue')
		ORDER BY due_date
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to select loans by member: %w", err)
	}
	return loans, nil
}

// StaleBorrowed returns Borrowed loans whose due date has passed.
func (l *PostgresLedger) StaleBorrowed(ctx context.Context, now time.Time) ([]*Loan, error) {
	var loans []*Loan
	err := l.db.SelectContext(ctx, &loans, `
		SELECT `+loanColumns+`
		FROM loans
		WHERE status = 'borrowed' AND due_date < $1
		ORDER BY due_date
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to select stale loans: %w", err)
	}
	return loans, nil
}

// ListLoans returns loans joined with member and copy details.
func (l *PostgresLedger) ListLoans(ctx context.Context, filter ListFilter) ([]LoanView, error) {
	query, args, err := buildListQuery(filter)
	if err != nil {
		return nil, err
	}

	var views []LoanView
	if err := l.db.SelectContext(ctx, &views, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	return views, nil
}

func buildListQuery(filter ListFilter) (string, []interface{}, error) {
	ds := goqu.Dialect("postgres").
		From(goqu.T("loans").As("l")).
		Join(goqu.T("members").As("m"), goqu.On(goqu.I("m.id").Eq(goqu.I("l.member_id")))).
		Join(goqu.T("book_copies").As("c"), goqu.On(goqu.I("c.id").Eq(goqu.I("l.book_copy_id")))).
		Join(goqu.T("books").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("c.book_id")))).
		Select(
			goqu.I("l.id"), goqu.I("l.member_id"), goqu.I("l.book_copy_id"),
			goqu.I("l.borrowed_date"), goqu.I("l.due_date"), goqu.I("l.return_date"),
			goqu.I("l.status"), goqu.I("l.fine_amount"), goqu.I("l.version"),
			goqu.I("l.created_at"), goqu.I("l.updated_at"),
			goqu.I("m.code").As("member_code"),
			goqu.I("m.name").As("member_name"),
			goqu.L(`COALESCE("m"."email", '')`).As("member_email"),
			goqu.I("c.code").As("copy_code"),
			goqu.I("b.title").As("book_title"),
		).
		Order(goqu.I("l.borrowed_date").Desc()).
		Prepared(true)

	if filter.LoanID != uuid.Nil {
		ds = ds.Where(goqu.I("l.id").Eq(filter.LoanID))
	}
	if filter.OpenOnly {
		ds = ds.Where(goqu.I("l.status").In(string(StatusBorrowed), string(StatusOverdue)))
	}
	if filter.Status != "" {
		ds = ds.Where(goqu.I("l.status").Eq(string(filter.Status)))
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		ds = ds.Where(goqu.Or(
			goqu.I("m.name").ILike(pattern),
			goqu.I("m.code").ILike(pattern),
			goqu.I("b.title").ILike(pattern),
		))
	}
	if !filter.DueFrom.IsZero() {
		ds = ds.Where(goqu.I("l.due_date").Gte(filter.DueFrom))
	}
	if !filter.DueTo.IsZero() {
		ds = ds.Where(goqu.I("l.due_date").Lt(filter.DueTo))
	}
	if filter.Limit > 0 {
		ds = ds.Limit(filter.Limit)
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build loan query: %w", err)
	}
	return query, args, nil
}

// History loads the journal of a loan.
func (l *PostgresLedger) History(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error) {
	return l.events.LoadEvents(ctx, loanID, 0, 0)
}
