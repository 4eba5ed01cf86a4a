package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"librarydesk/internal/catalog"
	"librarydesk/internal/membership"
	"librarydesk/pkg/eventstore"
)

// Service defines the interface for the circulation service. Borrow and
// Return report refusals as *Rejection.
type Service interface {
	Borrow(ctx context.Context, memberCode, copyCode string) (*BorrowResult, error)
	Return(ctx context.Context, copyCode string) (*ReturnResult, error)
	SweepOverdue(ctx context.Context) (int, error)
	GetLoan(ctx context.Context, id uuid.UUID) (*LoanView, error)
	ListLoans(ctx context.Context, filter ListFilter) ([]LoanView, error)
	LoanHistory(ctx context.Context, id uuid.UUID) ([]eventstore.Event, error)
}

// Ledger is the authoritative store of loans. Every write is conditional on
// the loan's stored status and version still matching the caller's copy and
// fails with ErrStaleLoan otherwise.
type Ledger interface {
	// OpenLoan claims the copy and stores the new loan atomically. It fails
	// with ErrCopyUnavailable when the copy is already lent out and with
	// ErrMemberNotFound when the member was deactivated in the meantime.
	OpenLoan(ctx context.Context, loan *Loan, event eventstore.Event) error
	// UpdateLoan persists a refresh of an open loan that was in status from.
	UpdateLoan(ctx context.Context, loan *Loan, from Status, event eventstore.Event) error
	// CloseLoan persists a returned loan and releases its copy atomically.
	CloseLoan(ctx context.Context, loan *Loan, from Status, event eventstore.Event) error

	GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	OpenLoansByCopy(ctx context.Context, copyID uuid.UUID) ([]*Loan, error)
	OpenLoansByMember(ctx context.Context, memberID uuid.UUID) ([]*Loan, error)
	// StaleBorrowed returns Borrowed loans whose due date is before now.
	StaleBorrowed(ctx context.Context, now time.Time) ([]*Loan, error)
	ListLoans(ctx context.Context, filter ListFilter) ([]LoanView, error)
	History(ctx context.Context, loanID uuid.UUID) ([]eventstore.Event, error)
}

// MemberDirectory resolves scanned member codes.
type MemberDirectory interface {
	GetActiveMemberByCode(ctx context.Context, code string) (*membership.Member, error)
}

// Inventory resolves scanned copy codes. The availability flip itself is
// part of the Ledger's atomic writes.
type Inventory interface {
	GetCopyByCode(ctx context.Context, code string) (*catalog.BookCopy, error)
}

// Notifier hands a loan notification to the background dispatcher.
type Notifier interface {
	Enqueue(ctx context.Context, kind NotificationKind, loanID uuid.UUID) error
}

// Policy holds the lending rules.
type Policy struct {
	LoanPeriod time.Duration
	Fine       FinePolicy
	Currency   string
	Location   *time.Location
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// BorrowResult is the outcome of a successful borrow.
type BorrowResult struct {
	Loan               *Loan              `json:"loan"`
	Member             *membership.Member `json:"member"`
	Copy               *catalog.BookCopy  `json:"copy"`
	NotificationQueued bool               `json:"notification_queued"`
	loc                *time.Location
}

// Message is the one-line confirmation shown at the desk.
func (r *BorrowResult) Message() string {
	loc := r.loc
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("%s borrowed %q (%s), due %s.",
		r.Member.Name, r.Copy.Title, r.Copy.Code, r.Loan.DueDate.In(loc).Format("2006-01-02"))
}

// ReturnResult is the outcome of a successful return.
type ReturnResult struct {
	Loan               *Loan             `json:"loan"`
	Copy               *catalog.BookCopy `json:"copy"`
	DaysLate           int               `json:"days_late"`
	NotificationQueued bool              `json:"notification_queued"`
	currency           string
}

// Message is the one-line confirmation shown at the desk. It carries the
// exact fine when one is due.
func (r *ReturnResult) Message() string {
	if r.Loan.FineAmount.IsPositive() {
		amount := r.Loan.FineAmount.String()
		if r.currency != "" {
			amount = r.currency + " " + amount
		}
		return fmt.Sprintf("%q returned %d day(s) late. Fine due: %s.", r.Copy.Title, r.DaysLate, amount)
	}
	return fmt.Sprintf("%q returned. No fine due.", r.Copy.Title)
}
