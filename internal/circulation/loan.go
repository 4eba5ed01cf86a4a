package circulation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanParams describes a loan to create. BorrowedDate and DueDate are optional.
type LoanParams struct {
	MemberID     uuid.UUID
	BookCopyID   uuid.UUID
	BorrowedDate time.Time
	DueDate      time.Time
	// Period is the loan length used when DueDate is zero.
	Period time.Duration
}

// NewLoan creates a Borrowed loan with no fine. A zero BorrowedDate means now,
// and a zero DueDate is BorrowedDate + Period (DefaultLoanPeriod when Period
// is not positive).
func NewLoan(p LoanParams, now time.Time) *Loan {
	borrowed := p.BorrowedDate
	if borrowed.IsZero() {
		borrowed = now
	}
	period := p.Period
	if period <= 0 {
		period = DefaultLoanPeriod
	}
	due := p.DueDate
	if due.IsZero() {
		due = borrowed.Add(period)
	}
	return &Loan{
		ID:           uuid.New(),
		MemberID:     p.MemberID,
		BookCopyID:   p.BookCopyID,
		BorrowedDate: borrowed,
		DueDate:      due,
		Status:       StatusBorrowed,
		FineAmount:   decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Refresh evaluates an open loan against now. A Borrowed loan past its due
// date becomes Overdue and an Overdue loan has its fine recomputed. It
// reports whether anything changed.
func (l *Loan) Refresh(now time.Time, p FinePolicy) bool {
	if !l.Status.IsOpen() {
		return false
	}

	changed := false
	if l.Status == StatusBorrowed && now.After(l.DueDate) {
		l.Status = StatusOverdue
		changed = true
	}
	if l.Status == StatusOverdue {
		fine := p.openFine(l.DueDate, now, l.FineAmount)
		if !fine.Equal(l.FineAmount) {
			l.FineAmount = fine
			changed = true
		}
	}
	if changed {
		l.UpdatedAt = now
	}
	return changed
}

// Return closes the loan at now and settles the fine.
func (l *Loan) Return(now time.Time, p FinePolicy) error {
	if l.Status == StatusReturned {
		return ErrLoanAlreadyReturned
	}
	returned := now
	l.ReturnDate = &returned
	l.Status = StatusReturned
	l.FineAmount = p.closedFine(l.DueDate, returned, l.FineAmount)
	l.UpdatedAt = now
	return nil
}

// IsOverdue reports whether the loan is late at now, whatever its stored status.
func (l *Loan) IsOverdue(now time.Time) bool {
	if l.Status == StatusReturned {
		return false
	}
	return l.Status == StatusOverdue || now.After(l.DueDate)
}

// DaysUntilDue counts whole days left before the due date, negative once
// late. Returned loans report 0.
func (l *Loan) DaysUntilDue(now time.Time) int {
	if l.Status == StatusReturned {
		return 0
	}
	if now.After(l.DueDate) {
		return -DaysLate(l.DueDate, now)
	}
	return int(l.DueDate.Sub(now) / day)
}
