package circulation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultLoanPeriod is used when no due date and no configured period is given.
const DefaultLoanPeriod = 7 * day

// Status is the lifecycle state of a Loan.
type Status string

const (
	StatusBorrowed Status = "borrowed"
	StatusOverdue  Status = "overdue"
	StatusReturned Status = "returned"
)

// IsOpen reports whether the copy is still out on this loan.
func (s Status) IsOpen() bool {
	return s == StatusBorrowed || s == StatusOverdue
}

// Loan is a single borrow transaction of one copy by one member.
type Loan struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	MemberID     uuid.UUID       `json:"member_id" db:"member_id"`
	BookCopyID   uuid.UUID       `json:"book_copy_id" db:"book_copy_id"`
	BorrowedDate time.Time       `json:"borrowed_date" db:"borrowed_date"`
	DueDate      time.Time       `json:"due_date" db:"due_date"`
	ReturnDate   *time.Time      `json:"return_date,omitempty" db:"return_date"`
	Status       Status          `json:"status" db:"status"`
	FineAmount   decimal.Decimal `json:"fine_amount" db:"fine_amount"`
	Version      int             `json:"version" db:"version"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// LoanView is a Loan joined with the member and copy details used for
// listings and messages.
type LoanView struct {
	Loan
	MemberCode  string `json:"member_code" db:"member_code"`
	MemberName  string `json:"member_name" db:"member_name"`
	MemberEmail string `json:"member_email,omitempty" db:"member_email"`
	CopyCode    string `json:"copy_code" db:"copy_code"`
	BookTitle   string `json:"book_title" db:"book_title"`
}

// ListFilter narrows a loan listing. Zero values mean no restriction.
type ListFilter struct {
	LoanID uuid.UUID
	Status Status
	// Search matches member name, member code or book title, case-insensitively.
	Search  string
	DueFrom time.Time
	DueTo   time.Time
	// OpenOnly restricts the listing to borrowed and overdue loans.
	OpenOnly bool
	Limit    uint
}

// NotificationKind names a message the dispatcher can send about a loan.
type NotificationKind string

const (
	NotifyLoanCreated  NotificationKind = "loan_created"
	NotifyLoanReturned NotificationKind = "loan_returned"
)

// LoanOpenedEvent is journaled when a loan is created.
type LoanOpenedEvent struct {
	LoanID       uuid.UUID `json:"loan_id"`
	MemberID     uuid.UUID `json:"member_id"`
	BookCopyID   uuid.UUID `json:"book_copy_id"`
	BorrowedDate time.Time `json:"borrowed_date"`
	DueDate      time.Time `json:"due_date"`
}

// LoanMarkedOverdueEvent is journaled when a refresh finds the loan late.
type LoanMarkedOverdueEvent struct {
	LoanID     uuid.UUID       `json:"loan_id"`
	FineAmount decimal.Decimal `json:"fine_amount"`
	At         time.Time       `json:"at"`
}

// LoanFineUpdatedEvent is journaled when the fine of an overdue loan grows.
type LoanFineUpdatedEvent struct {
	LoanID     uuid.UUID       `json:"loan_id"`
	FineAmount decimal.Decimal `json:"fine_amount"`
	At         time.Time       `json:"at"`
}

// LoanReturnedEvent is journaled when the copy comes back.
type LoanReturnedEvent struct {
	LoanID     uuid.UUID       `json:"loan_id"`
	ReturnDate time.Time       `json:"return_date"`
	FineAmount decimal.Decimal `json:"fine_amount"`
}
