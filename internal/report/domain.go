package report

import (
	"time"

	"github.com/shopspring/decimal"
)

// Dashboard is the desk overview.
type Dashboard struct {
	GeneratedAt      time.Time       `json:"generated_at"`
	TotalBooks       int             `json:"total_books"`
	TotalCopies      int             `json:"total_copies"`
	AvailableCopies  int             `json:"available_copies"`
	ActiveMembers    int             `json:"active_members"`
	ActiveLoans      int             `json:"active_loans"`
	OverdueLoans     int             `json:"overdue_loans"`
	BorrowsToday     int             `json:"borrows_today"`
	ReturnsToday     int             `json:"returns_today"`
	OutstandingFines decimal.Decimal `json:"outstanding_fines"`
	PopularBooks     []BookCount     `json:"popular_books"`
	Categories       []CategoryCount `json:"categories"`
	LastSevenDays    []DailyActivity `json:"last_seven_days"`
}

// MonthlySummary aggregates the loans of one calendar month.
type MonthlySummary struct {
	Year          int             `json:"year"`
	Month         time.Month      `json:"month"`
	Loans         int             `json:"loans"`
	Returns       int             `json:"returns"`
	NewMembers    int             `json:"new_members"`
	FinesAssessed decimal.Decimal `json:"fines_assessed"`
	StillOverdue  int             `json:"still_overdue"`
	StillOpen     int             `json:"still_open"`
	PopularBooks  []BookCount     `json:"popular_books"`
	ActiveMembers []MemberCount   `json:"active_members"`
}

type BookCount struct {
	Title string `json:"title" db:"title"`
	ISBN  string `json:"isbn" db:"isbn"`
	Loans int    `json:"loans" db:"loans"`
}

type MemberCount struct {
	Code  string `json:"code" db:"code"`
	Name  string `json:"name" db:"name"`
	Loans int    `json:"loans" db:"loans"`
}

type CategoryCount struct {
	Category string `json:"category" db:"category"`
	Loans    int    `json:"loans" db:"loans"`
}

// DailyActivity counts borrows and returns on one local day.
type DailyActivity struct {
	Day     time.Time `json:"day"`
	Borrows int       `json:"borrows"`
	Returns int       `json:"returns"`
}
