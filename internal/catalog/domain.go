package catalog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Condition is the physical state of a copy.
type Condition string

const (
	ConditionGood    Condition = "good"
	ConditionDamaged Condition = "damaged"
	ConditionLost    Condition = "lost"
)

// Book is a title held by the library.
type Book struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	ISBN          string     `json:"isbn" db:"isbn"`
	Title         string     `json:"title" db:"title"`
	Author        string     `json:"author" db:"author"`
	Publisher     string     `json:"publisher,omitempty" db:"publisher"`
	YearPublished int        `json:"year_published,omitempty" db:"year_published"`
	Category      string     `json:"category,omitempty" db:"category"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
	Copies        []BookCopy `json:"copies,omitempty" db:"-"`
}

// AvailableCopies counts the copies that can be lent right now.
func (b Book) AvailableCopies() int {
	n := 0
	for _, c := range b.Copies {
		if c.IsAvailable {
			n++
		}
	}
	return n
}

// BookCopy is one lendable unit of a Book.
type BookCopy struct {
	ID          uuid.UUID `json:"id" db:"id"`
	BookID      uuid.UUID `json:"book_id" db:"book_id"`
	CopyNumber  int       `json:"copy_number" db:"copy_number"`
	Code        string    `json:"code" db:"code"`
	IsAvailable bool      `json:"is_available" db:"is_available"`
	Condition   Condition `json:"condition" db:"condition"`
	// Title is the owning book's title, filled by lookups for message composition.
	Title     string    `json:"title,omitempty" db:"title"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CopyCode is the default barcode of a copy: BK + ISBN + copy number padded to three digits.
func CopyCode(isbn string, copyNumber int) string {
	return fmt.Sprintf("BK%s%03d", isbn, copyNumber)
}

// BookAddedEvent is journaled when a title and its copies enter the catalog.
type BookAddedEvent struct {
	ID          uuid.UUID `json:"id"`
	ISBN        string    `json:"isbn"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	TotalCopies int       `json:"total_copies"`
}

// AddBookRequest carries the data needed to register a title.
type AddBookRequest struct {
	ISBN          string `json:"isbn"`
	Title         string `json:"title"`
	Author        string `json:"author"`
	Publisher     string `json:"publisher"`
	YearPublished int    `json:"year_published"`
	Category      string `json:"category"`
	TotalCopies   int    `json:"total_copies"`
}
