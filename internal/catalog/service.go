package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrBookNotFound  = errors.New("book not found")
	ErrCopyNotFound  = errors.New("copy not found")
	ErrDuplicateISBN = errors.New("isbn already registered")
	ErrInvalidBook   = errors.New("invalid book")
)

// Service defines the interface for the catalog service.
type Service interface {
	AddBook(ctx context.Context, req AddBookRequest) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	GetCopyByCode(ctx context.Context, code string) (*BookCopy, error)
}
