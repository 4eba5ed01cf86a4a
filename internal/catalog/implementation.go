package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"librarydesk/pkg/eventstore"
)

const aggregateType = "book"

// service implements the Service interface.
type service struct {
	eventStore *eventstore.EventStore
	db         *sqlx.DB
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewService creates a new catalog service instance.
func NewService(es *eventstore.EventStore, db *sqlx.DB, logger *zap.Logger) Service {
	return &service{
		eventStore: es,
		db:         db,
		logger:     logger.Named("catalog"),
		tracer:     otel.Tracer("librarydesk/catalog"),
	}
}

// AddBook registers a title together with its copies and journals the addition.
func (s *service) AddBook(ctx context.Context, req AddBookRequest) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.add_book", trace.WithAttributes(
		attribute.String("book.isbn", req.ISBN),
		attribute.Int("book.copies", req.TotalCopies),
	))
	defer span.End()

	req.ISBN = strings.TrimSpace(req.ISBN)
	req.Title = strings.TrimSpace(req.Title)
	req.Author = strings.TrimSpace(req.Author)
	if req.ISBN == "" || req.Title == "" || req.Author == "" {
		return nil, fmt.Errorf("%w: isbn, title and author are required", ErrInvalidBook)
	}
	if req.TotalCopies < 1 {
		return nil, fmt.Errorf("%w: at least one copy is required", ErrInvalidBook)
	}

	now := time.Now().UTC()
	book := &Book{
		ID:            uuid.New(),
		ISBN:          req.ISBN,
		Title:         req.Title,
		Author:        req.Author,
		Publisher:     req.Publisher,
		YearPublished: req.YearPublished,
		Category:      req.Category,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for n := 1; n <= req.TotalCopies; n++ {
		book.Copies = append(book.Copies, BookCopy{
			ID:          uuid.New(),
			BookID:      book.ID,
			CopyNumber:  n,
			Code:        CopyCode(book.ISBN, n),
			IsAvailable: true,
			Condition:   ConditionGood,
			Title:       book.Title,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	event, err := eventstore.NewEvent("BookAdded", BookAddedEvent{
		ID:          book.ID,
		ISBN:        book.ISBN,
		Title:       book.Title,
		Author:      book.Author,
		TotalCopies: req.TotalCopies,
	})
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertBook(ctx, tx, book); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateISBN, book.ISBN)
		}
		return nil, fmt.Errorf("failed to insert book: %w", err)
	}

	if err := s.eventStore.AppendEventsTx(ctx, tx.Tx, book.ID, aggregateType, 0, []eventstore.Event{event}); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit book: %w", err)
	}

	s.logger.Info("book added",
		zap.String("book_id", book.ID.String()),
		zap.String("isbn", book.ISBN),
		zap.Int("copies", len(book.Copies)),
	)

	return book, nil
}

func insertBook(ctx context.Context, tx *sqlx.Tx, book *Book) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO books (id, isbn, title, author, publisher, year_published, category, created_at, updated_at)
		VALUES (:id, :isbn, :title, :author, :publisher, :year_published, :category, :created_at, :updated_at)
	`, book)
	if err != nil {
		return err
	}

	for i := range book.Copies {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO book_copies (id, book_id, copy_number, code, is_available, condition, created_at, updated_at)
			VALUES (:id, :book_id, :copy_number, :code, :is_available, :condition, :created_at, :updated_at)
		`, &book.Copies[i])
		if err != nil {
			return err
		}
	}
	return nil
}

// GetBook retrieves a book and its copies.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	book := &Book{}
	err := s.db.GetContext(ctx, book, `
		SELECT id, isbn, title, author, publisher, year_published, category, created_at, updated_at
		FROM books
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrBookNotFound, id)
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}

	err = s.db.SelectContext(ctx, &book.Copies, `
		SELECT c.id, c.book_id, c.copy_number, c.code, c.is_available, c.condition, b.title, c.created_at, c.updated_at
		FROM book_copies c
		JOIN books b ON b.id = c.book_id
		WHERE c.book_id = $1
		ORDER BY c.copy_number
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list copies: %w", err)
	}

	return book, nil
}

// GetCopyByCode resolves a scanned copy barcode.
func (s *service) GetCopyByCode(ctx context.Context, code string) (*BookCopy, error) {
	return FindCopyByCode(ctx, s.db, code)
}

// FindCopyByCode looks a copy up by barcode using any sqlx handle.
func FindCopyByCode(ctx context.Context, q sqlx.QueryerContext, code string) (*BookCopy, error) {
	bookCopy := &BookCopy{}
	err := sqlx.GetContext(ctx, q, bookCopy, `
		SELECT c.id, c.book_id, c.copy_number, c.code, c.is_available, c.condition, b.title, c.created_at, c.updated_at
		FROM book_copies c
		JOIN books b ON b.id = c.book_id
		WHERE c.code = $1
	`, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCopyNotFound
		}
		return nil, fmt.Errorf("failed to get copy: %w", err)
	}
	return bookCopy, nil
}

// ClaimCopy flips an available copy to unavailable in a single conditional
// update. It reports false when the copy was already lent out.
func ClaimCopy(ctx context.Context, q sqlx.ExecerContext, copyID uuid.UUID) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE book_copies
		SET is_available = FALSE, updated_at = NOW()
		WHERE id = $1 AND is_available
	`, copyID)
	if err != nil {
		return false, fmt.Errorf("failed to claim copy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim copy: %w", err)
	}
	return n == 1, nil
}

// SetAvailable sets the availability flag of a copy.
func SetAvailable(ctx context.Context, q sqlx.ExecerContext, copyID uuid.UUID, available bool) error {
	res, err := q.ExecContext(ctx, `
		UPDATE book_copies
		SET is_available = $2, updated_at = NOW()
		WHERE id = $1
	`, copyID, available)
	if err != nil {
		return fmt.Errorf("failed to set copy availability: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCopyNotFound
	}
	return nil
}
