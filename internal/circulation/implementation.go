package circulation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"librarydesk/internal/catalog"
	"librarydesk/internal/membership"
	"librarydesk/pkg/eventstore"
)

const aggregateType = "loan"

// maxReturnAttempts bounds how often a return is retried after losing an
// optimistic race with the sweep.
const maxReturnAttempts = 3

// Option configures a service.
type Option func(*service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// service implements the Service interface.
type service struct {
	ledger    Ledger
	members   MemberDirectory
	inventory Inventory
	notifier  Notifier
	policy    Policy
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	borrows metric.Int64Counter
	returns metric.Int64Counter
	swept   metric.Int64Counter
}

// NewService creates a new circulation service instance.
func NewService(ledger Ledger, members MemberDirectory, inventory Inventory, notifier Notifier, policy Policy, logger *zap.Logger, opts ...Option) Service {
	meter := otel.Meter("librarydesk/circulation")
	s := &service{
		ledger:    ledger,
		members:   members,
		inventory: inventory,
		notifier:  notifier,
		policy:    policy,
		logger:    logger.Named("circulation"),
		tracer:    otel.Tracer("librarydesk/circulation"),
		now:       time.Now,
	}
	s.borrows, _ = meter.Int64Counter("circulation.borrows", metric.WithDescription("Borrow attempts by outcome"))
	s.returns, _ = meter.Int64Counter("circulation.returns", metric.WithDescription("Return attempts by outcome"))
	s.swept, _ = meter.Int64Counter("circulation.sweep.transitioned", metric.WithDescription("Loans moved to overdue by the sweep"))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

// Borrow validates a scan and opens a loan. Checks run in order and stop at
// the first failure.
func (s *service) Borrow(ctx context.Context, memberCode, copyCode string) (res *BorrowResult, err error) {
	memberCode = strings.TrimSpace(memberCode)
	copyCode = strings.TrimSpace(copyCode)

	ctx, span := s.tracer.Start(ctx, "circulation.borrow", trace.WithAttributes(
		attribute.String("member.code", memberCode),
		attribute.String("copy.code", copyCode),
	))
	defer func() {
		s.borrows.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if memberCode == "" || copyCode == "" {
		return nil, reject(KindInput, ErrMissingInput, "member code and copy code are required")
	}

	member, err := s.members.GetActiveMemberByCode(ctx, memberCode)
	if err != nil {
		if errors.Is(err, membership.ErrMemberNotFound) {
			return nil, reject(KindLookup, ErrMemberNotFound, memberCode)
		}
		return nil, fmt.Errorf("failed to look up member: %w", err)
	}

	overdue, err := s.hasOverdue(ctx, member.ID)
	if err != nil {
		return nil, err
	}
	if overdue {
		return nil, reject(KindBusinessRule, ErrMemberHasOverdue, member.Code)
	}

	bookCopy, err := s.inventory.GetCopyByCode(ctx, copyCode)
	if err != nil {
		if errors.Is(err, catalog.ErrCopyNotFound) {
			return nil, reject(KindLookup, ErrCopyNotFound, copyCode)
		}
		return nil, fmt.Errorf("failed to look up copy: %w", err)
	}
	if !bookCopy.IsAvailable {
		return nil, reject(KindBusinessRule, ErrCopyUnavailable, bookCopy.Code)
	}

	now := s.now()
	loan := NewLoan(LoanParams{
		MemberID:   member.ID,
		BookCopyID: bookCopy.ID,
		Period:     s.policy.LoanPeriod,
	}, now)

	event, err := eventstore.NewEvent("LoanOpened", LoanOpenedEvent{
		LoanID:       loan.ID,
		MemberID:     loan.MemberID,
		BookCopyID:   loan.BookCopyID,
		BorrowedDate: loan.BorrowedDate,
		DueDate:      loan.DueDate,
	})
	if err != nil {
		return nil, err
	}

	if err := s.ledger.OpenLoan(ctx, loan, event); err != nil {
		if errors.Is(err, ErrCopyUnavailable) {
			return nil, reject(KindBusinessRule, ErrCopyUnavailable, bookCopy.Code)
		}
		if errors.Is(err, ErrMemberNotFound) {
			return nil, reject(KindLookup, ErrMemberNotFound, memberCode)
		}
		return nil, fmt.Errorf("failed to open loan: %w", err)
	}
	bookCopy.IsAvailable = false
	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))

	s.logger.Info("loan opened",
		zap.String("loan_id", loan.ID.String()),
		zap.String("member_code", member.Code),
		zap.String("copy_code", bookCopy.Code),
		zap.Time("due_date", loan.DueDate),
	)

	return &BorrowResult{
		Loan:               loan,
		Member:             member,
		Copy:               bookCopy,
		NotificationQueued: s.notify(ctx, NotifyLoanCreated, loan.ID),
		loc:                s.policy.location(),
	}, nil
}

// hasOverdue refreshes the member's open loans and reports whether any of
// them is overdue.
func (s *service) hasOverdue(ctx context.Context, memberID uuid.UUID) (bool, error) {
	loans, err := s.ledger.OpenLoansByMember(ctx, memberID)
	if err != nil {
		return false, fmt.Errorf("failed to list member loans: %w", err)
	}

	now := s.now()
	for _, loan := range loans {
		if _, err := s.refresh(ctx, loan, now); err != nil {
			return false, err
		}
		if loan.Status == StatusOverdue {
			return true, nil
		}
	}
	return false, nil
}

// Return closes the open loan on a scanned copy and settles its fine.
func (s *service) Return(ctx context.Context, copyCode string) (res *ReturnResult, err error) {
	copyCode = strings.TrimSpace(copyCode)

	ctx, span := s.tracer.Start(ctx, "circulation.return", trace.WithAttributes(
		attribute.String("copy.code", copyCode),
	))
	defer func() {
		s.returns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if copyCode == "" {
		return nil, reject(KindInput, ErrMissingInput, "copy code is required")
	}

	bookCopy, err := s.inventory.GetCopyByCode(ctx, copyCode)
	if err != nil {
		if errors.Is(err, catalog.ErrCopyNotFound) {
			return nil, reject(KindLookup, ErrCopyNotFound, copyCode)
		}
		return nil, fmt.Errorf("failed to look up copy: %w", err)
	}

	var loan *Loan
	for attempt := 1; ; attempt++ {
		loan, err = s.closeOpenLoan(ctx, bookCopy)
		if !errors.Is(err, ErrStaleLoan) || attempt == maxReturnAttempts {
			break
		}
		s.logger.Debug("return lost a concurrent update, retrying",
			zap.String("copy_code", bookCopy.Code),
			zap.Int("attempt", attempt),
		)
	}
	if err != nil {
		return nil, err
	}
	bookCopy.IsAvailable = true
	span.SetAttributes(
		attribute.String("loan.id", loan.ID.String()),
		attribute.String("loan.fine", loan.FineAmount.String()),
	)

	s.logger.Info("loan returned",
		zap.String("loan_id", loan.ID.String()),
		zap.String("copy_code", bookCopy.Code),
		zap.String("fine_amount", loan.FineAmount.String()),
	)

	return &ReturnResult{
		Loan:               loan,
		Copy:               bookCopy,
		DaysLate:           DaysLate(loan.DueDate, *loan.ReturnDate),
		NotificationQueued: s.notify(ctx, NotifyLoanReturned, loan.ID),
		currency:           s.policy.Currency,
	}, nil
}

func (s *service) closeOpenLoan(ctx context.Context, bookCopy *catalog.BookCopy) (*Loan, error) {
	loans, err := s.ledger.OpenLoansByCopy(ctx, bookCopy.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find open loan: %w", err)
	}
	switch {
	case len(loans) == 0:
		return nil, reject(KindBusinessRule, ErrNoActiveLoan, bookCopy.Code)
	case len(loans) > 1:
		ids := make([]string, 0, len(loans))
		for _, l := range loans {
			ids = append(ids, l.ID.String())
		}
		s.logger.Error("copy has more than one open loan",
			zap.String("copy_code", bookCopy.Code),
			zap.Strings("loan_ids", ids),
		)
		return nil, reject(KindIntegrity, ErrIntegrity,
			fmt.Sprintf("copy %s has %d open loans", bookCopy.Code, len(loans)))
	}

	loan := loans[0]
	from := loan.Status
	if err := loan.Return(s.now(), s.policy.Fine); err != nil {
		return nil, err
	}

	event, err := eventstore.NewEvent("LoanReturned", LoanReturnedEvent{
		LoanID:     loan.ID,
		ReturnDate: *loan.ReturnDate,
		FineAmount: loan.FineAmount,
	})
	if err != nil {
		return nil, err
	}

	if err := s.ledger.CloseLoan(ctx, loan, from, event); err != nil {
		if errors.Is(err, ErrStaleLoan) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to close loan: %w", err)
	}
	return loan, nil
}

// notify enqueues a notification and reports whether it was accepted. A
// failure never undoes the loan transition.
func (s *service) notify(ctx context.Context, kind NotificationKind, loanID uuid.UUID) bool {
	if s.notifier == nil {
		return false
	}
	if err := s.notifier.Enqueue(ctx, kind, loanID); err != nil {
		s.logger.Warn("failed to queue notification",
			zap.String("kind", string(kind)),
			zap.String("loan_id", loanID.String()),
			zap.Error(err),
		)
		return false
	}
	return true
}

// SweepOverdue moves every late Borrowed loan to Overdue and returns how many
// moved. Loans changed concurrently by another writer are skipped.
func (s *service) SweepOverdue(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.sweep")
	defer span.End()

	now := s.now()
	loans, err := s.ledger.StaleBorrowed(ctx, now)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to select stale loans: %w", err)
	}

	transitioned := 0
	for _, loan := range loans {
		if err := ctx.Err(); err != nil {
			return transitioned, err
		}
		from := loan.Status
		changed, err := s.refresh(ctx, loan, now)
		if err != nil {
			s.logger.Error("failed to refresh loan", zap.String("loan_id", loan.ID.String()), zap.Error(err))
			continue
		}
		if changed && from == StatusBorrowed && loan.Status == StatusOverdue {
			transitioned++
		}
	}

	s.swept.Add(ctx, int64(transitioned))
	span.SetAttributes(
		attribute.Int("sweep.candidates", len(loans)),
		attribute.Int("sweep.transitioned", transitioned),
	)
	s.logger.Info("overdue sweep finished",
		zap.Int("candidates", len(loans)),
		zap.Int("transitioned", transitioned),
	)
	return transitioned, nil
}

// refresh applies Loan.Refresh and persists the change. When another writer
// got there first the stored loan is reloaded into loan and false is returned.
func (s *service) refresh(ctx context.Context, loan *Loan, now time.Time) (bool, error) {
	from := loan.Status
	before := *loan
	if !loan.Refresh(now, s.policy.Fine) {
		return false, nil
	}

	var (
		event eventstore.Event
		err   error
	)
	if from == StatusBorrowed {
		event, err = eventstore.NewEvent("LoanMarkedOverdue", LoanMarkedOverdueEvent{
			LoanID: loan.ID, FineAmount: loan.FineAmount, At: now,
		})
	} else {
		event, err = eventstore.NewEvent("LoanFineUpdated", LoanFineUpdatedEvent{
			LoanID: loan.ID, FineAmount: loan.FineAmount, At: now,
		})
	}
	if err != nil {
		*loan = before
		return false, err
	}

	err = s.ledger.UpdateLoan(ctx, loan, from, event)
	if errors.Is(err, ErrStaleLoan) {
		current, gerr := s.ledger.GetLoan(ctx, loan.ID)
		if gerr != nil {
			return false, fmt.Errorf("failed to reload loan: %w", gerr)
		}
		*loan = *current
		return false, nil
	}
	if err != nil {
		*loan = before
		return false, fmt.Errorf("failed to update loan: %w", err)
	}
	return true, nil
}

// GetLoan returns a loan with its status evaluated as of now.
func (s *service) GetLoan(ctx context.Context, id uuid.UUID) (*LoanView, error) {
	views, err := s.ListLoans(ctx, ListFilter{LoanID: id})
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLoanNotFound, id)
	}
	return &views[0], nil
}

// ListLoans lists loans matching filter. Open loans are refreshed first so
// that the status filter sees current values.
func (s *service) ListLoans(ctx context.Context, filter ListFilter) ([]LoanView, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.list_loans")
	defer span.End()

	// Borrowed and Overdue are told apart only after refreshing, so the
	// limit is applied once the status filter has run.
	query := filter
	query.Status = ""
	if filter.Status.IsOpen() {
		query.OpenOnly = true
		query.Limit = 0
	} else if filter.Status == StatusReturned {
		query.Status = StatusReturned
	}

	views, err := s.ledger.ListLoans(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}

	now := s.now()
	out := views[:0]
	for i := range views {
		if _, err := s.refresh(ctx, &views[i].Loan, now); err != nil {
			return nil, err
		}
		if filter.Status != "" && views[i].Status != filter.Status {
			continue
		}
		out = append(out, views[i])
		if filter.Limit > 0 && uint(len(out)) == filter.Limit {
			break
		}
	}
	return out, nil
}

// LoanHistory returns the journal of a loan.
func (s *service) LoanHistory(ctx context.Context, id uuid.UUID) ([]eventstore.Event, error) {
	events, err := s.ledger.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load loan history: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLoanNotFound, id)
	}
	return events, nil
}
