package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"librarydesk/internal/circulation"
)

// Reminders queues the daily due-date reminders and overdue notices.
type Reminders struct {
	loans      LoanReader
	dispatcher *Dispatcher
	location   *time.Location
	now        func() time.Time
	logger     *zap.Logger
}

// NewReminders creates the reminder jobs. Day boundaries are taken in loc.
func NewReminders(loans LoanReader, dispatcher *Dispatcher, loc *time.Location, logger *zap.Logger) *Reminders {
	if loc == nil {
		loc = time.UTC
	}
	return &Reminders{
		loans:      loans,
		dispatcher: dispatcher,
		location:   loc,
		now:        time.Now,
		logger:     logger.Named("reminders"),
	}
}

// SendDueReminders queues a reminder for every Borrowed loan due tomorrow and
// returns how many were queued.
func (r *Reminders) SendDueReminders(ctx context.Context) (int, error) {
	now := r.now().In(r.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.location)
	from := today.AddDate(0, 0, 1)

	loans, err := r.loans.ListLoans(ctx, circulation.ListFilter{
		Status:  circulation.StatusBorrowed,
		DueFrom: from,
		DueTo:   from.AddDate(0, 0, 1),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list loans due tomorrow: %w", err)
	}
	return r.enqueueAll(ctx, KindDueReminder, loans), nil
}

// SendOverdueNotices queues a notice for every Overdue loan and returns how
// many were queued.
func (r *Reminders) SendOverdueNotices(ctx context.Context) (int, error) {
	loans, err := r.loans.ListLoans(ctx, circulation.ListFilter{Status: circulation.StatusOverdue})
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue loans: %w", err)
	}
	return r.enqueueAll(ctx, KindOverdueNotice, loans), nil
}

func (r *Reminders) enqueueAll(ctx context.Context, kind circulation.NotificationKind, loans []circulation.LoanView) int {
	queued := 0
	for _, loan := range loans {
		if loan.MemberEmail == "" {
			continue
		}
		if err := r.dispatcher.Enqueue(ctx, kind, loan.ID); err != nil {
			r.logger.Warn("failed to queue notification",
				zap.String("kind", string(kind)),
				zap.String("loan_id", loan.ID.String()),
				zap.Error(err),
			)
			continue
		}
		queued++
	}
	r.logger.Info("notifications queued",
		zap.String("kind", string(kind)),
		zap.Int("candidates", len(loans)),
		zap.Int("queued", queued),
	)
	return queued
}
