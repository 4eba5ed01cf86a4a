package report

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Sweeper brings loan statuses up to date before figures are read.
type Sweeper interface {
	SweepOverdue(ctx context.Context) (int, error)
}

// Service defines the interface for the report service.
type Service interface {
	Dashboard(ctx context.Context) (*Dashboard, error)
	MonthlySummary(ctx context.Context, year int, month time.Month) (*MonthlySummary, error)
}

type service struct {
	db       *sqlx.DB
	sweeper  Sweeper
	location *time.Location
	now      func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService creates a report service. Day boundaries are taken in loc.
func NewService(db *sqlx.DB, sweeper Sweeper, loc *time.Location, logger *zap.Logger) Service {
	if loc == nil {
		loc = time.UTC
	}
	return &service{
		db:       db,
		sweeper:  sweeper,
		location: loc,
		now:      time.Now,
		logger:   logger.Named("report"),
		tracer:   otel.Tracer("librarydesk/report"),
	}
}

func (s *service) startOfDay(t time.Time) time.Time {
	t = t.In(s.location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.location)
}

func (s *service) get(ctx context.Context, dest interface{}, ds *goqu.SelectDataset) error {
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return s.db.GetContext(ctx, dest, query, args...)
}

func (s *service) selectAll(ctx context.Context, dest interface{}, ds *goqu.SelectDataset) error {
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return s.db.SelectContext(ctx, dest, query, args...)
}

type countQuery struct {
	dest *int
	ds   *goqu.SelectDataset
}

func (s *service) counts(ctx context.Context, queries ...countQuery) error {
	for _, q := range queries {
		if err := s.get(ctx, q.dest, q.ds); err != nil {
			return fmt.Errorf("failed to count: %w", err)
		}
	}
	return nil
}

// Dashboard returns the desk overview. Late loans are swept first so that the
// overdue figures match the loan list.
func (s *service) Dashboard(ctx context.Context) (*Dashboard, error) {
	ctx, span := s.tracer.Start(ctx, "report.dashboard")
	defer span.End()

	if s.sweeper != nil {
		if _, err := s.sweeper.SweepOverdue(ctx); err != nil {
			s.logger.Warn("sweep before dashboard failed", zap.Error(err))
		}
	}

	now := s.now()
	today := s.startOfDay(now)
	tomorrow := today.AddDate(0, 0, 1)

	d := &Dashboard{GeneratedAt: now}
	err := s.counts(ctx,
		countQuery{&d.TotalBooks, countRows("books")},
		countQuery{&d.TotalCopies, countRows("book_copies")},
		countQuery{&d.AvailableCopies, countRows("book_copies", goqu.C("is_available").IsTrue())},
		countQuery{&d.ActiveMembers, countRows("members", goqu.C("is_active").IsTrue())},
		countQuery{&d.ActiveLoans, countLoans(goqu.C("status").In(openStatuses...))},
		countQuery{&d.OverdueLoans, countLoans(overdueExpr(now))},
		countQuery{&d.BorrowsToday, countLoans(goqu.C("borrowed_date").Gte(today), goqu.C("borrowed_date").Lt(tomorrow))},
		countQuery{&d.ReturnsToday, countLoans(goqu.C("return_date").Gte(today), goqu.C("return_date").Lt(tomorrow))},
	)
	if err != nil {
		return nil, err
	}

	if err := s.get(ctx, &d.OutstandingFines, sumOpenFines()); err != nil {
		return nil, fmt.Errorf("failed to sum fines: %w", err)
	}
	if err := s.selectAll(ctx, &d.PopularBooks, popularBooks(time.Time{}, time.Time{}, 5)); err != nil {
		return nil, fmt.Errorf("failed to rank books: %w", err)
	}
	if err := s.selectAll(ctx, &d.Categories, loansByCategory()); err != nil {
		return nil, fmt.Errorf("failed to group categories: %w", err)
	}

	d.LastSevenDays, err = s.lastSevenDays(ctx, today)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *service) lastSevenDays(ctx context.Context, today time.Time) ([]DailyActivity, error) {
	from := today.AddDate(0, 0, -6)
	to := today.AddDate(0, 0, 1)

	days := make([]DailyActivity, 7)
	index := map[time.Time]int{}
	for i := range days {
		days[i].Day = from.AddDate(0, 0, i)
		index[days[i].Day] = i
	}

	var borrowed, returned []time.Time
	if err := s.selectAll(ctx, &borrowed, timestampsBetween("borrowed_date", from, to)); err != nil {
		return nil, fmt.Errorf("failed to load borrows: %w", err)
	}
	if err := s.selectAll(ctx, &returned, timestampsBetween("return_date", from, to)); err != nil {
		return nil, fmt.Errorf("failed to load returns: %w", err)
	}

	bucket(days, index, borrowed, s.startOfDay, func(d *DailyActivity) { d.Borrows++ })
	bucket(days, index, returned, s.startOfDay, func(d *DailyActivity) { d.Returns++ })
	return days, nil
}

func bucket(days []DailyActivity, index map[time.Time]int, at []time.Time, startOfDay func(time.Time) time.Time, inc func(*DailyActivity)) {
	for _, t := range at {
		if i, ok := index[startOfDay(t)]; ok {
			inc(&days[i])
		}
	}
}

// MonthlySummary aggregates the given month in the library's time zone.
func (s *service) MonthlySummary(ctx context.Context, year int, month time.Month) (*MonthlySummary, error) {
	ctx, span := s.tracer.Start(ctx, "report.monthly_summary")
	defer span.End()

	if month < time.January || month > time.December {
		return nil, fmt.Errorf("invalid month %d", month)
	}
	from := time.Date(year, month, 1, 0, 0, 0, 0, s.location)
	to := from.AddDate(0, 1, 0)
	inMonth := goqu.And(goqu.C("borrowed_date").Gte(from), goqu.C("borrowed_date").Lt(to))

	m := &MonthlySummary{Year: year, Month: month, FinesAssessed: decimal.Zero}
	err := s.counts(ctx,
		countQuery{&m.Loans, countLoans(inMonth)},
		countQuery{&m.Returns, countLoans(goqu.C("return_date").Gte(from), goqu.C("return_date").Lt(to))},
		countQuery{&m.NewMembers, membersJoinedBetween(from, to)},
		countQuery{&m.StillOverdue, countLoans(inMonth, goqu.C("status").Eq("overdue"))},
		countQuery{&m.StillOpen, countLoans(inMonth, goqu.C("status").In(openStatuses...))},
	)
	if err != nil {
		return nil, err
	}

	if err := s.get(ctx, &m.FinesAssessed, sumFinesReturnedBetween(from, to)); err != nil {
		return nil, fmt.Errorf("failed to sum fines: %w", err)
	}
	if err := s.selectAll(ctx, &m.PopularBooks, popularBooks(from, to, 5)); err != nil {
		return nil, fmt.Errorf("failed to rank books: %w", err)
	}
	if err := s.selectAll(ctx, &m.ActiveMembers, activeMembers(from, to, 5)); err != nil {
		return nil, fmt.Errorf("failed to rank members: %w", err)
	}
	return m, nil
}
