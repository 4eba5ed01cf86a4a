package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"librarydesk/internal/circulation"
)

// LoanReader loads the loan details a notification is composed from.
type LoanReader interface {
	GetLoan(ctx context.Context, id uuid.UUID) (*circulation.LoanView, error)
	ListLoans(ctx context.Context, filter circulation.ListFilter) ([]circulation.LoanView, error)
}

// Options tunes a Dispatcher.
type Options struct {
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	// SendsPerMinute throttles outgoing mail; 0 disables throttling.
	SendsPerMinute int
}

// Dispatcher sends loan notifications in the background. Each job is tried
// up to MaxAttempts times with a fixed RetryDelay in between; a job that
// still fails is logged and dropped.
type Dispatcher struct {
	queue    Queue
	mailer   Mailer
	composer Composer
	opts     Options
	limiter  *rate.Limiter
	logger   *zap.Logger

	sent   metric.Int64Counter
	failed metric.Int64Counter

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher. Call Run to start the workers.
func NewDispatcher(queue Queue, mailer Mailer, composer Composer, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.SendsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.SendsPerMinute)), 1)
	}

	meter := otel.Meter("librarydesk/notification")
	d := &Dispatcher{
		queue:    queue,
		mailer:   mailer,
		composer: composer,
		opts:     opts,
		limiter:  limiter,
		logger:   logger.Named("notification"),
		sleep:    sleepCtx,
	}
	d.sent, _ = meter.Int64Counter("notification.sent", metric.WithDescription("Notifications delivered"))
	d.failed, _ = meter.Int64Counter("notification.failed", metric.WithDescription("Notifications given up after all attempts"))
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue hands a notification to the queue and returns immediately.
func (d *Dispatcher) Enqueue(ctx context.Context, kind circulation.NotificationKind, loanID uuid.UUID) error {
	job := newJob(kind, loanID)
	if err := d.queue.Push(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}
	d.logger.Debug("notification queued",
		zap.String("job_id", job.ID.String()),
		zap.String("kind", string(kind)),
		zap.String("loan_id", loanID.String()),
	)
	return nil
}

// Run starts the workers and blocks until ctx is done or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context, loans LoanReader) {
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker, loans)
		}(i)
	}
	d.logger.Info("notification dispatcher started", zap.Int("workers", d.opts.Workers))
	wg.Wait()
	d.logger.Info("notification dispatcher stopped")
}

func (d *Dispatcher) work(ctx context.Context, worker int, loans LoanReader) {
	for {
		job, err := d.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			d.logger.Error("failed to receive job", zap.Int("worker", worker), zap.Error(err))
			if d.sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}
		d.Process(ctx, job, loans)
	}
}

// Process delivers one job, retrying failed attempts.
func (d *Dispatcher) Process(ctx context.Context, job Job, loans LoanReader) {
	logger := d.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("kind", string(job.Kind)),
		zap.String("loan_id", job.LoanID.String()),
	)
	kind := metric.WithAttributes(attribute.String("kind", string(job.Kind)))

	var err error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		err = d.deliver(ctx, job, loans)
		if err == nil {
			d.sent.Add(ctx, 1, kind)
			logger.Info("notification sent", zap.Int("attempt", attempt))
			return
		}
		if errors.Is(err, ErrNoRecipient) {
			logger.Info("notification skipped, member has no email")
			return
		}
		if errors.Is(err, circulation.ErrLoanNotFound) || errors.Is(err, ErrUnknownKind) {
			logger.Error("notification dropped", zap.Error(err))
			d.failed.Add(ctx, 1, kind)
			return
		}
		if attempt == d.opts.MaxAttempts {
			break
		}

		logger.Warn("notification attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", d.opts.RetryDelay),
			zap.Error(err),
		)
		if d.sleep(ctx, d.opts.RetryDelay) != nil {
			logger.Warn("notification abandoned on shutdown", zap.Int("attempt", attempt))
			return
		}
	}

	d.failed.Add(ctx, 1, kind)
	logger.Error("notification failed permanently",
		zap.Int("attempts", d.opts.MaxAttempts),
		zap.Error(err),
	)
}

func (d *Dispatcher) deliver(ctx context.Context, job Job, loans LoanReader) error {
	loan, err := loans.GetLoan(ctx, job.LoanID)
	if err != nil {
		return err
	}
	msg, err := d.composer.Compose(job.Kind, loan)
	if err != nil {
		return err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.mailer.Send(ctx, msg)
}
