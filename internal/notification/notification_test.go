package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"librarydesk/internal/circulation"
)

var due = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

type fakeLoans struct {
	mu    sync.Mutex
	loans map[uuid.UUID]circulation.LoanView
	lists []circulation.ListFilter
}

func newFakeLoans(views ...circulation.LoanView) *fakeLoans {
	f := &fakeLoans{loans: map[uuid.UUID]circulation.LoanView{}}
	for _, v := range views {
		f.loans[v.ID] = v
	}
	return f
}

func (f *fakeLoans) GetLoan(_ context.Context, id uuid.UUID) (*circulation.LoanView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.loans[id]
	if !ok {
		return nil, circulation.ErrLoanNotFound
	}
	return &v, nil
}

func (f *fakeLoans) ListLoans(_ context.Context, filter circulation.ListFilter) ([]circulation.LoanView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = append(f.lists, filter)
	var out []circulation.LoanView
	for _, v := range f.loans {
		if filter.Status != "" && v.Status != filter.Status {
			continue
		}
		if !filter.DueFrom.IsZero() && v.DueDate.Before(filter.DueFrom) {
			continue
		}
		if !filter.DueTo.IsZero() && !v.DueDate.Before(filter.DueTo) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

type fakeMailer struct {
	mu    sync.Mutex
	fails int
	calls int
	sent  []Message
}

func (m *fakeMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fails > 0 {
		m.fails--
		return errors.New("smtp unavailable")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func view(email string, status circulation.Status, fine int64) circulation.LoanView {
	return circulation.LoanView{
		Loan: circulation.Loan{
			ID:           uuid.New(),
			BorrowedDate: due.Add(-7 * 24 * time.Hour),
			DueDate:      due,
			Status:       status,
			FineAmount:   decimal.NewFromInt(fine),
		},
		MemberCode:  "MBR1001",
		MemberName:  "Ayu",
		MemberEmail: email,
		CopyCode:    "BK978602000000001",
		BookTitle:   "Laskar Pelangi",
	}
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func newTestDispatcher(q Queue, m Mailer, attempts int) (*Dispatcher, *recordedSleeps) {
	d := NewDispatcher(q, m, Composer{Currency: "IDR"}, Options{
		Workers:     1,
		MaxAttempts: attempts,
		RetryDelay:  time.Minute,
	}, zap.NewNop())
	rec := &recordedSleeps{}
	d.sleep = func(ctx context.Context, delay time.Duration) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.delays = append(rec.delays, delay)
		return ctx.Err()
	}
	return d, rec
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	loan := view("ayu@school.test", circulation.StatusBorrowed, 0)
	mailer := &fakeMailer{fails: 2}
	d, sleeps := newTestDispatcher(NewMemoryQueue(4), mailer, 3)

	d.Process(context.Background(), newJob(circulation.NotifyLoanCreated, loan.ID), newFakeLoans(loan))

	assert.Equal(t, 3, mailer.calls)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "ayu@school.test", mailer.sent[0].To)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, sleeps.delays)
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	loan := view("ayu@school.test", circulation.StatusBorrowed, 0)
	mailer := &fakeMailer{fails: 10}
	d, sleeps := newTestDispatcher(NewMemoryQueue(4), mailer, 3)

	d.Process(context.Background(), newJob(circulation.NotifyLoanCreated, loan.ID), newFakeLoans(loan))

	assert.Equal(t, 3, mailer.calls)
	assert.Empty(t, mailer.sent)
	assert.Len(t, sleeps.delays, 2)
}

func TestDispatcher_SkipsWithoutRetry(t *testing.T) {
	noEmail := view("", circulation.StatusBorrowed, 0)
	mailer := &fakeMailer{}
	d, sleeps := newTestDispatcher(NewMemoryQueue(4), mailer, 3)
	loans := newFakeLoans(noEmail)

	d.Process(context.Background(), newJob(circulation.NotifyLoanCreated, noEmail.ID), loans)
	d.Process(context.Background(), newJob(circulation.NotifyLoanCreated, uuid.New()), loans)

	assert.Zero(t, mailer.calls)
	assert.Empty(t, sleeps.delays)
}

func TestDispatcher_AbandonsOnCancel(t *testing.T) {
	loan := view("ayu@school.test", circulation.StatusBorrowed, 0)
	mailer := &fakeMailer{fails: 10}
	d, _ := newTestDispatcher(NewMemoryQueue(4), mailer, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Process(ctx, newJob(circulation.NotifyLoanCreated, loan.ID), newFakeLoans(loan))

	assert.LessOrEqual(t, mailer.calls, 1)
}

func TestDispatcher_RunDeliversQueuedJobs(t *testing.T) {
	loan := view("ayu@school.test", circulation.StatusReturned, 3000)
	mailer := &fakeMailer{}
	q := NewMemoryQueue(4)
	d, _ := newTestDispatcher(q, mailer, 3)

	require.NoError(t, d.Enqueue(context.Background(), circulation.NotifyLoanReturned, loan.ID))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, newFakeLoans(loan))
		close(done)
	}()

	require.Eventually(t, func() bool {
		mailer.mu.Lock()
		defer mailer.mu.Unlock()
		return len(mailer.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, "Return received - fine IDR 3000", mailer.sent[0].Subject)
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, newJob(circulation.NotifyLoanCreated, uuid.New())))
	assert.ErrorIs(t, q.Push(ctx, newJob(circulation.NotifyLoanCreated, uuid.New())), ErrQueueFull)
	assert.Equal(t, 1, q.Len())

	job, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, circulation.NotifyLoanCreated, job.Kind)

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = q.Pop(timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Close())
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, q.Push(ctx, Job{}), ErrQueueClosed)
}

func TestJobEncoding(t *testing.T) {
	job := newJob(KindOverdueNotice, uuid.New())
	data, err := encodeJob(job)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"overdue_notice"`)

	decoded, err := decodeJob(data)
	require.NoError(t, err)
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, job.LoanID, decoded.LoanID)
	assert.True(t, job.EnqueuedAt.Equal(decoded.EnqueuedAt))
}

func TestCompose(t *testing.T) {
	c := Composer{Currency: "IDR", Now: func() time.Time { return due.Add(50 * time.Hour) }}

	created := view("ayu@school.test", circulation.StatusBorrowed, 0)
	msg, err := c.Compose(circulation.NotifyLoanCreated, &created)
	require.NoError(t, err)
	assert.Equal(t, "Loan confirmed - Laskar Pelangi", msg.Subject)
	assert.Contains(t, msg.Body, "Monday, 10 March 2025")

	returned := view("ayu@school.test", circulation.StatusReturned, 0)
	msg, err = c.Compose(circulation.NotifyLoanReturned, &returned)
	require.NoError(t, err)
	assert.Equal(t, "Return received - Laskar Pelangi", msg.Subject)
	assert.NotContains(t, msg.Body, "fine")

	overdue := view("ayu@school.test", circulation.StatusOverdue, 2000)
	msg, err = c.Compose(KindOverdueNotice, &overdue)
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "2 day(s) overdue")
	assert.Contains(t, msg.Body, "IDR 2000")

	msg, err = c.Compose(KindDueReminder, &created)
	require.NoError(t, err)
	assert.Contains(t, msg.Subject, "due tomorrow")

	_, err = c.Compose("unknown", &created)
	assert.ErrorIs(t, err, ErrUnknownKind)

	noEmail := view(" ", circulation.StatusBorrowed, 0)
	_, err = c.Compose(circulation.NotifyLoanCreated, &noEmail)
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestReminders(t *testing.T) {
	tomorrow := view("ayu@school.test", circulation.StatusBorrowed, 0)
	later := view("budi@school.test", circulation.StatusBorrowed, 0)
	later.DueDate = due.Add(72 * time.Hour)
	noEmail := view("", circulation.StatusBorrowed, 0)
	overdue := view("sari@school.test", circulation.StatusOverdue, 1000)
	loans := newFakeLoans(tomorrow, later, noEmail, overdue)

	q := NewMemoryQueue(8)
	d, _ := newTestDispatcher(q, &fakeMailer{}, 3)
	r := NewReminders(loans, d, time.UTC, zap.NewNop())
	r.now = func() time.Time { return due.Add(-20 * time.Hour) }

	n, err := r.SendDueReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindDueReminder, job.Kind)
	assert.Equal(t, tomorrow.ID, job.LoanID)

	n, err = r.SendOverdueNotices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	job, err = q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindOverdueNotice, job.Kind)
	assert.Equal(t, overdue.ID, job.LoanID)
}
