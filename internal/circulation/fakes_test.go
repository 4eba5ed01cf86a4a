package circulation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"librarydesk/internal/catalog"
	"librarydesk/internal/membership"
	"librarydesk/pkg/eventstore"
)

// fakeStore backs the Ledger, MemberDirectory and Inventory fakes with one
// lock so that claim-and-insert is atomic like the database transaction.
type fakeStore struct {
	mu      sync.Mutex
	members map[string]*membership.Member
	copies  map[string]*catalog.BookCopy
	loans   map[uuid.UUID]*Loan
	events  map[uuid.UUID][]eventstore.Event

	// failUpdate, when set, is returned once by the next UpdateLoan or CloseLoan.
	failUpdate error
	// afterMemberLookup, when set, runs after GetActiveMemberByCode returns.
	afterMemberLookup func(code string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members: map[string]*membership.Member{},
		copies:  map[string]*catalog.BookCopy{},
		loans:   map[uuid.UUID]*Loan{},
		events:  map[uuid.UUID][]eventstore.Event{},
	}
}

func (f *fakeStore) addMember(code, name string) *membership.Member {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &membership.Member{ID: uuid.New(), Code: code, Name: name, IsActive: true, Email: strings.ToLower(name) + "@school.test"}
	f.members[code] = m
	return m
}

func (f *fakeStore) addCopy(code, title string) *catalog.BookCopy {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &catalog.BookCopy{ID: uuid.New(), BookID: uuid.New(), CopyNumber: 1, Code: code, Title: title, IsAvailable: true, Condition: catalog.ConditionGood}
	f.copies[code] = c
	return c
}

func (f *fakeStore) copyByID(id uuid.UUID) *catalog.BookCopy {
	for _, c := range f.copies {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (f *fakeStore) copyAvailable(code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copies[code].IsAvailable
}

func (f *fakeStore) loan(id uuid.UUID) Loan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.loans[id]
}

func (f *fakeStore) loanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loans)
}

// insertLoan stores a loan directly, bypassing availability checks.
func (f *fakeStore) insertLoan(loan Loan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if loan.Version == 0 {
		loan.Version = 1
	}
	f.loans[loan.ID] = &loan
	if c := f.copyByID(loan.BookCopyID); c != nil && loan.Status.IsOpen() {
		c.IsAvailable = false
	}
}

func (f *fakeStore) deactivate(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[code].IsActive = false
}

func (f *fakeStore) memberByID(id uuid.UUID) *membership.Member {
	for _, m := range f.members {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (f *fakeStore) GetActiveMemberByCode(_ context.Context, code string) (*membership.Member, error) {
	if f.afterMemberLookup != nil {
		defer f.afterMemberLookup(code)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[code]
	if !ok || !m.IsActive {
		return nil, membership.ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) GetCopyByCode(_ context.Context, code string) (*catalog.BookCopy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.copies[code]
	if !ok {
		return nil, catalog.ErrCopyNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) OpenLoan(_ context.Context, loan *Loan, event eventstore.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.memberByID(loan.MemberID); m == nil || !m.IsActive {
		return ErrMemberNotFound
	}
	c := f.copyByID(loan.BookCopyID)
	if c == nil {
		return catalog.ErrCopyNotFound
	}
	if !c.IsAvailable {
		return ErrCopyUnavailable
	}
	c.IsAvailable = false
	loan.Version = 1
	stored := *loan
	f.loans[loan.ID] = &stored
	event.Version = 1
	f.events[loan.ID] = append(f.events[loan.ID], event)
	return nil
}

func (f *fakeStore) UpdateLoan(_ context.Context, loan *Loan, from Status, event eventstore.Event) error {
	return f.transition(loan, from, event, false)
}

func (f *fakeStore) CloseLoan(_ context.Context, loan *Loan, from Status, event eventstore.Event) error {
	return f.transition(loan, from, event, true)
}

func (f *fakeStore) transition(loan *Loan, from Status, event eventstore.Event, release bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUpdate; err != nil {
		f.failUpdate = nil
		return err
	}
	stored, ok := f.loans[loan.ID]
	if !ok || stored.Version != loan.Version || stored.Status != from {
		return ErrStaleLoan
	}
	loan.Version++
	*stored = *loan
	if release {
		if c := f.copyByID(loan.BookCopyID); c != nil {
			c.IsAvailable = true
		}
	}
	event.Version = loan.Version
	f.events[loan.ID] = append(f.events[loan.ID], event)
	return nil
}

func (f *fakeStore) GetLoan(_ context.Context, id uuid.UUID) (*Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.loans[id]
	if !ok {
		return nil, ErrLoanNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeStore) selectLoans(keep func(*Loan) bool) []*Loan {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Loan
	for _, l := range f.loans {
		if keep(l) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out
}

func (f *fakeStore) OpenLoansByCopy(_ context.Context, copyID uuid.UUID) ([]*Loan, error) {
	return f.selectLoans(func(l *Loan) bool { return l.BookCopyID == copyID && l.Status.IsOpen() }), nil
}

func (f *fakeStore) OpenLoansByMember(_ context.Context, memberID uuid.UUID) ([]*Loan, error) {
	return f.selectLoans(func(l *Loan) bool { return l.MemberID == memberID && l.Status.IsOpen() }), nil
}

func (f *fakeStore) StaleBorrowed(_ context.Context, now time.Time) ([]*Loan, error) {
	return f.selectLoans(func(l *Loan) bool { return l.Status == StatusBorrowed && l.DueDate.Before(now) }), nil
}

func (f *fakeStore) ListLoans(_ context.Context, filter ListFilter) ([]LoanView, error) {
	loans := f.selectLoans(func(l *Loan) bool {
		if filter.LoanID != uuid.Nil && l.ID != filter.LoanID {
			return false
		}
		if filter.OpenOnly && !l.Status.IsOpen() {
			return false
		}
		if filter.Status != "" && l.Status != filter.Status {
			return false
		}
		return true
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	views := make([]LoanView, 0, len(loans))
	for _, l := range loans {
		v := LoanView{Loan: *l}
		for _, m := range f.members {
			if m.ID == l.MemberID {
				v.MemberCode, v.MemberName, v.MemberEmail = m.Code, m.Name, m.Email
			}
		}
		if c := f.copyByID(l.BookCopyID); c != nil {
			v.CopyCode, v.BookTitle = c.Code, c.Title
		}
		if filter.Search != "" {
			s := strings.ToLower(filter.Search)
			if !strings.Contains(strings.ToLower(v.MemberName+" "+v.MemberCode+" "+v.BookTitle), s) {
				continue
			}
		}
		views = append(views, v)
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].BorrowedDate.After(views[j].BorrowedDate) })
	if filter.Limit > 0 && uint(len(views)) > filter.Limit {
		views = views[:filter.Limit]
	}
	return views, nil
}

func (f *fakeStore) History(_ context.Context, loanID uuid.UUID) ([]eventstore.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]eventstore.Event(nil), f.events[loanID]...), nil
}

type notification struct {
	kind   NotificationKind
	loanID uuid.UUID
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (n *fakeNotifier) Enqueue(_ context.Context, kind NotificationKind, loanID uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification{kind: kind, loanID: loanID})
	return nil
}

var errQueueDown = errors.New("queue down")

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
