package circulation

import (
	"errors"
	"fmt"
)

var (
	ErrMissingInput        = errors.New("missing input")
	ErrMemberNotFound      = errors.New("member not found or inactive")
	ErrMemberHasOverdue    = errors.New("member has outstanding fines or overdue items")
	ErrCopyNotFound        = errors.New("copy not found")
	ErrCopyUnavailable     = errors.New("copy currently lent out")
	ErrNoActiveLoan        = errors.New("no active loan for this copy")
	ErrIntegrity           = errors.New("data integrity fault")
	ErrLoanNotFound        = errors.New("loan not found")
	ErrLoanAlreadyReturned = errors.New("loan already returned")
	ErrStaleLoan           = errors.New("loan was modified concurrently")
)

// ErrorKind classifies why a borrow or return was refused.
type ErrorKind string

const (
	KindInput        ErrorKind = "input"
	KindLookup       ErrorKind = "lookup"
	KindBusinessRule ErrorKind = "business_rule"
	KindIntegrity    ErrorKind = "integrity"
)

// Rejection is the typed outcome of a refused borrow or return. No state has
// been changed when a Rejection is returned.
type Rejection struct {
	Kind ErrorKind
	Err  error
	// Detail is optional context appended to the message.
	Detail string
}

func reject(kind ErrorKind, err error, detail string) *Rejection {
	return &Rejection{Kind: kind, Err: err, Detail: detail}
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.Err.Error()
	}
	return fmt.Sprintf("%s: %s", r.Err, r.Detail)
}

func (r *Rejection) Unwrap() error { return r.Err }

// KindOf returns the kind of a Rejection anywhere in err's chain, or "" when
// err is not a rejection.
func KindOf(err error) ErrorKind {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Kind
	}
	return ""
}
