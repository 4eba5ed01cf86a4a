package notification

import (
	"fmt"
	"strings"
	"time"

	"librarydesk/internal/circulation"
)

const dateLayout = "Monday, 2 January 2006"

// Composer renders loan notifications as plain-text mail.
type Composer struct {
	Currency string
	Location *time.Location
	// Now is used for day counts in overdue notices.
	Now func() time.Time
}

func (c Composer) date(t time.Time) string {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dateLayout)
}

func (c Composer) money(loan *circulation.LoanView) string {
	if c.Currency == "" {
		return loan.FineAmount.String()
	}
	return c.Currency + " " + loan.FineAmount.String()
}

// Compose builds the message of kind about loan. It fails with
// ErrNoRecipient when the member has no email address.
func (c Composer) Compose(kind circulation.NotificationKind, loan *circulation.LoanView) (Message, error) {
	to := strings.TrimSpace(loan.MemberEmail)
	if to == "" {
		return Message{}, ErrNoRecipient
	}

	var subject string
	var body strings.Builder
	fmt.Fprintf(&body, "Hello %s,\n\n", loan.MemberName)

	switch kind {
	case circulation.NotifyLoanCreated:
		subject = "Loan confirmed - " + loan.BookTitle
		fmt.Fprintf(&body, "You borrowed %q (copy %s) on %s.\n", loan.BookTitle, loan.CopyCode, c.date(loan.BorrowedDate))
		fmt.Fprintf(&body, "Please return it by %s.\n", c.date(loan.DueDate))

	case circulation.NotifyLoanReturned:
		if loan.FineAmount.IsPositive() {
			subject = "Return received - fine " + c.money(loan)
		} else {
			subject = "Return received - " + loan.BookTitle
		}
		returned := loan.UpdatedAt
		if loan.ReturnDate != nil {
			returned = *loan.ReturnDate
		}
		fmt.Fprintf(&body, "We received %q back on %s.\n", loan.BookTitle, c.date(returned))
		if loan.FineAmount.IsPositive() {
			fmt.Fprintf(&body, "A late fine of %s is due at the library desk.\n", c.money(loan))
		}

	case KindDueReminder:
		subject = "Reminder - " + loan.BookTitle + " is due tomorrow"
		fmt.Fprintf(&body, "%q (copy %s) is due on %s.\n", loan.BookTitle, loan.CopyCode, c.date(loan.DueDate))
		body.WriteString("Please return it on time to avoid a fine.\n")

	case KindOverdueNotice:
		now := time.Now()
		if c.Now != nil {
			now = c.Now()
		}
		subject = "Overdue - " + loan.BookTitle
		fmt.Fprintf(&body, "%q (copy %s) was due on %s and is %d day(s) overdue.\n",
			loan.BookTitle, loan.CopyCode, c.date(loan.DueDate), circulation.DaysLate(loan.DueDate, now))
		fmt.Fprintf(&body, "Your current fine is %s and grows every day until the book is returned.\n", c.money(loan))

	default:
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	body.WriteString("\nSchool Library\n")
	return Message{To: to, Subject: subject, Body: body.String()}, nil
}
