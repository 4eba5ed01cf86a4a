package circulation

import (
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// FinePolicy prices lateness at a flat rate per whole day.
type FinePolicy struct {
	DailyRate decimal.Decimal
	// ResetOnTimeReturn zeroes a provisional fine when the copy comes back
	// on or before the due date. When false the last computed value is kept.
	ResetOnTimeReturn bool
}

// DaysLate is the number of whole days between due and at, truncated toward
// zero. It is 0 when at is not after due.
func DaysLate(due, at time.Time) int {
	if !at.After(due) {
		return 0
	}
	return int(at.Sub(due) / day)
}

// Amount is the fine for the given number of late days.
func (p FinePolicy) Amount(daysLate int) decimal.Decimal {
	if daysLate <= 0 {
		return decimal.Zero
	}
	return p.DailyRate.Mul(decimal.NewFromInt(int64(daysLate)))
}

// openFine applies the rule for loans still out: the fine is recomputed only
// when now is past the due date, otherwise current is kept.
func (p FinePolicy) openFine(due, now time.Time, current decimal.Decimal) decimal.Decimal {
	if now.After(due) {
		return p.Amount(DaysLate(due, now))
	}
	return current
}

// closedFine applies the rule for returned loans.
func (p FinePolicy) closedFine(due, returned time.Time, current decimal.Decimal) decimal.Decimal {
	if returned.After(due) {
		return p.Amount(DaysLate(due, returned))
	}
	if p.ResetOnTimeReturn {
		return decimal.Zero
	}
	return current
}
