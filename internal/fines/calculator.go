package fines

import (
	"time"

	"github.com/shopspring/decimal"
)

// Calculator computes bounded overdue fines. It is pure: no I/O, no
// clock access, fully determined by its inputs.
type Calculator struct {
	DailyRate decimal.Decimal
	MaxAmount decimal.Decimal
}

// NewCalculator creates a calculator with the given policy.
func NewCalculator(dailyRate, maxAmount decimal.Decimal) Calculator {
	return Calculator{DailyRate: dailyRate, MaxAmount: maxAmount}
}

// Fine returns min(cap, rate * wholeDaysLate), where wholeDaysLate
// truncates the overdue duration to whole days. Returns zero when the
// item came back on or before the due time.
func (c Calculator) Fine(due, returned time.Time) decimal.Decimal {
	if !returned.After(due) {
		return decimal.Zero
	}

	daysLate := int64(returned.Sub(due) / (24 * time.Hour))
	if daysLate <= 0 {
		return decimal.Zero
	}

	fine := c.DailyRate.Mul(decimal.NewFromInt(daysLate))
	if fine.GreaterThan(c.MaxAmount) {
		return c.MaxAmount
	}
	return fine
}
