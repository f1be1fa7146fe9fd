package fines

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestFineOnTimeIsZero(t *testing.T) {
	calc := NewCalculator(mustDecimal(t, "0.50"), mustDecimal(t, "10.00"))
	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, calc.Fine(due, due).IsZero())
	assert.True(t, calc.Fine(due, due.Add(-time.Hour)).IsZero())
	assert.True(t, calc.Fine(due, due.AddDate(0, 0, -7)).IsZero())
}

func TestFineTruncatesToWholeDays(t *testing.T) {
	calc := NewCalculator(mustDecimal(t, "0.50"), mustDecimal(t, "10.00"))
	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Less than one whole day late: no fine yet.
	assert.True(t, calc.Fine(due, due.Add(23*time.Hour)).IsZero())

	// Three whole days late at 0.50/day.
	returned := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "1.50", calc.Fine(due, returned).StringFixed(2))

	// Three days and change still counts as three.
	assert.Equal(t, "1.50", calc.Fine(due, returned.Add(6*time.Hour)).StringFixed(2))
}

func TestFineIsCapped(t *testing.T) {
	calc := NewCalculator(mustDecimal(t, "0.50"), mustDecimal(t, "10.00"))
	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// 30 days * 0.50 = 15.00, capped at 10.00.
	returned := due.AddDate(0, 0, 30)
	assert.Equal(t, "10.00", calc.Fine(due, returned).StringFixed(2))

	// A year late is still capped.
	assert.Equal(t, "10.00", calc.Fine(due, due.AddDate(1, 0, 0)).StringFixed(2))
}

func TestFineMonotonicInReturnTime(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		calc := NewCalculator(
			decimal.NewFromInt(rapid.Int64Range(0, 100).Draw(t, "rate")).Div(decimal.NewFromInt(100)),
			decimal.NewFromInt(rapid.Int64Range(0, 10000).Draw(t, "cap")).Div(decimal.NewFromInt(100)),
		)
		due := time.Unix(rapid.Int64Range(0, 1e9).Draw(t, "due"), 0)

		offset1 := rapid.Int64Range(-1e7, 1e8).Draw(t, "offset1")
		offset2 := rapid.Int64Range(offset1, 1e8).Draw(t, "offset2")
		t1 := due.Add(time.Duration(offset1) * time.Second)
		t2 := due.Add(time.Duration(offset2) * time.Second)

		f1 := calc.Fine(due, t1)
		f2 := calc.Fine(due, t2)

		if f1.GreaterThan(f2) {
			t.Fatalf("fine not monotonic: fine(%v)=%s > fine(%v)=%s", t1, f1, t2, f2)
		}
		if !t1.After(due) && !f1.IsZero() {
			t.Fatalf("on-time return fined: %s", f1)
		}
		if f2.GreaterThan(calc.MaxAmount) {
			t.Fatalf("fine %s exceeds cap %s", f2, calc.MaxAmount)
		}
	})
}
