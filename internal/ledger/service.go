package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger owns loan and book-copy lifecycle state. Copy status never
// changes outside this package and the staff processing step.
type Ledger interface {
	// FindOpenLoanByCopy returns the single active or overdue loan for
	// a copy, or ErrNotFound.
	FindOpenLoanByCopy(ctx context.Context, copyID int64) (*Loan, error)
	// CloseLoan transitions one loan and its copy together: loan ->
	// returned with the given return time and fine, copy -> copyStatus.
	// Returns the closed loan id, ErrNotFound when no open loan exists,
	// ErrAlreadyClosed when a concurrent closer won.
	CloseLoan(ctx context.Context, copyID int64, returnTime time.Time, fine decimal.Decimal, copyStatus string) (int64, error)
	// CloseLoanTx is CloseLoan for a caller-owned transaction, keyed by
	// the loan id resolved earlier in the same reconciliation.
	CloseLoanTx(ctx context.Context, tx *sql.Tx, loanID, copyID int64, returnTime time.Time, fine decimal.Decimal, copyStatus string) error
	// Checkout opens a loan for an available copy.
	Checkout(ctx context.Context, userID, copyID int64, checkoutTime, dueTime time.Time) (*Loan, error)
	// ActiveLoansByUser lists open loans ordered by due date.
	ActiveLoansByUser(ctx context.Context, userID int64) ([]*Loan, error)
	// MarkOverdue flips past-due active loans to overdue and returns
	// how many changed.
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
}
