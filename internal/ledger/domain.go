package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Loan statuses.
const (
	StatusActive   = "active"
	StatusReturned = "returned"
	StatusOverdue  = "overdue"
	StatusLost     = "lost"
)

var (
	// ErrNotFound means no open loan exists for the copy.
	ErrNotFound = errors.New("ledger: no open loan")
	// ErrAlreadyClosed means a concurrent closer won the race for the
	// same loan. Callers treat it like ErrNotFound for device purposes.
	ErrAlreadyClosed = errors.New("ledger: loan already closed")
	// ErrCopyUnavailable means the copy cannot be checked out.
	ErrCopyUnavailable = errors.New("ledger: copy not available")
)

// Loan links a user to a book copy for a bounded period.
type Loan struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"userId"`
	CopyID       int64           `json:"copyId"`
	CheckoutDate time.Time       `json:"checkoutDate"`
	DueDate      time.Time       `json:"dueDate"`
	ReturnDate   *time.Time      `json:"returnDate,omitempty"`
	Status       string          `json:"status"`
	FineAmount   decimal.Decimal `json:"fineAmount"`
	FinePaid     bool            `json:"finePaid"`
}

// Open reports whether the loan still holds the copy.
func (l *Loan) Open() bool {
	return l.Status == StatusActive || l.Status == StatusOverdue
}
