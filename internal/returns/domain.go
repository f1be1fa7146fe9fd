package returns

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Return transaction statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

var (
	ErrNotFound = errors.New("returns: transaction not found")
	// ErrDuplicateItem means a copy appeared twice in one transaction.
	// The engine's idempotent commit should make this unreachable; it
	// is logged as an invariant violation, never shown to a device.
	ErrDuplicateItem = errors.New("returns: duplicate item in transaction")
)

// ReturnTransaction groups the items deposited during one session.
type ReturnTransaction struct {
	ID          int64           `json:"id"`
	UserID      *int64          `json:"userId,omitempty"`
	ReturnBoxID *int64          `json:"returnBoxId,omitempty"`
	ReturnDate  time.Time       `json:"returnDate"`
	Status      string          `json:"status"`
	ProcessedBy *int64          `json:"processedBy,omitempty"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	TotalFines  decimal.Decimal `json:"totalFines"`
	Notes       string          `json:"notes,omitempty"`
	Items       []*ReturnItem   `json:"items,omitempty"`
}

// ReturnItem records one returned copy and its closed loan.
type ReturnItem struct {
	ID                int64           `json:"id"`
	ReturnID          int64           `json:"returnId"`
	CopyID            int64           `json:"copyId"`
	LoanID            *int64          `json:"loanId,omitempty"`
	ConditionOnReturn string          `json:"conditionOnReturn"`
	FineAmount        decimal.Decimal `json:"fineAmount"`
	EPC               string          `json:"epc,omitempty"`
	Title             string          `json:"title,omitempty"`
}
