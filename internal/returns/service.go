package returns

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Recorder owns return transaction and item state. The Tx-suffixed
// methods join the reconciliation engine's per-tag commit transaction,
// so an item and its loan closure become visible together or not at
// all.
type Recorder interface {
	// OpenTx inserts a pending transaction for a finalized session.
	OpenTx(ctx context.Context, tx *sql.Tx, userID, returnBoxID *int64, returnDate time.Time) (int64, error)
	// AddItemTx appends one returned copy. A copy may appear at most
	// once per transaction; a second insert fails with
	// ErrDuplicateItem.
	AddItemTx(ctx context.Context, tx *sql.Tx, returnID, copyID int64, loanID *int64, condition string, fine decimal.Decimal) (int64, error)
	// FinalizeTx sums item fines into the transaction total, inside
	// the caller's transaction.
	FinalizeTx(ctx context.Context, tx *sql.Tx, returnID int64) error
	// Get loads a transaction with its items, or ErrNotFound.
	Get(ctx context.Context, returnID int64) (*ReturnTransaction, error)
	// ListByStatus lists transactions newest-first; empty status lists
	// all. This backs the staff "pending returns" query.
	ListByStatus(ctx context.Context, status string) ([]*ReturnTransaction, error)
	// Process completes a transaction: stamps the processing staff
	// member and releases its copies back to circulation.
	Process(ctx context.Context, returnID, staffID int64, processedAt time.Time, notes string) (*ReturnTransaction, error)
}
