package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/goyaoxiang/lib-return-backend/internal/catalog"
	"github.com/goyaoxiang/lib-return-backend/internal/eventlog"
	"github.com/goyaoxiang/lib-return-backend/internal/ledger"
	"github.com/goyaoxiang/lib-return-backend/internal/returns"
)

// CommitRequest carries one tag's durable state change.
type CommitRequest struct {
	SessionID uuid.UUID
	// Seq counts this session's previously committed items; it is the
	// journal's expected version.
	Seq int
	// ReturnID is zero until the session's first successful commit
	// opens the transaction.
	ReturnID int64
	UserID   *int64
	BoxID    *int64
	Copy     *catalog.BookCopy
	LoanID   int64
	Fine     decimal.Decimal
	At       time.Time
}

// FinalizeRequest closes out a session's transaction total.
type FinalizeRequest struct {
	SessionID uuid.UUID
	Version   int
	ReturnID  int64
	DeviceID  string
	ItemCount int
	TotalFine decimal.Decimal
	ClosedAt  time.Time
}

// Committer applies the engine's durable writes. Each call is one
// atomic unit: partial effects are never visible.
type Committer interface {
	// CommitItem closes the loan, appends the return item (opening the
	// transaction when ReturnID is zero) and journals the event.
	// Returns the transaction id. ledger.ErrAlreadyClosed passes
	// through when a concurrent closer won the copy.
	CommitItem(ctx context.Context, req CommitRequest) (int64, error)
	// FinalizeReturn sums item fines into the transaction total and
	// journals the session finalization.
	FinalizeReturn(ctx context.Context, req FinalizeRequest) error
}

// sqlCommitter implements Committer over one Postgres database,
// spanning the loan ledger, return recorder and event journal in a
// single transaction per call.
type sqlCommitter struct {
	db       *sql.DB
	ledger   ledger.Ledger
	recorder returns.Recorder
	journal  *eventlog.Journal
	tracer   trace.Tracer

	// copyStatus is the book_copy status written at commit:
	// returned_pending until staff confirmation, or available.
	copyStatus string
}

// NewCommitter builds the production committer.
func NewCommitter(db *sql.DB, ldg ledger.Ledger, rec returns.Recorder, journal *eventlog.Journal, copyStatus string) Committer {
	return &sqlCommitter{
		db:         db,
		ledger:     ldg,
		recorder:   rec,
		journal:    journal,
		tracer:     otel.Tracer("lib-return-backend/reconcile"),
		copyStatus: copyStatus,
	}
}

func (c *sqlCommitter) CommitItem(ctx context.Context, req CommitRequest) (int64, error) {
	ctx, span := c.tracer.Start(ctx, "reconcile.commit",
		trace.WithAttributes(
			attribute.Int64("loan.id", req.LoanID),
			attribute.Int64("copy.id", req.Copy.ID),
		),
	)
	defer span.End()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin commit transaction: %w", err)
	}
	defer tx.Rollback()

	returnID := req.ReturnID
	if returnID == 0 {
		returnID, err = c.recorder.OpenTx(ctx, tx, req.UserID, req.BoxID, req.At)
		if err != nil {
			return 0, err
		}
	}

	if err := c.ledger.CloseLoanTx(ctx, tx, req.LoanID, req.Copy.ID, req.At, req.Fine, c.copyStatus); err != nil {
		return 0, err
	}

	loanID := req.LoanID
	if _, err := c.recorder.AddItemTx(ctx, tx, returnID, req.Copy.ID, &loanID, req.Copy.Condition, req.Fine); err != nil {
		return 0, err
	}

	data, err := json.Marshal(eventlog.BookReturnedEvent{
		ReturnID:   returnID,
		LoanID:     req.LoanID,
		CopyID:     req.Copy.ID,
		EPC:        req.Copy.EPC,
		Fine:       req.Fine.StringFixed(2),
		ReturnedAt: req.At,
	})
	if err != nil {
		return 0, fmt.Errorf("encode journal event: %w", err)
	}
	err = c.journal.AppendTx(ctx, tx, req.SessionID, "return_session", req.Seq, []eventlog.Event{
		{EventType: eventlog.TypeBookReturned, EventData: data},
	})
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Int64("return.id", returnID))
	return returnID, nil
}

func (c *sqlCommitter) FinalizeReturn(ctx context.Context, req FinalizeRequest) error {
	ctx, span := c.tracer.Start(ctx, "reconcile.finalize",
		trace.WithAttributes(attribute.Int64("return.id", req.ReturnID)),
	)
	defer span.End()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.recorder.FinalizeTx(ctx, tx, req.ReturnID); err != nil {
		return err
	}

	data, err := json.Marshal(eventlog.SessionFinalizedEvent{
		DeviceID:  req.DeviceID,
		ReturnID:  req.ReturnID,
		ItemCount: req.ItemCount,
		TotalFine: req.TotalFine.StringFixed(2),
		ClosedAt:  req.ClosedAt,
	})
	if err != nil {
		return fmt.Errorf("encode journal event: %w", err)
	}
	err = c.journal.AppendTx(ctx, tx, req.SessionID, "return_session", req.Version, []eventlog.Event{
		{EventType: eventlog.TypeSessionFinalized, EventData: data},
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize transaction: %w", err)
	}
	return nil
}
