package returns

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/goyaoxiang/lib-return-backend/internal/catalog"
)

// uniqueViolation is the Postgres error code backing the
// (return_id, copy_id) uniqueness invariant.
const uniqueViolation = "23505"

// store implements Recorder against Postgres.
type store struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewStore creates a Postgres-backed return recorder.
func NewStore(db *sql.DB) Recorder {
	return &store{
		db:     db,
		tracer: otel.Tracer("lib-return-backend/returns"),
	}
}

func (s *store) OpenTx(ctx context.Context, tx *sql.Tx, userID, returnBoxID *int64, returnDate time.Time) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "returns.open")
	defer span.End()

	var returnID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO return_transaction (user_id, return_box_id, return_date, status, total_fines)
		VALUES ($1, $2, $3, 'pending', 0.00)
		RETURNING return_id
	`, userID, returnBoxID, returnDate).Scan(&returnID)
	if err != nil {
		return 0, fmt.Errorf("insert return transaction: %w", err)
	}

	span.SetAttributes(attribute.Int64("return.id", returnID))
	return returnID, nil
}

func (s *store) AddItemTx(ctx context.Context, tx *sql.Tx, returnID, copyID int64, loanID *int64, condition string, fine decimal.Decimal) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "returns.add_item",
		trace.WithAttributes(
			attribute.Int64("return.id", returnID),
			attribute.Int64("copy.id", copyID),
		),
	)
	defer span.End()

	var itemID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO return_item (return_id, copy_id, loan_id, condition_on_return, fine_amount)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING return_item_id
	`, returnID, copyID, loanID, condition, fine).Scan(&itemID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return 0, ErrDuplicateItem
		}
		return 0, fmt.Errorf("insert return item: %w", err)
	}

	span.SetAttributes(attribute.Int64("item.id", itemID))
	return itemID, nil
}

func (s *store) FinalizeTx(ctx context.Context, tx *sql.Tx, returnID int64) error {
	ctx, span := s.tracer.Start(ctx, "returns.finalize",
		trace.WithAttributes(attribute.Int64("return.id", returnID)),
	)
	defer span.End()

	res, err := tx.ExecContext(ctx, `
		UPDATE return_transaction
		SET total_fines = (
			SELECT COALESCE(SUM(fine_amount), 0.00)
			FROM return_item
			WHERE return_id = $1
		), updated_at = NOW()
		WHERE return_id = $1
	`, returnID)
	if err != nil {
		return fmt.Errorf("finalize transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const transactionColumns = `return_id, user_id, return_box_id, return_date, status, processed_by, processed_at, total_fines, notes`

func scanTransaction(row interface{ Scan(...any) error }) (*ReturnTransaction, error) {
	txn := &ReturnTransaction{}
	var processedAt sql.NullTime
	var notes sql.NullString
	err := row.Scan(
		&txn.ID,
		&txn.UserID,
		&txn.ReturnBoxID,
		&txn.ReturnDate,
		&txn.Status,
		&txn.ProcessedBy,
		&processedAt,
		&txn.TotalFines,
		&notes,
	)
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		txn.ProcessedAt = &processedAt.Time
	}
	txn.Notes = notes.String
	return txn, nil
}

func (s *store) Get(ctx context.Context, returnID int64) (*ReturnTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "returns.get",
		trace.WithAttributes(attribute.Int64("return.id", returnID)),
	)
	defer span.End()

	query := fmt.Sprintf(`
		SELECT %s FROM return_transaction WHERE return_id = $1
	`, transactionColumns)
	txn, err := scanTransaction(s.db.QueryRowContext(ctx, query, returnID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query return transaction: %w", err)
	}

	items, err := s.itemsFor(ctx, returnID)
	if err != nil {
		return nil, err
	}
	txn.Items = items

	span.SetAttributes(attribute.Int("items.count", len(items)))
	return txn, nil
}

func (s *store) itemsFor(ctx context.Context, returnID int64) ([]*ReturnItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.return_item_id, i.return_id, i.copy_id, i.loan_id, i.condition_on_return, i.fine_amount,
		       c.book_epc, b.title
		FROM return_item i
		JOIN book_copy c ON c.copy_id = i.copy_id
		JOIN book b ON b.book_id = c.book_id
		WHERE i.return_id = $1
		ORDER BY i.return_item_id ASC
	`, returnID)
	if err != nil {
		return nil, fmt.Errorf("query return items: %w", err)
	}
	defer rows.Close()

	var items []*ReturnItem
	for rows.Next() {
		item := &ReturnItem{}
		if err := rows.Scan(
			&item.ID,
			&item.ReturnID,
			&item.CopyID,
			&item.LoanID,
			&item.ConditionOnReturn,
			&item.FineAmount,
			&item.EPC,
			&item.Title,
		); err != nil {
			return nil, fmt.Errorf("scan return item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate return items: %w", err)
	}
	return items, nil
}

func (s *store) ListByStatus(ctx context.Context, status string) ([]*ReturnTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "returns.list",
		trace.WithAttributes(attribute.String("filter.status", status)),
	)
	defer span.End()

	query := fmt.Sprintf(`
		SELECT %s FROM return_transaction
		WHERE ($1 = '' OR status = $1)
		ORDER BY return_date DESC
	`, transactionColumns)
	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("query return transactions: %w", err)
	}
	defer rows.Close()

	var txns []*ReturnTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan return transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate return transactions: %w", err)
	}

	span.SetAttributes(attribute.Int("transactions.count", len(txns)))
	return txns, nil
}

func (s *store) Process(ctx context.Context, returnID, staffID int64, processedAt time.Time, notes string) (*ReturnTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "returns.process",
		trace.WithAttributes(
			attribute.Int64("return.id", returnID),
			attribute.Int64("staff.id", staffID),
		),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE return_transaction
		SET status = 'completed', processed_by = $1, processed_at = $2,
		    notes = NULLIF($3, ''), updated_at = NOW()
		WHERE return_id = $4 AND status = 'pending'
	`, staffID, processedAt, notes, returnID)
	if err != nil {
		return nil, fmt.Errorf("process transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("process rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	// Physical confirmation releases the copies back to circulation.
	if _, err := tx.ExecContext(ctx, `
		UPDATE book_copy
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND copy_id IN (
			SELECT copy_id FROM return_item WHERE return_id = $3
		)
	`, catalog.CopyStatusAvailable, catalog.CopyStatusReturnedPending, returnID); err != nil {
		return nil, fmt.Errorf("release copies: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return s.Get(ctx, returnID)
}
