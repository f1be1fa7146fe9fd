package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/goyaoxiang/lib-return-backend/internal/catalog"
)

// store implements Ledger against Postgres. Closing is a conditional
// update keyed on the loan's open status, so two concurrent closers of
// the same copy cannot both succeed.
type store struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewStore creates a Postgres-backed loan ledger.
func NewStore(db *sql.DB) Ledger {
	return &store{
		db:     db,
		tracer: otel.Tracer("lib-return-backend/ledger"),
	}
}

const loanColumns = `loan_id, user_id, copy_id, checkout_date, due_date, return_date, status, fine_amount, fine_paid`

func scanLoan(row interface{ Scan(...any) error }) (*Loan, error) {
	loan := &Loan{}
	var returnDate sql.NullTime
	err := row.Scan(
		&loan.ID,
		&loan.UserID,
		&loan.CopyID,
		&loan.CheckoutDate,
		&loan.DueDate,
		&returnDate,
		&loan.Status,
		&loan.FineAmount,
		&loan.FinePaid,
	)
	if err != nil {
		return nil, err
	}
	if returnDate.Valid {
		loan.ReturnDate = &returnDate.Time
	}
	return loan, nil
}

func (s *store) FindOpenLoanByCopy(ctx context.Context, copyID int64) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.find_open_loan",
		trace.WithAttributes(attribute.Int64("copy.id", copyID)),
	)
	defer span.End()

	query := fmt.Sprintf(`
		SELECT %s
		FROM loan
		WHERE copy_id = $1 AND status IN ('active', 'overdue')
	`, loanColumns)
	loan, err := scanLoan(s.db.QueryRowContext(ctx, query, copyID))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("loan.found", false))
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open loan: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("loan.found", true),
		attribute.Int64("loan.id", loan.ID),
		attribute.String("loan.status", loan.Status),
	)
	return loan, nil
}

func (s *store) CloseLoan(ctx context.Context, copyID int64, returnTime time.Time, fine decimal.Decimal, copyStatus string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.close_loan",
		trace.WithAttributes(attribute.Int64("copy.id", copyID)),
	)
	defer span.End()

	loan, err := s.FindOpenLoanByCopy(ctx, copyID)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.CloseLoanTx(ctx, tx, loan.ID, copyID, returnTime, fine, copyStatus); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Int64("loan.id", loan.ID))
	return loan.ID, nil
}

func (s *store) CloseLoanTx(ctx context.Context, tx *sql.Tx, loanID, copyID int64, returnTime time.Time, fine decimal.Decimal, copyStatus string) error {
	ctx, span := s.tracer.Start(ctx, "ledger.close_loan_tx",
		trace.WithAttributes(
			attribute.Int64("loan.id", loanID),
			attribute.Int64("copy.id", copyID),
		),
	)
	defer span.End()

	// The status predicate is the serialization point: a loan already
	// closed by a concurrent scanner matches zero rows.
	res, err := tx.ExecContext(ctx, `
		UPDATE loan
		SET status = 'returned', return_date = $1, fine_amount = $2, updated_at = NOW()
		WHERE loan_id = $3 AND status IN ('active', 'overdue')
	`, returnTime, fine, loanID)
	if err != nil {
		return fmt.Errorf("close loan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close loan rows affected: %w", err)
	}
	if affected == 0 {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		return ErrAlreadyClosed
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE book_copy
		SET status = $1, updated_at = NOW()
		WHERE copy_id = $2
	`, copyStatus, copyID); err != nil {
		return fmt.Errorf("update copy status: %w", err)
	}

	return nil
}

func (s *store) Checkout(ctx context.Context, userID, copyID int64, checkoutTime, dueTime time.Time) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.checkout",
		trace.WithAttributes(
			attribute.Int64("user.id", userID),
			attribute.Int64("copy.id", copyID),
		),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Conditional claim of the copy; an unavailable copy matches zero
	// rows and the checkout fails without touching the loan table.
	res, err := tx.ExecContext(ctx, `
		UPDATE book_copy
		SET status = $1, updated_at = NOW()
		WHERE copy_id = $2 AND status = $3
	`, catalog.CopyStatusCheckedOut, copyID, catalog.CopyStatusAvailable)
	if err != nil {
		return nil, fmt.Errorf("claim copy: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim copy rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrCopyUnavailable
	}

	loan := &Loan{
		UserID:       userID,
		CopyID:       copyID,
		CheckoutDate: checkoutTime,
		DueDate:      dueTime,
		Status:       StatusActive,
		FineAmount:   decimal.Zero,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO loan (user_id, copy_id, checkout_date, due_date, status, fine_amount)
		VALUES ($1, $2, $3, $4, 'active', 0.00)
		RETURNING loan_id
	`, userID, copyID, checkoutTime, dueTime).Scan(&loan.ID)
	if err != nil {
		return nil, fmt.Errorf("insert loan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Int64("loan.id", loan.ID))
	return loan, nil
}

func (s *store) ActiveLoansByUser(ctx context.Context, userID int64) ([]*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.active_loans",
		trace.WithAttributes(attribute.Int64("user.id", userID)),
	)
	defer span.End()

	query := fmt.Sprintf(`
		SELECT %s
		FROM loan
		WHERE user_id = $1 AND status IN ('active', 'overdue')
		ORDER BY due_date ASC
	`, loanColumns)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query active loans: %w", err)
	}
	defer rows.Close()

	var loans []*Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate loans: %w", err)
	}

	span.SetAttributes(attribute.Int("loans.count", len(loans)))
	return loans, nil
}

func (s *store) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.mark_overdue")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
		UPDATE loan
		SET status = 'overdue', updated_at = NOW()
		WHERE status = 'active' AND due_date < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("mark overdue: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark overdue rows affected: %w", err)
	}

	span.SetAttributes(attribute.Int64("loans.marked", affected))
	return affected, nil
}
