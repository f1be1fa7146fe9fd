package returns

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goyaoxiang/lib-return-backend/internal/catalog"
)

func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		get("PGHOST", "localhost"), get("PGPORT", "5432"),
		get("PGUSER", "postgres"), get("PGPASSWORD", "postgres"),
		get("PGDATABASE", "library_return_test"))

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS book (
			book_id BIGSERIAL PRIMARY KEY,
			title VARCHAR(500) NOT NULL,
			author VARCHAR(255)
		)`,
		`CREATE TABLE IF NOT EXISTS book_copy (
			copy_id BIGSERIAL PRIMARY KEY,
			book_id BIGINT NOT NULL REFERENCES book(book_id),
			book_epc VARCHAR(64) NOT NULL UNIQUE,
			status VARCHAR(20) NOT NULL DEFAULT 'available',
			condition VARCHAR(20) NOT NULL DEFAULT 'good',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS return_transaction (
			return_id BIGSERIAL PRIMARY KEY,
			user_id BIGINT,
			return_box_id BIGINT,
			return_date TIMESTAMPTZ NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			processed_by BIGINT,
			processed_at TIMESTAMPTZ,
			total_fines NUMERIC(10,2) NOT NULL DEFAULT 0.00,
			notes TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS return_item (
			return_item_id BIGSERIAL PRIMARY KEY,
			return_id BIGINT NOT NULL REFERENCES return_transaction(return_id),
			copy_id BIGINT NOT NULL REFERENCES book_copy(copy_id),
			loan_id BIGINT,
			condition_on_return VARCHAR(20) NOT NULL DEFAULT 'good',
			fine_amount NUMERIC(10,2) NOT NULL DEFAULT 0.00,
			UNIQUE (return_id, copy_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	if _, err := db.Exec(`TRUNCATE return_item, return_transaction, book_copy, book CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func seedCopy(t *testing.T, db *sql.DB, epc, status string) int64 {
	t.Helper()
	var bookID int64
	err := db.QueryRow(`INSERT INTO book (title, author) VALUES ('Test Title', 'Test Author') RETURNING book_id`).Scan(&bookID)
	require.NoError(t, err)
	var copyID int64
	err = db.QueryRow(`INSERT INTO book_copy (book_id, book_epc, status) VALUES ($1, $2, $3) RETURNING copy_id`,
		bookID, epc, status).Scan(&copyID)
	require.NoError(t, err)
	return copyID
}

func openWithItems(t *testing.T, db *sql.DB, s Recorder, copies []int64, fines []string) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	userID := int64(7)
	returnID, err := s.OpenTx(ctx, tx, &userID, nil, time.Now().UTC())
	require.NoError(t, err)
	for i, copyID := range copies {
		loanID := int64(100 + i)
		_, err = s.AddItemTx(ctx, tx, returnID, copyID, &loanID, "good", decimal.RequireFromString(fines[i]))
		require.NoError(t, err)
	}
	require.NoError(t, s.FinalizeTx(ctx, tx, returnID))
	require.NoError(t, tx.Commit())
	return returnID
}

func TestOpenAddFinalizeSumsFines(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)

	c1 := seedCopy(t, db, "EPC-R1", catalog.CopyStatusReturnedPending)
	c2 := seedCopy(t, db, "EPC-R2", catalog.CopyStatusReturnedPending)
	returnID := openWithItems(t, db, s, []int64{c1, c2}, []string{"1.50", "0.00"})

	txn, err := s.Get(context.Background(), returnID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, txn.Status)
	assert.Equal(t, "1.50", txn.TotalFines.StringFixed(2))
	require.Len(t, txn.Items, 2)
	assert.Equal(t, "EPC-R1", txn.Items[0].EPC)
	assert.Equal(t, "Test Title", txn.Items[0].Title)
}

func TestDuplicateCopyInTransactionRejected(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	copyID := seedCopy(t, db, "EPC-DUP", catalog.CopyStatusReturnedPending)

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	returnID, err := s.OpenTx(ctx, tx, nil, nil, time.Now().UTC())
	require.NoError(t, err)
	_, err = s.AddItemTx(ctx, tx, returnID, copyID, nil, "good", decimal.Zero)
	require.NoError(t, err)
	_, err = s.AddItemTx(ctx, tx, returnID, copyID, nil, "good", decimal.Zero)
	assert.ErrorIs(t, err, ErrDuplicateItem)
}

func TestGetUnknownTransaction(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)

	_, err := s.Get(context.Background(), 999999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByStatusFiltersPending(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	c1 := seedCopy(t, db, "EPC-L1", catalog.CopyStatusReturnedPending)
	returnID := openWithItems(t, db, s, []int64{c1}, []string{"0.50"})

	pending, err := s.ListByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, returnID, pending[0].ID)

	completed, err := s.ListByStatus(ctx, StatusCompleted)
	require.NoError(t, err)
	assert.Empty(t, completed)

	all, err := s.ListByStatus(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestProcessCompletesAndReleasesCopies(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	copyID := seedCopy(t, db, "EPC-P1", catalog.CopyStatusReturnedPending)
	returnID := openWithItems(t, db, s, []int64{copyID}, []string{"0.00"})

	processedAt := time.Now().UTC().Truncate(time.Second)
	txn, err := s.Process(ctx, returnID, 55, processedAt, "shelf checked")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, txn.Status)
	require.NotNil(t, txn.ProcessedBy)
	assert.Equal(t, int64(55), *txn.ProcessedBy)
	assert.Equal(t, "shelf checked", txn.Notes)

	var copyStatus string
	require.NoError(t, db.QueryRow(`SELECT status FROM book_copy WHERE copy_id = $1`, copyID).Scan(&copyStatus))
	assert.Equal(t, catalog.CopyStatusAvailable, copyStatus)

	// Processing is one-shot.
	_, err = s.Process(ctx, returnID, 56, processedAt, "")
	assert.ErrorIs(t, err, ErrNotFound)
}
