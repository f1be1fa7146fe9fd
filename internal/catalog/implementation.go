package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// store implements Lookup against the Postgres read model.
type store struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewStore creates a Postgres-backed catalog lookup.
func NewStore(db *sql.DB) Lookup {
	return &store{
		db:     db,
		tracer: otel.Tracer("lib-return-backend/catalog"),
	}
}

func (s *store) FindCopyByTag(ctx context.Context, epc string) (*BookCopy, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.find_copy_by_tag",
		trace.WithAttributes(attribute.String("copy.epc", epc)),
	)
	defer span.End()

	query := `
		SELECT c.copy_id, c.book_id, c.copy_number, c.book_epc, c.status, c.condition, c.library_id, c.updated_at,
		       b.book_id, b.isbn, b.title, b.author
		FROM book_copy c
		JOIN book b ON b.book_id = c.book_id
		WHERE c.book_epc = $1
	`
	copy := &BookCopy{Book: &Book{}}
	var isbn sql.NullString
	err := s.db.QueryRowContext(ctx, query, epc).Scan(
		&copy.ID,
		&copy.BookID,
		&copy.CopyNumber,
		&copy.EPC,
		&copy.Status,
		&copy.Condition,
		&copy.LibraryID,
		&copy.UpdatedAt,
		&copy.Book.ID,
		&isbn,
		&copy.Book.Title,
		&copy.Book.Author,
	)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("copy.found", false))
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query copy by tag: %w", err)
	}
	copy.Book.ISBN = isbn.String

	span.SetAttributes(
		attribute.Bool("copy.found", true),
		attribute.Int64("copy.id", copy.ID),
		attribute.String("copy.status", copy.Status),
	)
	return copy, nil
}

func (s *store) GetReturnBox(ctx context.Context, id int64) (*ReturnBox, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.get_return_box",
		trace.WithAttributes(attribute.Int64("box.id", id)),
	)
	defer span.End()

	query := `
		SELECT return_box_id, return_box_name, location, library_id, status
		FROM return_box
		WHERE return_box_id = $1
	`
	box := &ReturnBox{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&box.ID,
		&box.Name,
		&box.Location,
		&box.LibraryID,
		&box.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query return box: %w", err)
	}

	return box, nil
}
