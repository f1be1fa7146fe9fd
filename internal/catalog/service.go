package catalog

import "context"

// Lookup is the read-only catalog access the reconciliation engine
// depends on. Catalog CRUD belongs to an external system.
type Lookup interface {
	// FindCopyByTag resolves an RFID tag to its book copy, or
	// ErrNotFound when the tag is unknown.
	FindCopyByTag(ctx context.Context, epc string) (*BookCopy, error)
	// GetReturnBox fetches a return box by id, or ErrNotFound.
	GetReturnBox(ctx context.Context, id int64) (*ReturnBox, error)
}
