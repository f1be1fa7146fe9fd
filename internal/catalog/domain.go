package catalog

import (
	"errors"
	"time"
)

// Book copy statuses. Transitions happen only through the loan ledger
// and the staff processing step.
const (
	CopyStatusAvailable       = "available"
	CopyStatusCheckedOut      = "checked_out"
	CopyStatusReturnedPending = "returned_pending"
	CopyStatusDamaged         = "damaged"
	CopyStatusLost            = "lost"
)

var ErrNotFound = errors.New("catalog: not found")

// Book is a catalog title.
type Book struct {
	ID     int64  `json:"id"`
	ISBN   string `json:"isbn,omitempty"`
	Title  string `json:"title"`
	Author string `json:"author"`
}

// BookCopy is a physical copy carrying an RFID tag (EPC).
type BookCopy struct {
	ID         int64     `json:"id"`
	BookID     int64     `json:"bookId"`
	CopyNumber int       `json:"copyNumber"`
	EPC        string    `json:"epc"`
	Status     string    `json:"status"`
	Condition  string    `json:"condition"`
	LibraryID  *int64    `json:"libraryId,omitempty"`
	Book       *Book     `json:"book,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ReturnBox is a physical return unit bound to a library.
type ReturnBox struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Location  string `json:"location"`
	LibraryID *int64 `json:"libraryId,omitempty"`
	Status    string `json:"status"`
}
