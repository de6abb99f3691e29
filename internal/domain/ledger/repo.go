package ledger

import (
	"context"

	"github.com/google/uuid"
)

type BillRepository interface {
	// Create inserts b, returning ErrBillNumberTaken on a number collision
	// without aborting the surrounding transaction.
	Create(ctx context.Context, b *Bill) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bill, error)
	// GetForUpdate loads and row-locks the bill for the current transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Bill, error)
	// FindOpen returns the newest open bill for the patient, row-locked, or
	// nil when there is none. A non-nil encounterID narrows the search to
	// that encounter.
	FindOpen(ctx context.Context, patientID uuid.UUID, encounterID *uuid.UUID) (*Bill, error)
	// LockScope serializes bill creation for key until the transaction ends.
	LockScope(ctx context.Context, key string) error
	// NextSequence returns one past the highest sequence issued under the
	// bill number stem.
	NextSequence(ctx context.Context, stem string) (int, error)
	UpdateTotals(ctx context.Context, b *Bill) error
	Finalize(ctx context.Context, b *Bill) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error)
	ListOpenIDs(ctx context.Context) ([]uuid.UUID, error)
}

type ItemRepository interface {
	// FindByKey returns the item with the same idempotency key, or nil.
	FindByKey(ctx context.Context, billID uuid.UUID, itemCode *string, description string) (*BillItem, error)
	// Insert adds the item unless its idempotency key already exists.
	Insert(ctx context.Context, it *BillItem) (bool, error)
	ListByBill(ctx context.Context, billID uuid.UUID) ([]*BillItem, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	ListByBill(ctx context.Context, billID uuid.UUID) ([]*Payment, error)
}

type DiscountRepository interface {
	Create(ctx context.Context, d *Discount) error
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Discount, error)
	Approve(ctx context.Context, d *Discount) error
	ListByBill(ctx context.Context, billID uuid.UUID) ([]*Discount, error)
}

// TxRunner runs fn as one atomic unit. Nested calls join the outer unit.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ClaimSource lists the claims filed against a bill.
type ClaimSource interface {
	ClaimsForBill(ctx context.Context, billID uuid.UUID) ([]ClaimSummary, error)
}
