package insurance

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/ledger/internal/domain/ledger"
)

type PolicyRepository interface {
	Create(ctx context.Context, p *Policy) error
	GetByID(ctx context.Context, id uuid.UUID) (*Policy, error)
	Update(ctx context.Context, p *Policy) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Policy, int, error)
}

type ClaimRepository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	// GetForUpdate loads and row-locks the claim for the current transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Claim, error)
	UpdateStatus(ctx context.Context, c *Claim) error
	// ListByBill returns the bill's claims, newest first.
	ListByBill(ctx context.Context, billID uuid.UUID) ([]*Claim, error)
	// LockBill serializes claim submission for a bill until the transaction
	// ends.
	LockBill(ctx context.Context, billID uuid.UUID) error
}

// BillReader is the slice of the ledger a claim needs.
type BillReader interface {
	GetBill(ctx context.Context, id uuid.UUID) (*ledger.Bill, error)
	// GetBillForUpdate row-locks the bill in the caller's transaction.
	GetBillForUpdate(ctx context.Context, id uuid.UUID) (*ledger.Bill, error)
}

var _ BillReader = (*ledger.Service)(nil)
