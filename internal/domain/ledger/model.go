package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BillStatus string

const (
	StatusDraft   BillStatus = "draft"
	StatusPending BillStatus = "pending"
	StatusPartial BillStatus = "partial"
	StatusPaid    BillStatus = "paid"
)

type PaymentMode string

const (
	ModeCash      PaymentMode = "cash"
	ModeCard      PaymentMode = "card"
	ModeUPI       PaymentMode = "upi"
	ModeCheque    PaymentMode = "cheque"
	ModeNEFT      PaymentMode = "neft"
	ModeInsurance PaymentMode = "insurance"
)

var validModes = map[PaymentMode]bool{
	ModeCash: true, ModeCard: true, ModeUPI: true, ModeCheque: true, ModeNEFT: true, ModeInsurance: true,
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
	DiscountScheme     DiscountType = "scheme"
)

type DiscountStatus string

const (
	DiscountPending  DiscountStatus = "pending"
	DiscountApproved DiscountStatus = "approved"
)

// Bill maps to the bill table: a patient's running account.
type Bill struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	BillNumber     string          `db:"bill_number" json:"bill_number"`
	PatientID      uuid.UUID       `db:"patient_id" json:"patient_id"`
	EncounterID    *uuid.UUID      `db:"encounter_id" json:"encounter_id,omitempty"`
	Status         BillStatus      `db:"status" json:"status"`
	Subtotal       decimal.Decimal `db:"subtotal" json:"subtotal"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	TaxAmount      decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	PaidAmount     decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	BalanceDue     decimal.Decimal `db:"balance_due" json:"balance_due"`
	FinalizedAt    *time.Time      `db:"finalized_at" json:"finalized_at,omitempty"`
	FinalizedBy    *string         `db:"finalized_by" json:"finalized_by,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// IsOpen reports whether new charges may still land on the bill.
func (b *Bill) IsOpen() bool {
	return b.FinalizedAt == nil && b.Status != StatusPaid
}

func (b *Bill) IsFinalized() bool { return b.FinalizedAt != nil }

// BillItem is immutable once created. Corrections are new items.
type BillItem struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	BillID      uuid.UUID       `db:"bill_id" json:"bill_id"`
	Category    string          `db:"category" json:"category"`
	Department  *string         `db:"department" json:"department,omitempty"`
	ItemCode    *string         `db:"item_code" json:"item_code,omitempty"`
	Description string          `db:"description" json:"description"`
	Quantity    decimal.Decimal `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice  decimal.Decimal `db:"total_price" json:"total_price"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

type Payment struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	BillID          uuid.UUID       `db:"bill_id" json:"bill_id"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Mode            PaymentMode     `db:"payment_mode" json:"payment_mode"`
	ReferenceNumber *string         `db:"reference_number" json:"reference_number,omitempty"`
	ReceivedBy      string          `db:"received_by" json:"received_by"`
	ReceivedAt      time.Time       `db:"received_at" json:"received_at"`
}

type Discount struct {
	ID         uuid.UUID        `db:"id" json:"id"`
	BillID     uuid.UUID        `db:"bill_id" json:"bill_id"`
	Type       DiscountType     `db:"discount_type" json:"discount_type"`
	Value      decimal.Decimal  `db:"discount_value" json:"discount_value"`
	Amount     *decimal.Decimal `db:"amount" json:"amount,omitempty"`
	Reason     string           `db:"reason" json:"reason"`
	Status     DiscountStatus   `db:"status" json:"status"`
	ApprovedBy *string          `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt *time.Time       `db:"approved_at" json:"approved_at,omitempty"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
}

// ItemInput is a charge to post onto a bill.
type ItemInput struct {
	Category    string           `json:"category"`
	Department  string           `json:"department,omitempty"`
	ItemCode    string           `json:"item_code,omitempty"`
	Description string           `json:"description"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	PostedBy    string           `json:"-"`
}

type PaymentInput struct {
	Amount          decimal.Decimal `json:"amount"`
	Mode            PaymentMode     `json:"payment_mode"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
	ReceivedBy      string          `json:"received_by,omitempty"`
}

type DiscountInput struct {
	Type       DiscountType    `json:"discount_type"`
	Value      decimal.Decimal `json:"discount_value"`
	Reason     string          `json:"reason"`
	ApprovedBy string          `json:"approved_by,omitempty"`
}

// ClaimSummary is the claim view embedded in a bill detail.
type ClaimSummary struct {
	ID             uuid.UUID        `json:"id"`
	PolicyID       uuid.UUID        `json:"policy_id"`
	ClaimAmount    decimal.Decimal  `json:"claim_amount"`
	ApprovedAmount *decimal.Decimal `json:"approved_amount,omitempty"`
	Status         string           `json:"status"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	SettledAt      *time.Time       `json:"settled_at,omitempty"`
}

type BillDetail struct {
	Bill      *Bill          `json:"bill"`
	Items     []*BillItem    `json:"items"`
	Payments  []*Payment     `json:"payments"`
	Discounts []*Discount    `json:"discounts"`
	Claims    []ClaimSummary `json:"claims"`
}

// Breakdown aggregates item totals under one label.
type Breakdown struct {
	Label  string          `json:"label"`
	Amount decimal.Decimal `json:"amount"`
	Items  int             `json:"items"`
}

type Summary struct {
	PatientID        uuid.UUID       `json:"patient_id"`
	BillCount        int             `json:"bill_count"`
	OpenBills        int             `json:"open_bills"`
	PaidBills        int             `json:"paid_bills"`
	TotalBilled      decimal.Decimal `json:"total_billed"`
	TotalDiscount    decimal.Decimal `json:"total_discount"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
	ByCategory       []Breakdown     `json:"by_category"`
	ByDepartment     []Breakdown     `json:"by_department"`
	Bills            []*Bill         `json:"bills"`
}

func normalizeCategory(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
