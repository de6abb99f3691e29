package insurance

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Policy maps to the insurance_policy table.
type Policy struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	PatientID    uuid.UUID       `db:"patient_id" json:"patient_id"`
	InsurerName  string          `db:"insurer_name" json:"insurer_name"`
	PolicyNumber string          `db:"policy_number" json:"policy_number"`
	ValidFrom    time.Time       `db:"valid_from" json:"valid_from"`
	ValidTo      time.Time       `db:"valid_to" json:"valid_to"`
	SumInsured   decimal.Decimal `db:"sum_insured" json:"sum_insured"`
	TPAName      *string         `db:"tpa_name" json:"tpa_name,omitempty"`
	IsActive     bool            `db:"is_active" json:"is_active"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// CoversDate reports whether day falls inside the validity window. Both
// bounds are inclusive.
func (p *Policy) CoversDate(day time.Time) bool {
	return !day.Before(p.ValidFrom) && !day.After(p.ValidTo)
}

// PolicyInput carries create and update fields. On update, zero values keep
// the stored value.
type PolicyInput struct {
	InsurerName  string          `json:"insurer_name"`
	PolicyNumber string          `json:"policy_number"`
	ValidFrom    *time.Time      `json:"valid_from,omitempty"`
	ValidTo      *time.Time      `json:"valid_to,omitempty"`
	SumInsured   decimal.Decimal `json:"sum_insured"`
	TPAName      *string         `json:"tpa_name,omitempty"`
	IsActive     *bool           `json:"is_active,omitempty"`
}

type ClaimStatus string

const (
	ClaimSubmitted         ClaimStatus = "submitted"
	ClaimInProcess         ClaimStatus = "in_process"
	ClaimApproved          ClaimStatus = "approved"
	ClaimPartiallyApproved ClaimStatus = "partially_approved"
	ClaimRejected          ClaimStatus = "rejected"
)

var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimSubmitted: {ClaimInProcess, ClaimApproved, ClaimPartiallyApproved, ClaimRejected},
	ClaimInProcess: {ClaimApproved, ClaimPartiallyApproved, ClaimRejected},
}

func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimSubmitted, ClaimInProcess, ClaimApproved, ClaimPartiallyApproved, ClaimRejected:
		return true
	}
	return false
}

// Terminal states accept no further transitions.
func (s ClaimStatus) Terminal() bool {
	return s == ClaimApproved || s == ClaimPartiallyApproved || s == ClaimRejected
}

// Active reports whether the claim still blocks a resubmission for its bill.
func (s ClaimStatus) Active() bool { return s != ClaimRejected }

// CanTransition reports whether from → to is an allowed step.
func CanTransition(from, to ClaimStatus) bool {
	for _, next := range claimTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Claim maps to the insurance_claim table.
type Claim struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	BillID          uuid.UUID        `db:"bill_id" json:"bill_id"`
	PolicyID        uuid.UUID        `db:"policy_id" json:"policy_id"`
	ClaimAmount     decimal.Decimal  `db:"claim_amount" json:"claim_amount"`
	ApprovedAmount  *decimal.Decimal `db:"approved_amount" json:"approved_amount,omitempty"`
	Status          ClaimStatus      `db:"status" json:"status"`
	Documents       []string         `db:"documents" json:"documents"`
	RejectionReason *string          `db:"rejection_reason" json:"rejection_reason,omitempty"`
	SubmittedBy     string           `db:"submitted_by" json:"submitted_by"`
	SubmittedAt     time.Time        `db:"submitted_at" json:"submitted_at"`
	SettledAt       *time.Time       `db:"settled_at" json:"settled_at,omitempty"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

type SubmitRequest struct {
	BillID        uuid.UUID `json:"bill_id"`
	PolicyID      uuid.UUID `json:"policy_id"`
	Documents     []string  `json:"documents,omitempty"`
	AcceptPartial bool      `json:"accept_partial,omitempty"`
	SubmittedBy   string    `json:"-"`
}

// CoverageWarning is returned when the bill exceeds the sum insured.
type CoverageWarning struct {
	ClaimableAmount decimal.Decimal `json:"claimable_amount"`
	ExcessAmount    decimal.Decimal `json:"excess_amount"`
}

// SubmitResult carries the created claim, the coverage warning, or both
// when a partial claim was accepted.
type SubmitResult struct {
	Claim   *Claim           `json:"claim"`
	Warning *CoverageWarning `json:"warning,omitempty"`
}

type StatusUpdate struct {
	ClaimID         uuid.UUID        `json:"claim_id"`
	Status          ClaimStatus      `json:"status"`
	ApprovedAmount  *decimal.Decimal `json:"approved_amount,omitempty"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
	UpdatedBy       string           `json:"-"`
}
