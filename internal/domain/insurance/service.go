package insurance

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/domain/ledger"
	"github.com/ehr/ledger/internal/platform/apperr"
	"github.com/ehr/ledger/internal/platform/audit"
	"github.com/ehr/ledger/internal/platform/auth"
	"github.com/ehr/ledger/internal/platform/telemetry"
)

type Service struct {
	policies PolicyRepository
	claims   ClaimRepository
	bills    BillReader
	tx       ledger.TxRunner
	logger   zerolog.Logger
	audit    *audit.Emitter
	metrics  *telemetry.BillingMetrics
	now      func() time.Time
}

func NewService(p PolicyRepository, c ClaimRepository, bills BillReader, tx ledger.TxRunner, logger zerolog.Logger) *Service {
	return &Service{
		policies: p, claims: c, bills: bills, tx: tx,
		logger: logger.With().Str("component", "insurance").Logger(),
		now:    time.Now,
	}
}

func (s *Service) SetAuditor(e *audit.Emitter) { s.audit = e }

func (s *Service) SetMetrics(m *telemetry.BillingMetrics) { s.metrics = m }

func actor(ctx context.Context, explicit string) string {
	if a := strings.TrimSpace(explicit); a != "" {
		return a
	}
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		return uid
	}
	return "system"
}

// calendarDay returns t's date as UTC midnight, the form DATE columns scan
// into.
func calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// -- Policies --

func validatePolicy(p *Policy) error {
	p.InsurerName = strings.TrimSpace(p.InsurerName)
	p.PolicyNumber = strings.TrimSpace(p.PolicyNumber)
	if p.PatientID == uuid.Nil {
		return apperr.Validation("patient_id is required")
	}
	if p.InsurerName == "" {
		return apperr.Validation("insurer_name is required")
	}
	if p.PolicyNumber == "" {
		return apperr.Validation("policy_number is required")
	}
	if p.ValidFrom.IsZero() || p.ValidTo.IsZero() {
		return apperr.Validation("valid_from and valid_to are required")
	}
	if p.ValidTo.Before(p.ValidFrom) {
		return apperr.Validation("valid_to must not be before valid_from")
	}
	if !p.SumInsured.IsPositive() {
		return apperr.Validation("sum_insured must be positive")
	}
	return nil
}

func (in PolicyInput) apply(p *Policy) {
	if v := strings.TrimSpace(in.InsurerName); v != "" {
		p.InsurerName = v
	}
	if v := strings.TrimSpace(in.PolicyNumber); v != "" {
		p.PolicyNumber = v
	}
	if in.ValidFrom != nil {
		p.ValidFrom = calendarDay(*in.ValidFrom)
	}
	if in.ValidTo != nil {
		p.ValidTo = calendarDay(*in.ValidTo)
	}
	if !in.SumInsured.IsZero() {
		p.SumInsured = in.SumInsured.Round(2)
	}
	if in.TPAName != nil {
		if v := strings.TrimSpace(*in.TPAName); v != "" {
			p.TPAName = &v
		} else {
			p.TPAName = nil
		}
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
}

func (s *Service) CreatePolicy(ctx context.Context, patientID uuid.UUID, in PolicyInput) (*Policy, error) {
	p := &Policy{ID: uuid.New(), PatientID: patientID, IsActive: true}
	in.apply(p)
	if in.SumInsured.IsNegative() {
		return nil, apperr.Validation("sum_insured must be positive")
	}
	if err := validatePolicy(p); err != nil {
		return nil, err
	}
	if err := s.policies.Create(ctx, p); err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, audit.Event{
		EntityType: "insurance_policy", EntityID: p.ID.String(), Action: "create",
		PerformedBy: actor(ctx, ""), NewValues: p,
	})
	return p, nil
}

func (s *Service) GetPolicy(ctx context.Context, id uuid.UUID) (*Policy, error) {
	return s.policies.GetByID(ctx, id)
}

func (s *Service) ListPolicies(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Policy, int, error) {
	if patientID == uuid.Nil {
		return nil, 0, apperr.Validation("patient_id is required")
	}
	return s.policies.ListByPatient(ctx, patientID, limit, offset)
}

// UpdatePolicy applies the non-zero fields of in to the stored policy.
func (s *Service) UpdatePolicy(ctx context.Context, id uuid.UUID, in PolicyInput) (*Policy, error) {
	if in.SumInsured.IsNegative() {
		return nil, apperr.Validation("sum_insured must be positive")
	}
	p, err := s.policies.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	before := *p
	in.apply(p)
	if err := validatePolicy(p); err != nil {
		return nil, err
	}
	if err := s.policies.Update(ctx, p); err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, audit.Event{
		EntityType: "insurance_policy", EntityID: p.ID.String(), Action: "update",
		PerformedBy: actor(ctx, ""), OldValues: before, NewValues: p,
	})
	return p, nil
}

// -- Claims --

// SubmitClaim files a claim for the bill's total against the policy. When
// the total exceeds the sum insured no claim is created unless
// AcceptPartial asks for one capped at the sum insured; either way the
// result carries the coverage warning.
func (s *Service) SubmitClaim(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.BillID == uuid.Nil {
		return nil, apperr.Validation("bill_id is required")
	}
	if req.PolicyID == uuid.Nil {
		return nil, apperr.Validation("policy_id is required")
	}
	docs := make([]string, 0, len(req.Documents))
	for _, doc := range req.Documents {
		if doc = strings.TrimSpace(doc); doc != "" {
			docs = append(docs, doc)
		}
	}

	res := &SubmitResult{}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.claims.LockBill(ctx, req.BillID); err != nil {
			return err
		}
		bill, err := s.bills.GetBillForUpdate(ctx, req.BillID)
		if err != nil {
			return err
		}
		policy, err := s.policies.GetByID(ctx, req.PolicyID)
		if err != nil {
			return err
		}
		if policy.PatientID != bill.PatientID {
			return apperr.Validation("policy %s does not belong to the bill's patient", policy.PolicyNumber)
		}
		if !policy.IsActive {
			return apperr.BusinessRule(apperr.CodePolicyInactive, "policy %s is inactive", policy.PolicyNumber)
		}
		if !policy.CoversDate(calendarDay(s.now().UTC())) {
			return apperr.BusinessRule(apperr.CodePolicyExpired, "policy %s is valid %s to %s",
				policy.PolicyNumber, policy.ValidFrom.Format(time.DateOnly), policy.ValidTo.Format(time.DateOnly))
		}
		if !bill.TotalAmount.IsPositive() {
			return apperr.Validation("bill %s has nothing to claim", bill.BillNumber)
		}

		existing, err := s.claims.ListByBill(ctx, bill.ID)
		if err != nil {
			return err
		}
		for _, c := range existing {
			if c.Status.Active() {
				return apperr.Conflict(apperr.CodeClaimAlreadyActive,
					"bill %s already has claim %s in status %s", bill.BillNumber, c.ID, c.Status)
			}
		}

		amount := bill.TotalAmount
		if amount.GreaterThan(policy.SumInsured) {
			res.Warning = &CoverageWarning{
				ClaimableAmount: policy.SumInsured,
				ExcessAmount:    amount.Sub(policy.SumInsured),
			}
			if !req.AcceptPartial {
				return nil
			}
			amount = policy.SumInsured
		}
		res.Claim = &Claim{
			ID:          uuid.New(),
			BillID:      bill.ID,
			PolicyID:    policy.ID,
			ClaimAmount: amount,
			Status:      ClaimSubmitted,
			Documents:   docs,
			SubmittedBy: actor(ctx, req.SubmittedBy),
		}
		return s.claims.Create(ctx, res.Claim)
	})
	if err != nil {
		return nil, err
	}

	if res.Claim == nil {
		s.logger.Info().Str("bill_id", req.BillID.String()).
			Str("excess_amount", res.Warning.ExcessAmount.StringFixed(2)).
			Msg("claim not created: bill exceeds sum insured")
		return res, nil
	}
	s.metrics.ClaimTransition(ctx, string(ClaimSubmitted))
	meta := map[string]any{"bill_id": req.BillID.String(), "policy_id": req.PolicyID.String()}
	if res.Warning != nil {
		meta["excess_amount"] = res.Warning.ExcessAmount.StringFixed(2)
	}
	s.audit.Emit(ctx, audit.Event{
		EntityType: "insurance_claim", EntityID: res.Claim.ID.String(), Action: "submit",
		PerformedBy: res.Claim.SubmittedBy, NewValues: res.Claim, Metadata: meta,
	})
	return res, nil
}

// UpdateClaimStatus moves a claim along submitted → in_process →
// approved | partially_approved | rejected.
func (s *Service) UpdateClaimStatus(ctx context.Context, u StatusUpdate) (*Claim, error) {
	u.Status = ClaimStatus(strings.ToLower(strings.TrimSpace(string(u.Status))))
	u.RejectionReason = strings.TrimSpace(u.RejectionReason)
	if u.ClaimID == uuid.Nil {
		return nil, apperr.Validation("claim_id is required")
	}
	if !u.Status.Valid() {
		return nil, apperr.Validation("invalid claim status: %q", u.Status)
	}
	if u.Status == ClaimRejected && u.RejectionReason == "" {
		return nil, apperr.Validation("rejection_reason is required to reject a claim")
	}

	var (
		claim *Claim
		from  ClaimStatus
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if claim, err = s.claims.GetForUpdate(ctx, u.ClaimID); err != nil {
			return err
		}
		from = claim.Status
		if !CanTransition(from, u.Status) {
			return apperr.BusinessRule(apperr.CodeInvalidTransition,
				"claim %s cannot move from %s to %s", claim.ID, from, u.Status)
		}
		at := s.now().UTC()
		switch u.Status {
		case ClaimApproved:
			amount := claim.ClaimAmount
			if u.ApprovedAmount != nil {
				amount = u.ApprovedAmount.Round(2)
			}
			if !amount.IsPositive() || amount.GreaterThan(claim.ClaimAmount) {
				return apperr.Validation("approved_amount must be in (0, %s]", claim.ClaimAmount.StringFixed(2))
			}
			claim.ApprovedAmount = &amount
			claim.SettledAt = &at
		case ClaimPartiallyApproved:
			if u.ApprovedAmount == nil {
				return apperr.Validation("approved_amount is required for partial approval")
			}
			amount := u.ApprovedAmount.Round(2)
			if !amount.IsPositive() || !amount.LessThan(claim.ClaimAmount) {
				return apperr.Validation("partial approved_amount must be in (0, %s)", claim.ClaimAmount.StringFixed(2))
			}
			claim.ApprovedAmount = &amount
			claim.SettledAt = &at
		case ClaimRejected:
			claim.RejectionReason = &u.RejectionReason
		}
		claim.Status = u.Status
		return s.claims.UpdateStatus(ctx, claim)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ClaimTransition(ctx, string(claim.Status))
	meta := map[string]any{"bill_id": claim.BillID.String(), "from": string(from), "to": string(claim.Status)}
	if claim.ApprovedAmount != nil {
		meta["approved_amount"] = claim.ApprovedAmount.StringFixed(2)
	}
	s.audit.Emit(ctx, audit.Event{
		EntityType:  "insurance_claim",
		EntityID:    claim.ID.String(),
		Action:      "status_change",
		PerformedBy: actor(ctx, u.UpdatedBy),
		OldValues:   map[string]any{"status": string(from)},
		NewValues:   claim,
		Metadata:    meta,
	})
	return claim, nil
}

func (s *Service) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.claims.GetByID(ctx, id)
}

// ListByBill returns every claim filed against an existing bill.
func (s *Service) ListByBill(ctx context.Context, billID uuid.UUID) ([]*Claim, error) {
	if _, err := s.bills.GetBill(ctx, billID); err != nil {
		return nil, err
	}
	claims, err := s.claims.ListByBill(ctx, billID)
	if err != nil {
		return nil, err
	}
	if claims == nil {
		claims = []*Claim{}
	}
	return claims, nil
}

// ClaimsForBill feeds the ledger's bill detail view.
func (s *Service) ClaimsForBill(ctx context.Context, billID uuid.UUID) ([]ledger.ClaimSummary, error) {
	claims, err := s.claims.ListByBill(ctx, billID)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.ClaimSummary, 0, len(claims))
	for _, c := range claims {
		out = append(out, ledger.ClaimSummary{
			ID:             c.ID,
			PolicyID:       c.PolicyID,
			ClaimAmount:    c.ClaimAmount,
			ApprovedAmount: c.ApprovedAmount,
			Status:         string(c.Status),
			SubmittedAt:    c.SubmittedAt,
			SettledAt:      c.SettledAt,
		})
	}
	return out, nil
}

var _ ledger.ClaimSource = (*Service)(nil)
