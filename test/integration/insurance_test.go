//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/ledger/internal/domain/insurance"
	"github.com/ehr/ledger/internal/domain/ledger"
	"github.com/ehr/ledger/internal/platform/apperr"
)

func currentPolicyInput(number, sum string) insurance.PolicyInput {
	year := time.Now().UTC().Year()
	from := time.Date(year-1, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(year+1, 12, 31, 0, 0, 0, 0, time.UTC)
	return insurance.PolicyInput{
		InsurerName:  "Star Health",
		PolicyNumber: number,
		ValidFrom:    &from,
		ValidTo:      &to,
		SumInsured:   dec(sum),
	}
}

// billWithCharge opens a bill for patient carrying one charge of amount.
func billWithCharge(t *testing.T, ctx context.Context, s *stack, patient uuid.UUID, amount string) *ledger.Bill {
	t.Helper()
	out, err := s.hook.Post(ctx, ledger.BillableEvent{
		PatientID: patient, Category: "ipd", Description: "Room Charges", DefaultPrice: dec(amount),
	})
	require.NoError(t, err)
	return out.Bill
}

func TestInsurance_PolicyNumberUniquePerPatient(t *testing.T) {
	tenantID := newTenant(t, "pol")
	s := newStack(ledger.Options{})
	patient := uuid.New()

	require.NoError(t, withTenantConn(t, tenantID, func(ctx context.Context) error {
		p, err := s.insurance.CreatePolicy(ctx, patient, currentPolicyInput("SH-1", "100000"))
		require.NoError(t, err)
		assert.True(t, p.IsActive)

		_, err = s.insurance.CreatePolicy(ctx, patient, currentPolicyInput("SH-1", "50000"))
		assert.True(t, apperr.HasCode(err, apperr.CodePolicyNumberExists), "expected policy_number_exists, got %v", err)

		_, err = s.insurance.CreatePolicy(ctx, uuid.New(), currentPolicyInput("SH-1", "50000"))
		assert.NoError(t, err)

		list, total, err := s.insurance.ListPolicies(ctx, patient, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Len(t, list, 1)
		return nil
	}))
}

func TestInsurance_ClaimLifecycle(t *testing.T) {
	tenantID := newTenant(t, "claim")
	s := newStack(ledger.Options{})
	patient := uuid.New()

	require.NoError(t, withTenantConn(t, tenantID, func(ctx context.Context) error {
		policy, err := s.insurance.CreatePolicy(ctx, patient, currentPolicyInput("SH-2", "100000"))
		require.NoError(t, err)
		bill := billWithCharge(t, ctx, s, patient, "40000")

		res, err := s.insurance.SubmitClaim(ctx, insurance.SubmitRequest{
			BillID: bill.ID, PolicyID: policy.ID, Documents: []string{"discharge-summary.pdf"},
		})
		require.NoError(t, err)
		require.NotNil(t, res.Claim)
		assert.Nil(t, res.Warning)
		assert.Equal(t, insurance.ClaimSubmitted, res.Claim.Status)
		assertMoney(t, "40000", res.Claim.ClaimAmount, "claim amount")

		_, err = s.insurance.SubmitClaim(ctx, insurance.SubmitRequest{BillID: bill.ID, PolicyID: policy.ID})
		assert.True(t, apperr.HasCode(err, apperr.CodeClaimAlreadyActive), "expected claim_already_active, got %v", err)

		_, err = s.insurance.UpdateClaimStatus(ctx, insurance.StatusUpdate{ClaimID: res.Claim.ID, Status: insurance.ClaimInProcess})
		require.NoError(t, err)

		approved := dec("35000")
		c, err := s.insurance.UpdateClaimStatus(ctx, insurance.StatusUpdate{
			ClaimID: res.Claim.ID, Status: insurance.ClaimPartiallyApproved, ApprovedAmount: &approved,
		})
		require.NoError(t, err)
		assert.NotNil(t, c.SettledAt)
		require.NotNil(t, c.ApprovedAmount)
		assertMoney(t, "35000", *c.ApprovedAmount, "approved")

		_, err = s.insurance.UpdateClaimStatus(ctx, insurance.StatusUpdate{ClaimID: res.Claim.ID, Status: insurance.ClaimRejected, RejectionReason: "late"})
		assert.True(t, apperr.HasCode(err, apperr.CodeInvalidTransition), "expected invalid_transition, got %v", err)

		got, err := s.insurance.GetClaim(ctx, res.Claim.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"discharge-summary.pdf"}, got.Documents)

		detail, err := s.ledger.Detail(ctx, bill.ID)
		require.NoError(t, err)
		require.Len(t, detail.Claims, 1)
		assert.Equal(t, string(insurance.ClaimPartiallyApproved), detail.Claims[0].Status)
		return nil
	}))
}

func TestInsurance_ExceedsSumInsured(t *testing.T) {
	tenantID := newTenant(t, "excess")
	s := newStack(ledger.Options{})
	patient := uuid.New()

	require.NoError(t, withTenantConn(t, tenantID, func(ctx context.Context) error {
		policy, err := s.insurance.CreatePolicy(ctx, patient, currentPolicyInput("SH-3", "100000"))
		require.NoError(t, err)
		bill := billWithCharge(t, ctx, s, patient, "150000")

		res, err := s.insurance.SubmitClaim(ctx, insurance.SubmitRequest{BillID: bill.ID, PolicyID: policy.ID})
		require.NoError(t, err)
		assert.Nil(t, res.Claim)
		require.NotNil(t, res.Warning)
		assertMoney(t, "100000", res.Warning.ClaimableAmount, "claimable")
		assertMoney(t, "50000", res.Warning.ExcessAmount, "excess")

		res, err = s.insurance.SubmitClaim(ctx, insurance.SubmitRequest{BillID: bill.ID, PolicyID: policy.ID, AcceptPartial: true})
		require.NoError(t, err)
		require.NotNil(t, res.Claim)
		assertMoney(t, "100000", res.Claim.ClaimAmount, "claim amount")
		return nil
	}))
	assert.Equal(t, 1, countRows(t, tenantID, "insurance_claim", ""))
}

func TestInsurance_RejectedClaimAllowsResubmission(t *testing.T) {
	tenantID := newTenant(t, "resub")
	s := newStack(ledger.Options{})
	patient := uuid.New()

	require.NoError(t, withTenantConn(t, tenantID, func(ctx context.Context) error {
		policy, err := s.insurance.CreatePolicy(ctx, patient, currentPolicyInput("SH-4", "100000"))
		require.NoError(t, err)
		bill := billWithCharge(t, ctx, s, patient, "20000")

		res, err := s.insurance.SubmitClaim(ctx, insurance.SubmitRequest{BillID: bill.ID, PolicyID: policy.ID})
		require.NoError(t, err)
		_, err = s.insurance.UpdateClaimStatus(ctx, insurance.StatusUpdate{
			ClaimID: res.Claim.ID, Status: insurance.ClaimRejected, RejectionReason: "missing documents",
		})
		require.NoError(t, err)

		again, err := s.insurance.SubmitClaim(ctx, insurance.SubmitRequest{BillID: bill.ID, PolicyID: policy.ID})
		require.NoError(t, err)
		assert.NotEqual(t, res.Claim.ID, again.Claim.ID)

		claims, err := s.insurance.ListByBill(ctx, bill.ID)
		require.NoError(t, err)
		require.Len(t, claims, 2)
		assert.Equal(t, again.Claim.ID, claims[0].ID)
		return nil
	}))
}

// Racing submissions for one bill must yield exactly one live claim.
func TestInsurance_ConcurrentSubmitSingleActiveClaim(t *testing.T) {
	tenantID := newTenant(t, "race")
	s := newStack(ledger.Options{})
	patient := uuid.New()

	var billID, policyID uuid.UUID
	require.NoError(t, withTenantConn(t, tenantID, func(ctx context.Context) error {
		policy, err := s.insurance.CreatePolicy(ctx, patient, currentPolicyInput("SH-5", "100000"))
		require.NoError(t, err)
		policyID = policy.ID
		billID = billWithCharge(t, ctx, s, patient, "10000").ID
		return nil
	}))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := withTenantConn(t, tenantID, func(ctx context.Context) error {
				_, err := s.insurance.SubmitClaim(ctx, insurance.SubmitRequest{BillID: billID, PolicyID: policyID})
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case apperr.HasCode(err, apperr.CodeClaimAlreadyActive):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 5, conflicts)
	assert.Equal(t, 1, countRows(t, tenantID, "insurance_claim", "status <> 'rejected'"))
}

func TestInsurance_InactivePolicy(t *testing.T) {
	tenantID := newTenant(t, "inact")
	s := newStack(ledger.Options{})
	patient := uuid.New()

	require.NoError(t, withTenantConn(t, tenantID, func(ctx context.Context) error {
		in := currentPolicyInput("SH-6", "100000")
		inactive := false
		in.IsActive = &inactive
		policy, err := s.insurance.CreatePolicy(ctx, patient, in)
		require.NoError(t, err)
		bill := billWithCharge(t, ctx, s, patient, "5000")

		_, err = s.insurance.SubmitClaim(ctx, insurance.SubmitRequest{BillID: bill.ID, PolicyID: policy.ID})
		assert.True(t, apperr.HasCode(err, apperr.CodePolicyInactive), "expected policy_inactive, got %v", err)
		return nil
	}))
}
