package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/ledger/internal/platform/apperr"
	"github.com/ehr/ledger/internal/platform/audit"
	"github.com/ehr/ledger/internal/platform/auth"
	"github.com/ehr/ledger/internal/platform/telemetry"
)

// Scope decides which open bill a charge lands on.
type Scope string

const (
	ScopePatient   Scope = "patient"
	ScopeEncounter Scope = "encounter"
)

type Options struct {
	Scope             Scope
	NumberPrefix      string
	MaxNumberAttempts int
}

func (o Options) withDefaults() Options {
	if o.Scope == "" {
		o.Scope = ScopePatient
	}
	if o.NumberPrefix == "" {
		o.NumberPrefix = "BILL"
	}
	if o.MaxNumberAttempts <= 0 {
		o.MaxNumberAttempts = 10
	}
	return o
}

type Service struct {
	bills     BillRepository
	items     ItemRepository
	payments  PaymentRepository
	discounts DiscountRepository
	tx        TxRunner
	opts      Options
	logger    zerolog.Logger
	audit     *audit.Emitter
	metrics   *telemetry.BillingMetrics
	claims    ClaimSource
	now       func() time.Time
}

func NewService(b BillRepository, i ItemRepository, p PaymentRepository, d DiscountRepository, tx TxRunner, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		bills: b, items: i, payments: p, discounts: d, tx: tx,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    time.Now,
	}
}

// SetAuditor attaches the audit sink. A nil emitter drops events.
func (s *Service) SetAuditor(e *audit.Emitter) { s.audit = e }

// SetMetrics attaches billing counters.
func (s *Service) SetMetrics(m *telemetry.BillingMetrics) { s.metrics = m }

// SetClaimSource lets bill detail include insurance claims.
func (s *Service) SetClaimSource(c ClaimSource) { s.claims = c }

func (s *Service) Scope() Scope { return s.opts.Scope }

func actor(ctx context.Context, explicit string) string {
	if a := strings.TrimSpace(explicit); a != "" {
		return a
	}
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		return uid
	}
	return "system"
}

// -- Ledger resolution --

// ResolveOpenBill returns the open bill for the patient under the configured
// scope, creating one when none exists.
func (s *Service) ResolveOpenBill(ctx context.Context, patientID uuid.UUID, encounterID *uuid.UUID) (*Bill, error) {
	if patientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}
	if s.opts.Scope == ScopeEncounter && encounterID == nil {
		return nil, apperr.Validation("encounter_id is required when bills are scoped per encounter")
	}
	var (
		bill    *Bill
		created bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		bill, created, err = s.resolveLocked(ctx, patientID, encounterID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.audit.Emit(ctx, audit.Event{
			EntityType: "bill", EntityID: bill.ID.String(), Action: "create",
			PerformedBy: actor(ctx, ""), NewValues: bill,
		})
	}
	return bill, nil
}

func (s *Service) scopeKey(patientID uuid.UUID, encounterID *uuid.UUID) string {
	if s.opts.Scope == ScopeEncounter && encounterID != nil {
		return "bill:" + patientID.String() + ":" + encounterID.String()
	}
	return "bill:" + patientID.String()
}

// resolveLocked must run inside a transaction. The scope lock makes the
// find-or-create atomic across concurrent producers.
func (s *Service) resolveLocked(ctx context.Context, patientID uuid.UUID, encounterID *uuid.UUID) (*Bill, bool, error) {
	if err := s.bills.LockScope(ctx, s.scopeKey(patientID, encounterID)); err != nil {
		return nil, false, fmt.Errorf("lock bill scope: %w", err)
	}
	var filter *uuid.UUID
	if s.opts.Scope == ScopeEncounter {
		filter = encounterID
	}
	open, err := s.bills.FindOpen(ctx, patientID, filter)
	if err != nil {
		return nil, false, err
	}
	if open != nil {
		return open, false, nil
	}
	b, err := s.createBill(ctx, patientID, encounterID)
	return b, err == nil, err
}

// createBill allocates PREFIX-YYYYMM-NNNN, retrying on collisions. The
// unique constraint is the guarantee; the retry only absorbs races.
func (s *Service) createBill(ctx context.Context, patientID uuid.UUID, encounterID *uuid.UUID) (*Bill, error) {
	now := s.now()
	stem := NumberPeriod(s.opts.NumberPrefix, now)
	seq, err := s.bills.NextSequence(ctx, stem)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < s.opts.MaxNumberAttempts; attempt++ {
		b := &Bill{
			ID:          uuid.New(),
			BillNumber:  FormatBillNumber(s.opts.NumberPrefix, now, seq+attempt),
			PatientID:   patientID,
			EncounterID: encounterID,
			Status:      StatusDraft,
		}
		err := s.bills.Create(ctx, b)
		if errors.Is(err, ErrBillNumberTaken) {
			s.logger.Debug().Str("bill_number", b.BillNumber).Int("attempt", attempt+1).Msg("bill number collision")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create bill: %w", err)
		}
		return b, nil
	}
	return nil, apperr.Conflict(apperr.CodeBillNumberExhausted,
		"could not allocate a unique bill number after %d attempts; retry the request", s.opts.MaxNumberAttempts)
}

// -- Items --

func (s *Service) validateItem(in *ItemInput) error {
	in.Category = normalizeCategory(in.Category)
	in.Description = strings.TrimSpace(in.Description)
	in.ItemCode = strings.TrimSpace(in.ItemCode)
	if in.Category == "" {
		return apperr.Validation("category is required")
	}
	if in.Description == "" {
		return apperr.Validation("description is required")
	}
	if in.Quantity == nil {
		one := decimal.NewFromInt(1)
		in.Quantity = &one
	}
	// Amounts are stored at two decimal places; validate what gets stored.
	qty := in.Quantity.Round(2)
	in.Quantity = &qty
	in.UnitPrice = in.UnitPrice.Round(2)
	if !in.Quantity.IsPositive() {
		return apperr.Validation("quantity must be at least 0.01")
	}
	if in.UnitPrice.IsNegative() {
		return apperr.Validation("unit_price must not be negative")
	}
	return nil
}

// PostItem appends a charge to the bill. A charge with the same item code
// and description already on the bill is returned unchanged with
// duplicate=true.
func (s *Service) PostItem(ctx context.Context, billID uuid.UUID, in ItemInput) (*BillItem, bool, error) {
	if err := s.validateItem(&in); err != nil {
		return nil, false, err
	}
	var (
		item *BillItem
		dup  bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		bill, err := s.bills.GetForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		item, dup, err = s.postLocked(ctx, bill, in)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if !dup {
		s.audit.Emit(ctx, audit.Event{
			EntityType: "bill_item", EntityID: item.ID.String(), Action: "post",
			PerformedBy: actor(ctx, in.PostedBy), NewValues: item,
			Metadata: map[string]any{"bill_id": billID.String()},
		})
	}
	return item, dup, nil
}

// postLocked expects bill to be row-locked by the caller's transaction.
func (s *Service) postLocked(ctx context.Context, bill *Bill, in ItemInput) (*BillItem, bool, error) {
	if bill.IsFinalized() {
		return nil, false, apperr.BusinessRule(apperr.CodeBillFinalized, "bill %s is finalized", bill.BillNumber)
	}
	code := optional(in.ItemCode)
	existing, err := s.items.FindByKey(ctx, bill.ID, code, in.Description)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	qty, unit := *in.Quantity, in.UnitPrice
	item := &BillItem{
		ID:          uuid.New(),
		BillID:      bill.ID,
		Category:    in.Category,
		Department:  optional(in.Department),
		ItemCode:    code,
		Description: in.Description,
		Quantity:    qty,
		UnitPrice:   unit,
		TotalPrice:  LineTotal(qty, unit),
	}
	inserted, err := s.items.Insert(ctx, item)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err = s.items.FindByKey(ctx, bill.ID, code, in.Description)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, apperr.Internal("item conflict without a matching row", nil)
		}
		return existing, true, nil
	}
	if _, err := s.recompute(ctx, bill); err != nil {
		return nil, false, err
	}
	return item, false, nil
}

// recompute re-derives the bill's totals from its rows and persists them
// when they changed.
func (s *Service) recompute(ctx context.Context, bill *Bill) (bool, error) {
	t, err := s.derive(ctx, bill)
	if err != nil {
		return false, err
	}
	if !bill.Apply(t) {
		return false, nil
	}
	if err := s.bills.UpdateTotals(ctx, bill); err != nil {
		return false, fmt.Errorf("update bill totals: %w", err)
	}
	return true, nil
}

func (s *Service) derive(ctx context.Context, bill *Bill) (Totals, error) {
	items, err := s.items.ListByBill(ctx, bill.ID)
	if err != nil {
		return Totals{}, err
	}
	discounts, err := s.discounts.ListByBill(ctx, bill.ID)
	if err != nil {
		return Totals{}, err
	}
	payments, err := s.payments.ListByBill(ctx, bill.ID)
	if err != nil {
		return Totals{}, err
	}
	return Recompute(items, discounts, payments, bill.TaxAmount), nil
}

// Recompute re-derives one bill's totals on demand.
func (s *Service) Recompute(ctx context.Context, billID uuid.UUID) (*Bill, error) {
	var bill *Bill
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if bill, err = s.bills.GetForUpdate(ctx, billID); err != nil {
			return err
		}
		_, err = s.recompute(ctx, bill)
		return err
	})
	return bill, err
}

// -- Payments --

func (s *Service) ApplyPayment(ctx context.Context, billID uuid.UUID, in PaymentInput) (*Payment, error) {
	in.Mode = PaymentMode(strings.ToLower(strings.TrimSpace(string(in.Mode))))
	if !in.Amount.IsPositive() {
		return nil, apperr.Validation("amount must be positive")
	}
	if in.Amount.Exponent() < -2 && !in.Amount.Equal(in.Amount.Round(2)) {
		return nil, apperr.Validation("amount has more than two decimal places")
	}
	if !validModes[in.Mode] {
		return nil, apperr.Validation("invalid payment_mode: %q", in.Mode)
	}

	var (
		pay  *Payment
		bill *Bill
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if bill, err = s.bills.GetForUpdate(ctx, billID); err != nil {
			return err
		}
		t, err := s.derive(ctx, bill)
		if err != nil {
			return err
		}
		if in.Amount.GreaterThan(t.BalanceDue) {
			return apperr.BusinessRule(apperr.CodePaymentExceedsBalance,
				"payment %s exceeds balance due %s", in.Amount.StringFixed(2), t.BalanceDue.StringFixed(2))
		}
		pay = &Payment{
			ID:              uuid.New(),
			BillID:          bill.ID,
			Amount:          in.Amount.Round(2),
			Mode:            in.Mode,
			ReferenceNumber: optional(in.ReferenceNumber),
			ReceivedBy:      actor(ctx, in.ReceivedBy),
			ReceivedAt:      s.now().UTC(),
		}
		if err := s.payments.Create(ctx, pay); err != nil {
			return fmt.Errorf("record payment: %w", err)
		}
		_, err = s.recompute(ctx, bill)
		return err
	})
	if err != nil {
		return nil, err
	}
	f, _ := pay.Amount.Float64()
	s.metrics.Payment(ctx, string(pay.Mode), f)
	s.audit.Emit(ctx, audit.Event{
		EntityType: "payment", EntityID: pay.ID.String(), Action: "create",
		PerformedBy: pay.ReceivedBy, NewValues: pay,
		Metadata: map[string]any{"bill_id": bill.ID.String(), "bill_status": string(bill.Status)},
	})
	return pay, nil
}

// -- Discounts --

func validateDiscount(in *DiscountInput) error {
	in.Type = DiscountType(strings.ToLower(strings.TrimSpace(string(in.Type))))
	in.Reason = strings.TrimSpace(in.Reason)
	in.Value = in.Value.Round(2)
	switch in.Type {
	case DiscountPercentage:
		if !in.Value.IsPositive() || in.Value.GreaterThan(hundred) {
			return apperr.Validation("percentage discount must be in [0.01, 100]")
		}
	case DiscountFixed, DiscountScheme:
		if !in.Value.IsPositive() {
			return apperr.Validation("discount value must be at least 0.01")
		}
	default:
		return apperr.Validation("invalid discount_type: %q", in.Type)
	}
	if in.Reason == "" {
		return apperr.Validation("reason is required")
	}
	return nil
}

// ProposeDiscount records a discount. With an approver it is approved and
// folded into the totals at once; otherwise it waits as pending.
func (s *Service) ProposeDiscount(ctx context.Context, billID uuid.UUID, in DiscountInput) (*Discount, error) {
	if err := validateDiscount(&in); err != nil {
		return nil, err
	}
	var d *Discount
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		bill, err := s.bills.GetForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		if bill.IsFinalized() {
			return apperr.BusinessRule(apperr.CodeBillFinalized, "bill %s is finalized", bill.BillNumber)
		}
		d = &Discount{
			ID:     uuid.New(),
			BillID: bill.ID,
			Type:   in.Type,
			Value:  in.Value,
			Reason: in.Reason,
			Status: DiscountPending,
		}
		if err := s.discounts.Create(ctx, d); err != nil {
			return fmt.Errorf("record discount: %w", err)
		}
		if approver := strings.TrimSpace(in.ApprovedBy); approver != "" {
			return s.approveLocked(ctx, bill, d, approver)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, audit.Event{
		EntityType: "bill_discount", EntityID: d.ID.String(), Action: "propose",
		PerformedBy: actor(ctx, ""), NewValues: d,
		Metadata: map[string]any{"bill_id": billID.String()},
	})
	if d.Status == DiscountApproved {
		s.emitApproval(ctx, d)
	}
	return d, nil
}

// ApproveDiscount approves a pending discount. Approving an approved
// discount returns it unchanged.
func (s *Service) ApproveDiscount(ctx context.Context, discountID uuid.UUID, approvedBy string) (*Discount, error) {
	approver := actor(ctx, approvedBy)
	var (
		d    *Discount
		noop bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if d, err = s.discounts.GetForUpdate(ctx, discountID); err != nil {
			return err
		}
		if d.Status == DiscountApproved {
			noop = true
			return nil
		}
		bill, err := s.bills.GetForUpdate(ctx, d.BillID)
		if err != nil {
			return err
		}
		if bill.IsFinalized() {
			return apperr.BusinessRule(apperr.CodeBillFinalized, "bill %s is finalized", bill.BillNumber)
		}
		return s.approveLocked(ctx, bill, d, approver)
	})
	if err != nil {
		return nil, err
	}
	if !noop {
		s.emitApproval(ctx, d)
	}
	return d, nil
}

// approveLocked fixes the discount's amount against the current subtotal
// and recomputes the bill.
func (s *Service) approveLocked(ctx context.Context, bill *Bill, d *Discount, approver string) error {
	t, err := s.derive(ctx, bill)
	if err != nil {
		return err
	}
	amount := DiscountAmount(d.Type, d.Value, t.Subtotal)
	if t.DiscountAmount.Add(amount).GreaterThan(t.Subtotal) {
		return apperr.BusinessRule(apperr.CodeDiscountExceedsSubtotal,
			"discount %s would exceed subtotal %s", amount.StringFixed(2), t.Subtotal.StringFixed(2))
	}
	at := s.now().UTC()
	d.Amount = &amount
	d.Status = DiscountApproved
	d.ApprovedBy = &approver
	d.ApprovedAt = &at
	if err := s.discounts.Approve(ctx, d); err != nil {
		return err
	}
	_, err = s.recompute(ctx, bill)
	return err
}

func (s *Service) emitApproval(ctx context.Context, d *Discount) {
	s.audit.Emit(ctx, audit.Event{
		EntityType: "bill_discount", EntityID: d.ID.String(), Action: "approve",
		PerformedBy: *d.ApprovedBy, NewValues: d,
		Metadata: map[string]any{"bill_id": d.BillID.String(), "amount": d.Amount.StringFixed(2)},
	})
}

// -- Finalize --

// Finalize closes the bill to new charges. Finalizing twice is a no-op.
func (s *Service) Finalize(ctx context.Context, billID uuid.UUID, by string) (*Bill, error) {
	var (
		bill    *Bill
		already bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if bill, err = s.bills.GetForUpdate(ctx, billID); err != nil {
			return err
		}
		if bill.IsFinalized() {
			already = true
			return nil
		}
		if _, err := s.recompute(ctx, bill); err != nil {
			return err
		}
		if bill.Status == StatusDraft {
			return apperr.Validation("bill %s has no charges to finalize", bill.BillNumber)
		}
		at := s.now().UTC()
		who := actor(ctx, by)
		bill.FinalizedAt = &at
		bill.FinalizedBy = &who
		return s.bills.Finalize(ctx, bill)
	})
	if err != nil {
		return nil, err
	}
	if !already {
		s.audit.Emit(ctx, audit.Event{
			EntityType: "bill", EntityID: bill.ID.String(), Action: "finalize",
			PerformedBy: *bill.FinalizedBy, NewValues: bill,
		})
	}
	return bill, nil
}

// -- Reads --

func (s *Service) GetBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return s.bills.GetByID(ctx, id)
}

// GetBillForUpdate reads the bill under a row lock held until the caller's
// transaction ends, so its totals cannot move underneath the caller.
func (s *Service) GetBillForUpdate(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return s.bills.GetForUpdate(ctx, id)
}

func (s *Service) ListBills(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	if patientID == uuid.Nil {
		return nil, 0, apperr.Validation("patient_id is required")
	}
	return s.bills.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) Detail(ctx context.Context, id uuid.UUID) (*BillDetail, error) {
	bill, err := s.bills.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &BillDetail{Bill: bill, Claims: []ClaimSummary{}}
	if d.Items, err = s.items.ListByBill(ctx, id); err != nil {
		return nil, err
	}
	if d.Payments, err = s.payments.ListByBill(ctx, id); err != nil {
		return nil, err
	}
	if d.Discounts, err = s.discounts.ListByBill(ctx, id); err != nil {
		return nil, err
	}
	if s.claims != nil {
		if d.Claims, err = s.claims.ClaimsForBill(ctx, id); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// summaryPage bounds the bills loaded per page when summarising a patient.
const summaryPage = 200

// Summary aggregates every bill of a patient with category and department
// breakdowns.
func (s *Service) Summary(ctx context.Context, patientID uuid.UUID) (*Summary, error) {
	if patientID == uuid.Nil {
		return nil, apperr.Validation("patient_id is required")
	}
	sum := &Summary{PatientID: patientID, Bills: []*Bill{}}
	for offset := 0; ; offset += summaryPage {
		bills, total, err := s.bills.ListByPatient(ctx, patientID, summaryPage, offset)
		if err != nil {
			return nil, err
		}
		sum.Bills = append(sum.Bills, bills...)
		if len(bills) == 0 || len(sum.Bills) >= total {
			break
		}
	}

	byCat := map[string]*Breakdown{}
	byDept := map[string]*Breakdown{}
	for _, b := range sum.Bills {
		sum.BillCount++
		switch {
		case b.Status == StatusPaid:
			sum.PaidBills++
		case b.IsOpen():
			sum.OpenBills++
		}
		sum.TotalBilled = sum.TotalBilled.Add(b.TotalAmount)
		sum.TotalDiscount = sum.TotalDiscount.Add(b.DiscountAmount)
		sum.TotalPaid = sum.TotalPaid.Add(b.PaidAmount)
		if b.BalanceDue.IsPositive() {
			sum.TotalOutstanding = sum.TotalOutstanding.Add(b.BalanceDue)
		}

		items, err := s.items.ListByBill(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			addBreakdown(byCat, it.Category, it)
			dept := "UNASSIGNED"
			if it.Department != nil {
				dept = *it.Department
			}
			addBreakdown(byDept, dept, it)
		}
	}
	sum.ByCategory = sortedBreakdown(byCat)
	sum.ByDepartment = sortedBreakdown(byDept)
	return sum, nil
}

func addBreakdown(m map[string]*Breakdown, label string, it *BillItem) {
	b, ok := m[label]
	if !ok {
		b = &Breakdown{Label: label}
		m[label] = b
	}
	b.Amount = b.Amount.Add(it.TotalPrice)
	b.Items++
}

func sortedBreakdown(m map[string]*Breakdown) []Breakdown {
	out := make([]Breakdown, 0, len(m))
	for _, b := range m {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Amount.Cmp(out[j].Amount); c != 0 {
			return c > 0
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// -- Reconciliation --

// Reconcile recomputes every open bill from its rows and rewrites drifted
// totals. It returns how many bills were corrected; per-bill failures are
// logged and joined into the error.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	ids, err := s.bills.ListOpenIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open bills: %w", err)
	}
	var (
		fixed int
		errs  []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var (
			before  Totals
			after   *Bill
			changed bool
		)
		err := s.tx.InTx(ctx, func(ctx context.Context) error {
			b, err := s.bills.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			before = b.Totals()
			changed, err = s.recompute(ctx, b)
			after = b
			return err
		})
		if err != nil {
			s.logger.Error().Err(err).Str("bill_id", id.String()).Msg("reconcile bill failed")
			errs = append(errs, fmt.Errorf("bill %s: %w", id, err))
			continue
		}
		if changed {
			fixed++
			s.logger.Warn().Str("bill_id", id.String()).
				Str("total_before", before.TotalAmount.StringFixed(2)).
				Str("total_after", after.TotalAmount.StringFixed(2)).
				Msg("corrected drifted bill totals")
			s.audit.Emit(ctx, audit.Event{
				EntityType: "bill", EntityID: id.String(), Action: "reconcile",
				PerformedBy: "system", OldValues: before, NewValues: after.Totals(),
			})
		}
	}
	s.metrics.Corrections(ctx, fixed)
	return fixed, errors.Join(errs...)
}
