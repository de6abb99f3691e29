package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/ledger/internal/platform/apperr"
	"github.com/ehr/ledger/internal/platform/audit"
	"github.com/ehr/ledger/internal/platform/auth"
)

var testNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

type auditLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditLog) record(_ context.Context, ev audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *auditLog) actions(entity string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, ev := range a.events {
		if ev.EntityType == entity {
			out = append(out, ev.Action)
		}
	}
	return out
}

func newTestService(t *testing.T, opts Options) (*Service, *memStore, *auditLog) {
	t.Helper()
	store := newMemStore()
	svc := NewService(store, memItems{store}, memPayments{store}, memDiscounts{store}, store, opts, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	log := &auditLog{}
	svc.SetAuditor(audit.NewEmitter(audit.RecorderFunc(log.record), zerolog.Nop()))
	return svc, store, log
}

func lab(desc, price string) ItemInput {
	return ItemInput{Category: "lab", ItemCode: "LAB-" + desc, Description: desc, UnitPrice: d(price)}
}

func mustResolve(t *testing.T, svc *Service, patientID uuid.UUID) *Bill {
	t.Helper()
	b, err := svc.ResolveOpenBill(context.Background(), patientID, nil)
	if err != nil {
		t.Fatalf("resolve open bill: %v", err)
	}
	return b
}

func mustPost(t *testing.T, svc *Service, billID uuid.UUID, in ItemInput) *BillItem {
	t.Helper()
	it, dup, err := svc.PostItem(context.Background(), billID, in)
	if err != nil {
		t.Fatalf("post item: %v", err)
	}
	if dup {
		t.Fatalf("expected %q to be a new item", in.Description)
	}
	return it
}

func mustBill(t *testing.T, svc *Service, id uuid.UUID) *Bill {
	t.Helper()
	b, err := svc.GetBill(context.Background(), id)
	if err != nil {
		t.Fatalf("get bill: %v", err)
	}
	return b
}

func assertMoney(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(d(want)) {
		t.Errorf("expected %s %s, got %s", label, want, got.StringFixed(2))
	}
}

// assertConsistent checks the stored totals against a fresh derivation.
func assertConsistent(t *testing.T, svc *Service, b *Bill) {
	t.Helper()
	want, err := svc.derive(context.Background(), b)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !want.Equal(b.Totals()) {
		t.Errorf("stored totals %+v drifted from rows %+v", b.Totals(), want)
	}
	if !b.TotalAmount.Equal(b.Subtotal.Sub(b.DiscountAmount).Add(b.TaxAmount)) {
		t.Errorf("total %s != subtotal - discount + tax", b.TotalAmount)
	}
	if !b.BalanceDue.Equal(b.TotalAmount.Sub(b.PaidAmount)) {
		t.Errorf("balance %s != total - paid", b.BalanceDue)
	}
}

func TestResolveOpenBill_CreatesDraft(t *testing.T) {
	svc, store, log := newTestService(t, Options{})
	pid := uuid.New()

	b := mustResolve(t, svc, pid)
	if b.Status != StatusDraft {
		t.Errorf("expected draft, got %s", b.Status)
	}
	if b.BillNumber != "BILL-202603-0001" {
		t.Errorf("expected BILL-202603-0001, got %s", b.BillNumber)
	}
	again := mustResolve(t, svc, pid)
	if again.ID != b.ID {
		t.Error("expected the same open bill to be reused")
	}
	if got := log.actions("bill"); len(got) != 1 || got[0] != "create" {
		t.Errorf("expected one create audit, got %v", got)
	}
	if len(store.scopeLocks) != 2 || store.scopeLocks[0] != "bill:"+pid.String() {
		t.Errorf("expected scope lock per resolution, got %v", store.scopeLocks)
	}
}

func TestResolveOpenBill_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	if _, err := svc.ResolveOpenBill(context.Background(), uuid.Nil, nil); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	enc, _, _ := newTestService(t, Options{Scope: ScopeEncounter})
	if _, err := enc.ResolveOpenBill(context.Background(), uuid.New(), nil); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error without encounter, got %v", err)
	}
}

func TestResolveOpenBill_EncounterScope(t *testing.T) {
	svc, _, _ := newTestService(t, Options{Scope: ScopeEncounter})
	pid, e1, e2 := uuid.New(), uuid.New(), uuid.New()
	ctx := context.Background()

	b1, err := svc.ResolveOpenBill(ctx, pid, &e1)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := svc.ResolveOpenBill(ctx, pid, &e2)
	if err != nil {
		t.Fatal(err)
	}
	if b1.ID == b2.ID {
		t.Fatal("expected separate bills per encounter")
	}
	again, err := svc.ResolveOpenBill(ctx, pid, &e1)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != b1.ID {
		t.Error("expected encounter bill to be reused")
	}
	if b2.BillNumber != "BILL-202603-0002" {
		t.Errorf("expected second number in sequence, got %s", b2.BillNumber)
	}
}

func TestResolveOpenBill_PatientScopeIgnoresEncounter(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	pid, e1, e2 := uuid.New(), uuid.New(), uuid.New()
	b1, _ := svc.ResolveOpenBill(context.Background(), pid, &e1)
	b2, _ := svc.ResolveOpenBill(context.Background(), pid, &e2)
	if b1 == nil || b2 == nil || b1.ID != b2.ID {
		t.Error("expected one bill per patient regardless of encounter")
	}
}

func TestResolveOpenBill_NewBillAfterPaid(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	pid := uuid.New()
	first := mustResolve(t, svc, pid)
	mustPost(t, svc, first.ID, lab("CBC", "300"))
	if _, err := svc.ApplyPayment(context.Background(), first.ID, PaymentInput{Amount: d("300"), Mode: ModeCash}); err != nil {
		t.Fatal(err)
	}

	next := mustResolve(t, svc, pid)
	if next.ID == first.ID {
		t.Fatal("paid bill must not be reused")
	}
	if next.BillNumber != "BILL-202603-0002" {
		t.Errorf("expected BILL-202603-0002, got %s", next.BillNumber)
	}
}

func TestCreateBill_RetriesCollisions(t *testing.T) {
	svc, store, _ := newTestService(t, Options{NumberPrefix: "OPD"})
	store.collisions = 2

	b := mustResolve(t, svc, uuid.New())
	if b.BillNumber != "OPD-202603-0003" {
		t.Errorf("expected OPD-202603-0003 after two collisions, got %s", b.BillNumber)
	}
}

func TestCreateBill_Exhausted(t *testing.T) {
	svc, store, _ := newTestService(t, Options{MaxNumberAttempts: 3})
	store.collisions = 3

	_, err := svc.ResolveOpenBill(context.Background(), uuid.New(), nil)
	if !apperr.HasCode(err, apperr.CodeBillNumberExhausted) {
		t.Fatalf("expected bill_number_exhausted, got %v", err)
	}
	if !errors.Is(err, apperr.ErrConflict) {
		t.Error("expected exhaustion to be a conflict")
	}
	if len(store.bills) != 0 {
		t.Errorf("expected no bill rows, got %d", len(store.bills))
	}
}

// Scenarios 1 and 2: first charge then full settlement.
func TestPostItemThenPay(t *testing.T) {
	svc, _, log := newTestService(t, Options{})
	ctx := context.Background()
	b := mustResolve(t, svc, uuid.New())

	it := mustPost(t, svc, b.ID, lab("CBC", "300"))
	if !it.TotalPrice.Equal(d("300")) || it.Category != "LAB" {
		t.Errorf("unexpected item: %+v", it)
	}
	got := mustBill(t, svc, b.ID)
	assertMoney(t, "subtotal", got.Subtotal, "300")
	assertMoney(t, "total", got.TotalAmount, "300")
	assertMoney(t, "balance", got.BalanceDue, "300")
	if got.Status != StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}

	p, err := svc.ApplyPayment(ctx, b.ID, PaymentInput{Amount: d("300"), Mode: "CASH"})
	if err != nil {
		t.Fatalf("apply payment: %v", err)
	}
	if p.Mode != ModeCash || p.ReceivedBy != "system" {
		t.Errorf("unexpected payment: mode=%s by=%s", p.Mode, p.ReceivedBy)
	}
	got = mustBill(t, svc, b.ID)
	assertMoney(t, "paid", got.PaidAmount, "300")
	assertMoney(t, "balance", got.BalanceDue, "0")
	if got.Status != StatusPaid {
		t.Errorf("expected paid, got %s", got.Status)
	}
	assertConsistent(t, svc, got)
	if acts := log.actions("payment"); len(acts) != 1 {
		t.Errorf("expected one payment audit, got %v", acts)
	}
}

func TestApplyPayment_Partial(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	b := mustResolve(t, svc, uuid.New())
	mustPost(t, svc, b.ID, lab("CBC", "300"))

	if _, err := svc.ApplyPayment(context.Background(), b.ID, PaymentInput{Amount: d("120.50"), Mode: ModeUPI}); err != nil {
		t.Fatal(err)
	}
	got := mustBill(t, svc, b.ID)
	if got.Status != StatusPartial {
		t.Errorf("expected partial, got %s", got.Status)
	}
	assertMoney(t, "balance", got.BalanceDue, "179.50")
}

func TestApplyPayment_ExceedsBalanceLeavesStateUnchanged(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	b := mustResolve(t, svc, uuid.New())
	mustPost(t, svc, b.ID, lab("CBC", "300"))
	before := mustBill(t, svc, b.ID)

	_, err := svc.ApplyPayment(context.Background(), b.ID, PaymentInput{Amount: d("300.01"), Mode: ModeCard})
	if !apperr.HasCode(err, apperr.CodePaymentExceedsBalance) {
		t.Fatalf("expected payment_exceeds_balance, got %v", err)
	}
	after := mustBill(t, svc, b.ID)
	if !before.Totals().Equal(after.Totals()) {
		t.Errorf("bill changed after rejected payment: %+v -> %+v", before.Totals(), after.Totals())
	}
	if len(store.payments) != 0 {
		t.Errorf("expected no payment rows, got %d", len(store.payments))
	}
}

func TestApplyPayment_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	b := mustResolve(t, svc, uuid.New())
	mustPost(t, svc, b.ID, lab("CBC", "300"))

	tests := []struct {
		name string
		in   PaymentInput
	}{
		{"zero amount", PaymentInput{Amount: decimal.Zero, Mode: ModeCash}},
		{"negative amount", PaymentInput{Amount: d("-5"), Mode: ModeCash}},
		{"three decimals", PaymentInput{Amount: d("10.005"), Mode: ModeCash}},
		{"unknown mode", PaymentInput{Amount: d("10"), Mode: "barter"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ApplyPayment(context.Background(), b.ID, tt.in); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestApplyPayment_UnknownBill(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	_, err := svc.ApplyPayment(context.Background(), uuid.New(), PaymentInput{Amount: d("1"), Mode: ModeCash})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestApplyPayment_ActorFromContext(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	b := mustResolve(t, svc, uuid.New())
	mustPost(t, svc, b.ID, lab("CBC", "300"))

	ctx := auth.WithUser(context.Background(), "cashier-7", auth.RoleCashier)
	p, err := svc.ApplyPayment(ctx, b.ID, PaymentInput{Amount: d("10"), Mode: ModeCash})
	if err != nil {
		t.Fatal(err)
	}
	if p.ReceivedBy != "cashier-7" {
		t.Errorf("expected cashier-7, got %s", p.ReceivedBy)
	}
}

// Scenario 3: percentage discount approved by an administrator.
func TestProposeDiscount_ApprovedImmediately(t *testing.T) {
	svc, _, log := newTestService(t, Options{})
	b := mustResolve(t, svc, uuid.New())
	mustPost(t, svc, b.ID, lab("CBC", "300"))

	disc, err := svc.ProposeDiscount(context.Background(), b.ID, DiscountInput{
		Type: DiscountPercentage, Value: d("10"), Reason: "staff", ApprovedBy: "Admin",
	})
	if err != nil {
		t.Fatalf("propose discount: %v", err)
	}
	if disc.Status != DiscountApproved || disc.Amount == nil || !disc.Amount.Equal(d("30")) {
		t.Fatalf("unexpected discount: %+v", disc)
	}
	got := mustBill(t, svc, b.ID)
	assertMoney(t, "discount", got.DiscountAmount, "30")
	assertMoney(t, "total", got.TotalAmount, "270")
	assertMoney(t, "balance", got.BalanceDue, "270")
	assertConsistent(t, svc, got)
	if acts := log.actions("bill_discount"); len(acts) != 2 || acts[1] != "approve" {
		t.Errorf("expected propose and approve audits, got %v", acts)
	}
}

func TestDiscount_PendingThenApprove(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	b := mustResolve(t, svc, uuid.New())
	mustPost(t, svc, b.ID, lab("CBC", "300"))

	disc, err := svc.ProposeDiscount(ctx, b.ID, DiscountInput{Type: DiscountPercentage, Value: d("10"), Reason: "senior citizen"})
	if err != nil {
		t.Fatal(err)
	}
	if disc.Status != DiscountPending {
		t.Fatalf("expected pending, got %s", disc.Status)
	}
	assertMoney(t, "discount while pending", mustBill(t, svc, b.ID).DiscountAmount, "0")

	mustPost(t, svc, b.ID, lab("LFT", "200"))
	approvedDisc, err := svc.ApproveDiscount(ctx, disc.ID, "dr-ops")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	assertMoney(t, "discount amount", *approvedDisc.Amount, "50")

	// Later charges do not move an approved percentage.
	mustPost(t, svc, b.ID, lab("KFT", "500"))
	got := mustBill(t, svc, b.ID)
	assertMoney(t, "discount", got.DiscountAmount, "50")
	assertMoney(t, "total", got.TotalAmount, "950")
	assertConsistent(t, svc, got)
}

func TestApproveDiscount_Twice(t *testing.T) {
	svc, _, log := newTestService(t, Options{})
	ctx := context.Background()
	b := mustResolve(t, svc, uuid.New())
	mustPost(t, svc, b.ID, lab("CBC", "300"))
	disc, _ := svc.ProposeDiscount(ctx, b.ID, DiscountInput{Type: DiscountFixed, Value: d("40"), Reason: "goodwill"})

	if _, err := svc.ApproveDiscount(ctx, disc.ID, "a"); err != nil {
		t.Fatal(err)
	}
	second, err := svc.ApproveDiscount(ctx, disc.ID, "b")
	if err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if *second.ApprovedBy != "a" {
		t.Errorf("expected original approver to stick, got %s", *second.ApprovedBy)
	}
	assertMoney(t, "discount", mustBill(t, svc, b.ID).DiscountAmount, "40")
	approvals := 0
	for _, a := range log.actions("bill_discount") {
		if a == "approve" {
			approvals++
		}
	}
	if approvals != 1 {
		t.Errorf("expected one approve audit, got %d", approvals)
	}
}

func TestDiscount_ExceedsSubtotalRollsBack(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	b := mustResolve(t, svc, uuid.New())
	mustPost(t, svc, b.ID, lab("CBC", "300"))

	_, err := svc.ProposeDiscount(context.Background(), b.ID, DiscountInput{
		Type: DiscountFixed, Value: d("301"), Reason: "typo", ApprovedBy: "admin",
	})
	if !apperr.HasCode(err, apperr.CodeDiscountExceedsSubtotal) {
		t.Fatalf("expected discount_exceeds_subtotal, got %v", err)
	}
	if len(store.discounts) != 0 {
		t.Errorf("expected discount row to roll back, got %d", len(store.discounts))
	}
}

func TestDiscount_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	b := mustResolve(t, svc, uuid.New())
	tests := []struct {
		name string
		in   DiscountInput
	}{
		{"percentage above 100", DiscountInput{Type: DiscountPercentage, Value: d("100.01"), Reason: "x"}},
		{"percentage zero", DiscountInput{Type: DiscountPercentage, Value: decimal.Zero, Reason: "x"}},
		{"percentage below a cent", DiscountInput{Type: DiscountPercentage, Value: d("0.001"), Reason: "x"}},
		{"fixed below a cent", DiscountInput{Type: DiscountFixed, Value: d("0.004"), Reason: "x"}},
		{"fixed negative", DiscountInput{Type: DiscountFixed, Value: d("-1"), Reason: "x"}},
		{"unknown type", DiscountInput{Type: "coupon", Value: d("1"), Reason: "x"}},
		{"missing reason", DiscountInput{Type: DiscountScheme, Value: d("1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ProposeDiscount(context.Background(), b.ID, tt.in); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

// Scenario 5: the same charge reported twice lands once.
func TestPostItem_Duplicate(t *testing.T) {
	svc, store, log := newTestService(t, Options{})
	b := mustResolve(t, svc, uuid.New())
	first := mustPost(t, svc, b.ID, lab("CBC", "300"))

	again, dup, err := svc.PostItem(context.Background(), b.ID, lab("CBC", "300"))
	if err != nil {
		t.Fatal(err)
	}
	if !dup || again.ID != first.ID {
		t.Errorf("expected duplicate of %s, got dup=%v id=%s", first.ID, dup, again.ID)
	}
	if n := store.itemCount(b.ID); n != 1 {
		t.Errorf("expected 1 item, got %d", n)
	}
	assertMoney(t, "subtotal", mustBill(t, svc, b.ID).Subtotal, "300")
	if acts := log.actions("bill_item"); len(acts) != 1 {
		t.Errorf("expected one item audit, got %v", acts)
	}
}

func TestPostItem_SameCodeDifferentDescription(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	b := mustResolve(t, svc, uuid.New())
	mustPost(t, svc, b.ID, ItemInput{Category: "PHARMACY", ItemCode: "PARA", Description: "Paracetamol 500mg day 1", UnitPrice: d("2")})
	mustPost(t, svc, b.ID, ItemInput{Category: "PHARMACY", ItemCode: "PARA", Description: "Paracetamol 500mg day 2", UnitPrice: d("2")})
	if n := store.itemCount(b.ID); n != 2 {
		t.Errorf("expected 2 items, got %d", n)
	}
}

func TestPostItem_QuantityAndValidation(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	b := mustResolve(t, svc, uuid.New())

	it := mustPost(t, svc, b.ID, ItemInput{Category: "ward", Department: "General Ward", Description: "Bed charge", Quantity: dp("3"), UnitPrice: d("1500")})
	assertMoney(t, "line total", it.TotalPrice, "4500")
	if it.Department == nil || *it.Department != "General Ward" || it.ItemCode != nil {
		t.Errorf("unexpected optional fields: dept=%v code=%v", it.Department, it.ItemCode)
	}

	bad := []ItemInput{
		{Description: "no category", UnitPrice: d("1")},
		{Category: "LAB", UnitPrice: d("1")},
		{Category: "LAB", Description: "zero qty", Quantity: dp("0"), UnitPrice: d("1")},
		{Category: "LAB", Description: "sub-cent qty", Quantity: dp("0.004"), UnitPrice: d("300")},
		{Category: "LAB", Description: "negative", UnitPrice: d("-1")},
	}
	for _, in := range bad {
		if _, _, err := svc.PostItem(context.Background(), b.ID, in); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("expected validation error for %+v, got %v", in, err)
		}
	}
}

func TestPostItem_StoresRoundedValues(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	b := mustResolve(t, svc, uuid.New())

	it := mustPost(t, svc, b.ID, ItemInput{Category: "pharmacy", Description: "Syrup", Quantity: dp("0.005"), UnitPrice: d("99.999")})
	assertMoney(t, "quantity", it.Quantity, "0.01")
	assertMoney(t, "unit price", it.UnitPrice, "100")
	assertMoney(t, "line total", it.TotalPrice, "1")
	if n := store.itemCount(b.ID); n != 1 {
		t.Errorf("expected 1 item, got %d", n)
	}
}

func TestFinalize(t *testing.T) {
	svc, _, log := newTestService(t, Options{})
	ctx := context.Background()
	pid := uuid.New()
	b := mustResolve(t, svc, pid)

	if _, err := svc.Finalize(ctx, b.ID, "billing-1"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected draft finalize to fail validation, got %v", err)
	}
	mustPost(t, svc, b.ID, lab("CBC", "300"))

	fin, err := svc.Finalize(ctx, b.ID, "billing-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if fin.FinalizedAt == nil || *fin.FinalizedBy != "billing-1" {
		t.Errorf("expected finalized by billing-1, got %+v", fin)
	}
	if _, err := svc.Finalize(ctx, b.ID, "someone-else"); err != nil {
		t.Errorf("second finalize should be a no-op, got %v", err)
	}
	if acts := log.actions("bill"); len(acts) != 2 || acts[1] != "finalize" {
		t.Errorf("expected create and one finalize audit, got %v", acts)
	}

	if _, _, err := svc.PostItem(ctx, b.ID, lab("LFT", "100")); !apperr.HasCode(err, apperr.CodeBillFinalized) {
		t.Errorf("expected bill_finalized on item, got %v", err)
	}
	if _, err := svc.ProposeDiscount(ctx, b.ID, DiscountInput{Type: DiscountFixed, Value: d("1"), Reason: "x"}); !apperr.HasCode(err, apperr.CodeBillFinalized) {
		t.Errorf("expected bill_finalized on discount, got %v", err)
	}
	if _, err := svc.ApplyPayment(ctx, b.ID, PaymentInput{Amount: d("100"), Mode: ModeCash}); err != nil {
		t.Errorf("payments on a finalized bill must be accepted, got %v", err)
	}

	next := mustResolve(t, svc, pid)
	if next.ID == b.ID {
		t.Error("finalized bill must not receive new charges")
	}
}

func TestRecompute_PreservesTax(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	b := mustResolve(t, svc, uuid.New())
	mustPost(t, svc, b.ID, lab("CBC", "300"))
	store.tamper(b.ID, func(b *Bill) { b.TaxAmount = d("54") })

	got, err := svc.Recompute(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	assertMoney(t, "tax", got.TaxAmount, "54")
	assertMoney(t, "total", got.TotalAmount, "354")
}

func TestReconcile_FixesDrift(t *testing.T) {
	svc, store, log := newTestService(t, Options{})
	ctx := context.Background()
	drifted := mustResolve(t, svc, uuid.New())
	mustPost(t, svc, drifted.ID, lab("CBC", "300"))
	clean := mustResolve(t, svc, uuid.New())
	mustPost(t, svc, clean.ID, lab("LFT", "200"))

	store.tamper(drifted.ID, func(b *Bill) {
		b.Subtotal = d("999")
		b.TotalAmount = d("999")
		b.BalanceDue = d("999")
	})

	fixed, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if fixed != 1 {
		t.Errorf("expected 1 corrected bill, got %d", fixed)
	}
	got := mustBill(t, svc, drifted.ID)
	assertMoney(t, "subtotal", got.Subtotal, "300")
	assertConsistent(t, svc, got)
	if acts := log.actions("bill"); acts[len(acts)-1] != "reconcile" {
		t.Errorf("expected reconcile audit, got %v", acts)
	}

	if fixed, _ := svc.Reconcile(ctx); fixed != 0 {
		t.Errorf("expected idempotent reconcile, got %d", fixed)
	}
}

func TestReconcile_ListFailure(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	store.failListing = errors.New("connection refused")
	if _, err := svc.Reconcile(context.Background()); err == nil {
		t.Error("expected error when open bills cannot be listed")
	}
}

type claimsStub []ClaimSummary

func (c claimsStub) ClaimsForBill(context.Context, uuid.UUID) ([]ClaimSummary, error) {
	return c, nil
}

func TestDetail(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	b := mustResolve(t, svc, uuid.New())
	mustPost(t, svc, b.ID, lab("CBC", "300"))
	svc.ApplyPayment(ctx, b.ID, PaymentInput{Amount: d("100"), Mode: ModeCash})
	svc.ProposeDiscount(ctx, b.ID, DiscountInput{Type: DiscountFixed, Value: d("10"), Reason: "x"})

	detail, err := svc.Detail(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Items) != 1 || len(detail.Payments) != 1 || len(detail.Discounts) != 1 {
		t.Errorf("unexpected detail: items=%d payments=%d discounts=%d", len(detail.Items), len(detail.Payments), len(detail.Discounts))
	}
	if detail.Claims == nil || len(detail.Claims) != 0 {
		t.Errorf("expected empty claims without a source, got %v", detail.Claims)
	}

	svc.SetClaimSource(claimsStub{{ID: uuid.New(), Status: "submitted"}})
	detail, _ = svc.Detail(ctx, b.ID)
	if len(detail.Claims) != 1 {
		t.Errorf("expected 1 claim, got %d", len(detail.Claims))
	}
}

func TestSummary(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	pid := uuid.New()

	paid := mustResolve(t, svc, pid)
	mustPost(t, svc, paid.ID, ItemInput{Category: "LAB", Department: "Pathology", Description: "CBC", UnitPrice: d("300")})
	if _, err := svc.ApplyPayment(ctx, paid.ID, PaymentInput{Amount: d("300"), Mode: ModeCash}); err != nil {
		t.Fatal(err)
	}

	open := mustResolve(t, svc, pid)
	mustPost(t, svc, open.ID, ItemInput{Category: "LAB", Department: "Pathology", Description: "LFT", UnitPrice: d("200")})
	mustPost(t, svc, open.ID, ItemInput{Category: "PHARMACY", Description: "Paracetamol", Quantity: dp("10"), UnitPrice: d("2")})
	mustPost(t, svc, open.ID, ItemInput{Category: "RADIOLOGY", Department: "Imaging", Description: "X-Ray chest", UnitPrice: d("600")})
	if _, err := svc.ProposeDiscount(ctx, open.ID, DiscountInput{Type: DiscountFixed, Value: d("20"), Reason: "x", ApprovedBy: "admin"}); err != nil {
		t.Fatal(err)
	}

	sum, err := svc.Summary(ctx, pid)
	if err != nil {
		t.Fatal(err)
	}
	if sum.BillCount != 2 || sum.OpenBills != 1 || sum.PaidBills != 1 {
		t.Errorf("unexpected counts: bills=%d open=%d paid=%d", sum.BillCount, sum.OpenBills, sum.PaidBills)
	}
	assertMoney(t, "total billed", sum.TotalBilled, "1100")
	assertMoney(t, "total discount", sum.TotalDiscount, "20")
	assertMoney(t, "total paid", sum.TotalPaid, "300")
	assertMoney(t, "outstanding", sum.TotalOutstanding, "800")

	if len(sum.ByCategory) != 3 || sum.ByCategory[0].Label != "RADIOLOGY" || sum.ByCategory[1].Label != "LAB" {
		t.Fatalf("unexpected category order: %+v", sum.ByCategory)
	}
	assertMoney(t, "lab", sum.ByCategory[1].Amount, "500")
	if sum.ByCategory[1].Items != 2 {
		t.Errorf("expected 2 lab items, got %d", sum.ByCategory[1].Items)
	}
	var unassigned bool
	for _, b := range sum.ByDepartment {
		if b.Label == "UNASSIGNED" {
			unassigned = true
			assertMoney(t, "unassigned", b.Amount, "20")
		}
	}
	if !unassigned {
		t.Error("expected an UNASSIGNED department bucket")
	}

	if _, err := svc.Summary(ctx, uuid.Nil); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSummary_UnknownPatient(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	sum, err := svc.Summary(context.Background(), uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if sum.BillCount != 0 || !sum.TotalBilled.IsZero() || len(sum.ByCategory) != 0 {
		t.Errorf("expected empty summary, got %+v", sum)
	}
}
