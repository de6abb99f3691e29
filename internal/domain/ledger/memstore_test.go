package ledger

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ledger/internal/platform/apperr"
)

// memStore backs every ledger repository in tests. InTx serializes units of
// work and restores a snapshot when fn fails, mirroring a rollback.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	bills     map[uuid.UUID]Bill
	items     []BillItem
	payments  []Payment
	discounts []Discount

	clock       time.Time
	collisions  int
	txCount     int
	scopeLocks  []string
	failListing error
}

type memTxKey struct{}

func newMemStore() *memStore {
	return &memStore{
		bills: map[uuid.UUID]Bill{},
		clock: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	m.txCount++
	snapBills := make(map[uuid.UUID]Bill, len(m.bills))
	for k, v := range m.bills {
		snapBills[k] = v
	}
	snapItems := append([]BillItem(nil), m.items...)
	snapPayments := append([]Payment(nil), m.payments...)
	snapDiscounts := append([]Discount(nil), m.discounts...)
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.bills, m.items, m.payments, m.discounts = snapBills, snapItems, snapPayments, snapDiscounts
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

// -- BillRepository --

func (m *memStore) Create(_ context.Context, b *Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collisions > 0 {
		m.collisions--
		return ErrBillNumberTaken
	}
	for _, other := range m.bills {
		if other.BillNumber == b.BillNumber {
			return ErrBillNumberTaken
		}
	}
	b.CreatedAt = m.tick()
	b.UpdatedAt = b.CreatedAt
	m.bills[b.ID] = *b
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bills[id]
	if !ok {
		return nil, apperr.NotFound("bill", id)
	}
	return &b, nil
}

func (m *memStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return m.GetByID(ctx, id)
}

func (m *memStore) FindOpen(_ context.Context, patientID uuid.UUID, encounterID *uuid.UUID) (*Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Bill
	for _, b := range m.bills {
		b := b
		if b.PatientID != patientID || !b.IsOpen() {
			continue
		}
		if encounterID != nil && (b.EncounterID == nil || *b.EncounterID != *encounterID) {
			continue
		}
		if best == nil || b.CreatedAt.After(best.CreatedAt) {
			best = &b
		}
	}
	return best, nil
}

func (m *memStore) LockScope(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopeLocks = append(m.scopeLocks, key)
	return nil
}

func (m *memStore) NextSequence(_ context.Context, stem string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, b := range m.bills {
		if !strings.HasPrefix(b.BillNumber, stem) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(b.BillNumber, stem)); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func (m *memStore) UpdateTotals(_ context.Context, b *Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bills[b.ID]
	if !ok {
		return apperr.NotFound("bill", b.ID)
	}
	cur.Subtotal, cur.DiscountAmount, cur.TaxAmount = b.Subtotal, b.DiscountAmount, b.TaxAmount
	cur.TotalAmount, cur.PaidAmount, cur.BalanceDue = b.TotalAmount, b.PaidAmount, b.BalanceDue
	cur.Status = b.Status
	cur.UpdatedAt = m.tick()
	b.UpdatedAt = cur.UpdatedAt
	m.bills[b.ID] = cur
	return nil
}

func (m *memStore) Finalize(_ context.Context, b *Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.bills[b.ID]
	cur.FinalizedAt, cur.FinalizedBy = b.FinalizedAt, b.FinalizedBy
	m.bills[b.ID] = cur
	return nil
}

func (m *memStore) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Bill
	for _, b := range m.bills {
		b := b
		if b.PatientID == patientID {
			all = append(all, &b)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) ListOpenIDs(_ context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failListing != nil {
		return nil, m.failListing
	}
	var ids []uuid.UUID
	for id, b := range m.bills {
		if b.IsOpen() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// tamper overwrites stored totals to simulate drift.
func (m *memStore) tamper(id uuid.UUID, fn func(b *Bill)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bills[id]
	fn(&b)
	m.bills[id] = b
}

// -- ItemRepository --

type memItems struct{ *memStore }

func sameCode(a, b *string) bool {
	av, bv := "", ""
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	return av == bv
}

func (m memItems) FindByKey(_ context.Context, billID uuid.UUID, itemCode *string, description string) (*BillItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.BillID == billID && sameCode(it.ItemCode, itemCode) && it.Description == description {
			it := it
			return &it, nil
		}
	}
	return nil, nil
}

func (m memItems) Insert(_ context.Context, it *BillItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.items {
		if o.BillID == it.BillID && sameCode(o.ItemCode, it.ItemCode) && o.Description == it.Description {
			return false, nil
		}
	}
	it.CreatedAt = m.tick()
	m.items = append(m.items, *it)
	return true, nil
}

func (m memItems) ListByBill(_ context.Context, billID uuid.UUID) ([]*BillItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BillItem
	for _, it := range m.items {
		if it.BillID == billID {
			it := it
			out = append(out, &it)
		}
	}
	return out, nil
}

// -- PaymentRepository --

type memPayments struct{ *memStore }

func (m memPayments) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, *p)
	return nil
}

func (m memPayments) ListByBill(_ context.Context, billID uuid.UUID) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.BillID == billID {
			p := p
			out = append(out, &p)
		}
	}
	return out, nil
}

// -- DiscountRepository --

type memDiscounts struct{ *memStore }

func (m memDiscounts) Create(_ context.Context, d *Discount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.CreatedAt = m.tick()
	m.discounts = append(m.discounts, *d)
	return nil
}

func (m memDiscounts) GetForUpdate(_ context.Context, id uuid.UUID) (*Discount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.discounts {
		if d.ID == id {
			d := d
			return &d, nil
		}
	}
	return nil, apperr.NotFound("discount", id)
}

func (m memDiscounts) Approve(_ context.Context, d *Discount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.discounts {
		if cur.ID != d.ID {
			continue
		}
		if cur.Status == DiscountApproved {
			return apperr.Conflict(apperr.CodeDuplicate, "discount %s is already approved", d.ID)
		}
		m.discounts[i] = *d
		return nil
	}
	return apperr.NotFound("discount", d.ID)
}

func (m memDiscounts) ListByBill(_ context.Context, billID uuid.UUID) ([]*Discount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Discount
	for _, d := range m.discounts {
		if d.BillID == billID {
			d := d
			out = append(out, &d)
		}
	}
	return out, nil
}

func (m *memStore) itemCount(billID uuid.UUID) int {
	items, _ := memItems{m}.ListByBill(context.Background(), billID)
	return len(items)
}
