package ledger

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Totals is the derived money state of a bill.
type Totals struct {
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
	PaidAmount     decimal.Decimal
	BalanceDue     decimal.Decimal
	Status         BillStatus
}

// Recompute derives totals from a bill's persisted rows. Only approved
// discounts count. paidAmount is always the sum of payments.
func Recompute(items []*BillItem, discounts []*Discount, payments []*Payment, tax decimal.Decimal) Totals {
	t := Totals{TaxAmount: tax.Round(2)}
	for _, it := range items {
		t.Subtotal = t.Subtotal.Add(it.TotalPrice)
	}
	for _, d := range discounts {
		if d.Status == DiscountApproved && d.Amount != nil {
			t.DiscountAmount = t.DiscountAmount.Add(*d.Amount)
		}
	}
	for _, p := range payments {
		t.PaidAmount = t.PaidAmount.Add(p.Amount)
	}
	t.TotalAmount = t.Subtotal.Sub(t.DiscountAmount).Add(t.TaxAmount)
	t.BalanceDue = t.TotalAmount.Sub(t.PaidAmount)
	t.Status = deriveStatus(len(items) == 0 && len(payments) == 0, t)
	return t
}

// deriveStatus maps totals to a bill status. paid holds exactly when
// balanceDue <= 0 on a bill that carries items or payments; a bill with
// neither stays draft even though its balance is zero.
func deriveStatus(empty bool, t Totals) BillStatus {
	switch {
	case empty:
		return StatusDraft
	case !t.BalanceDue.IsPositive():
		return StatusPaid
	case t.PaidAmount.IsPositive():
		return StatusPartial
	default:
		return StatusPending
	}
}

// Totals returns the money state currently stored on the bill.
func (b *Bill) Totals() Totals {
	return Totals{
		Subtotal:       b.Subtotal,
		DiscountAmount: b.DiscountAmount,
		TaxAmount:      b.TaxAmount,
		TotalAmount:    b.TotalAmount,
		PaidAmount:     b.PaidAmount,
		BalanceDue:     b.BalanceDue,
		Status:         b.Status,
	}
}

// Apply copies t onto the bill and reports whether anything changed.
func (b *Bill) Apply(t Totals) bool {
	changed := !t.Equal(b.Totals())
	b.Subtotal = t.Subtotal
	b.DiscountAmount = t.DiscountAmount
	b.TaxAmount = t.TaxAmount
	b.TotalAmount = t.TotalAmount
	b.PaidAmount = t.PaidAmount
	b.BalanceDue = t.BalanceDue
	b.Status = t.Status
	return changed
}

func (t Totals) Equal(o Totals) bool {
	return t.Status == o.Status &&
		t.Subtotal.Equal(o.Subtotal) &&
		t.DiscountAmount.Equal(o.DiscountAmount) &&
		t.TaxAmount.Equal(o.TaxAmount) &&
		t.TotalAmount.Equal(o.TotalAmount) &&
		t.PaidAmount.Equal(o.PaidAmount) &&
		t.BalanceDue.Equal(o.BalanceDue)
}

// LineTotal is quantity × unit price in currency minor units.
func LineTotal(qty, unit decimal.Decimal) decimal.Decimal {
	return qty.Mul(unit).Round(2)
}

// DiscountAmount fixes the money value of a discount against subtotal at
// approval time. Scheme discounts carry a fixed amount.
func DiscountAmount(typ DiscountType, value, subtotal decimal.Decimal) decimal.Decimal {
	if typ == DiscountPercentage {
		return subtotal.Mul(value).Div(hundred).Round(2)
	}
	return value.Round(2)
}
