package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ledger/internal/platform/apperr"
	"github.com/ehr/ledger/internal/platform/db"
)

// -- Bill --

type billRepoPG struct{ pool *pgxpool.Pool }

func NewBillRepoPG(pool *pgxpool.Pool) BillRepository { return &billRepoPG{pool: pool} }

const billCols = `id, bill_number, patient_id, encounter_id, status, subtotal, discount_amount, tax_amount,
	total_amount, paid_amount, balance_due, finalized_at, finalized_by, created_at, updated_at`

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.BillNumber, &b.PatientID, &b.EncounterID, &b.Status,
		&b.Subtotal, &b.DiscountAmount, &b.TaxAmount, &b.TotalAmount, &b.PaidAmount, &b.BalanceDue,
		&b.FinalizedAt, &b.FinalizedBy, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

func (r *billRepoPG) Create(ctx context.Context, b *Bill) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	err := db.Savepoint(ctx, r.pool, func(q db.Querier) error {
		return q.QueryRow(ctx, `
			INSERT INTO bill (id, bill_number, patient_id, encounter_id, status, subtotal, discount_amount,
				tax_amount, total_amount, paid_amount, balance_due)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at, updated_at`,
			b.ID, b.BillNumber, b.PatientID, b.EncounterID, b.Status, b.Subtotal, b.DiscountAmount,
			b.TaxAmount, b.TotalAmount, b.PaidAmount, b.BalanceDue,
		).Scan(&b.CreatedAt, &b.UpdatedAt)
	})
	if db.IsUniqueViolation(err, "bill_bill_number_key") {
		return ErrBillNumberTaken
	}
	return err
}

func (r *billRepoPG) get(ctx context.Context, id uuid.UUID, suffix string) (*Bill, error) {
	b, err := scanBill(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+billCols+` FROM bill WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("bill", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load bill %s: %w", id, err)
	}
	return b, nil
}

func (r *billRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return r.get(ctx, id, "")
}

func (r *billRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *billRepoPG) FindOpen(ctx context.Context, patientID uuid.UUID, encounterID *uuid.UUID) (*Bill, error) {
	b, err := scanBill(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+billCols+` FROM bill
		WHERE patient_id = $1
		  AND status IN ('draft', 'pending', 'partial')
		  AND finalized_at IS NULL
		  AND ($2::uuid IS NULL OR encounter_id = $2)
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE`, patientID, encounterID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open bill: %w", err)
	}
	return b, nil
}

func (r *billRepoPG) LockScope(ctx context.Context, key string) error {
	if db.TxFromContext(ctx) == nil {
		return errors.New("scope lock requires a transaction")
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

func (r *billRepoPG) NextSequence(ctx context.Context, stem string) (int, error) {
	var max int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COALESCE(MAX(NULLIF(substring(bill_number FROM length($1) + 1), '')::int), 0)
		FROM bill WHERE bill_number LIKE $1 || '%'`, stem).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next bill sequence: %w", err)
	}
	return max + 1, nil
}

func (r *billRepoPG) UpdateTotals(ctx context.Context, b *Bill) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE bill SET status=$2, subtotal=$3, discount_amount=$4, tax_amount=$5, total_amount=$6,
			paid_amount=$7, balance_due=$8, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		b.ID, b.Status, b.Subtotal, b.DiscountAmount, b.TaxAmount, b.TotalAmount, b.PaidAmount, b.BalanceDue,
	).Scan(&b.UpdatedAt)
}

func (r *billRepoPG) Finalize(ctx context.Context, b *Bill) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE bill SET finalized_at=$2, finalized_by=$3, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`, b.ID, b.FinalizedAt, b.FinalizedBy,
	).Scan(&b.UpdatedAt)
}

func (r *billRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM bill WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+billCols+` FROM bill WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var bills []*Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, 0, err
		}
		bills = append(bills, b)
	}
	return bills, total, rows.Err()
}

func (r *billRepoPG) ListOpenIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id FROM bill WHERE status IN ('draft', 'pending', 'partial') AND finalized_at IS NULL
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// -- BillItem --

type itemRepoPG struct{ pool *pgxpool.Pool }

func NewItemRepoPG(pool *pgxpool.Pool) ItemRepository { return &itemRepoPG{pool: pool} }

const itemCols = `id, bill_id, category, department, item_code, description, quantity, unit_price, total_price, created_at`

func scanItem(row pgx.Row) (*BillItem, error) {
	var it BillItem
	err := row.Scan(&it.ID, &it.BillID, &it.Category, &it.Department, &it.ItemCode, &it.Description,
		&it.Quantity, &it.UnitPrice, &it.TotalPrice, &it.CreatedAt)
	return &it, err
}

func (r *itemRepoPG) FindByKey(ctx context.Context, billID uuid.UUID, itemCode *string, description string) (*BillItem, error) {
	it, err := scanItem(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+itemCols+` FROM bill_item
		WHERE bill_id = $1 AND COALESCE(item_code, '') = COALESCE($2, '') AND description = $3`,
		billID, itemCode, description))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find item: %w", err)
	}
	return it, nil
}

func (r *itemRepoPG) Insert(ctx context.Context, it *BillItem) (bool, error) {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO bill_item (id, bill_id, category, department, item_code, description, quantity, unit_price, total_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
		RETURNING created_at`,
		it.ID, it.BillID, it.Category, it.Department, it.ItemCode, it.Description, it.Quantity, it.UnitPrice, it.TotalPrice,
	).Scan(&it.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	return true, nil
}

func (r *itemRepoPG) ListByBill(ctx context.Context, billID uuid.UUID) ([]*BillItem, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+itemCols+` FROM bill_item WHERE bill_id = $1 ORDER BY created_at, id`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*BillItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// -- Payment --

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO payment (id, bill_id, amount, payment_mode, reference_number, received_by, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING received_at`,
		p.ID, p.BillID, p.Amount, p.Mode, p.ReferenceNumber, p.ReceivedBy, p.ReceivedAt,
	).Scan(&p.ReceivedAt)
}

func (r *paymentRepoPG) ListByBill(ctx context.Context, billID uuid.UUID) ([]*Payment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, bill_id, amount, payment_mode, reference_number, received_by, received_at
		FROM payment WHERE bill_id = $1 ORDER BY received_at, id`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.BillID, &p.Amount, &p.Mode, &p.ReferenceNumber, &p.ReceivedBy, &p.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// -- Discount --

type discountRepoPG struct{ pool *pgxpool.Pool }

func NewDiscountRepoPG(pool *pgxpool.Pool) DiscountRepository { return &discountRepoPG{pool: pool} }

const discountCols = `id, bill_id, discount_type, discount_value, amount, reason, status, approved_by, approved_at, created_at`

func scanDiscount(row pgx.Row) (*Discount, error) {
	var d Discount
	err := row.Scan(&d.ID, &d.BillID, &d.Type, &d.Value, &d.Amount, &d.Reason, &d.Status,
		&d.ApprovedBy, &d.ApprovedAt, &d.CreatedAt)
	return &d, err
}

func (r *discountRepoPG) Create(ctx context.Context, d *Discount) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO bill_discount (id, bill_id, discount_type, discount_value, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		d.ID, d.BillID, d.Type, d.Value, d.Reason, d.Status,
	).Scan(&d.CreatedAt)
}

func (r *discountRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Discount, error) {
	d, err := scanDiscount(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+discountCols+` FROM bill_discount WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("discount", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load discount %s: %w", id, err)
	}
	return d, nil
}

func (r *discountRepoPG) Approve(ctx context.Context, d *Discount) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE bill_discount SET status='approved', amount=$2, approved_by=$3, approved_at=$4
		WHERE id = $1 AND status = 'pending'`,
		d.ID, d.Amount, d.ApprovedBy, d.ApprovedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict(apperr.CodeDuplicate, "discount %s is already approved", d.ID)
	}
	return nil
}

func (r *discountRepoPG) ListByBill(ctx context.Context, billID uuid.UUID) ([]*Discount, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+discountCols+` FROM bill_discount WHERE bill_id = $1 ORDER BY created_at, id`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Discount
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
