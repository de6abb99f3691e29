package insurance

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

const (
	policyNumberKey = "insurance_policy_patient_number_key"
	activeClaimKey  = "insurance_claim_active_bill_key"
	policyCols      = `id, patient_id, insurer_name, policy_number, valid_from, valid_to, sum_insured, tpa_name, is_active, created_at, updated_at`
	claimCols       = `id, bill_id, policy_id, claim_amount, approved_amount, status, documents, rejection_reason, submitted_by, submitted_at, settled_at, updated_at`
)

// -- Policy --

type policyRepoPG struct{ pool *pgxpool.Pool }

func NewPolicyRepoPG(pool *pgxpool.Pool) PolicyRepository { return &policyRepoPG{pool: pool} }

func scanPolicy(row pgx.Row) (*Policy, error) {
	var p Policy
	err := row.Scan(&p.ID, &p.PatientID, &p.InsurerName, &p.PolicyNumber, &p.ValidFrom, &p.ValidTo,
		&p.SumInsured, &p.TPAName, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func policyNumberTaken(p *Policy) error {
	return apperr.Conflict(apperr.CodePolicyNumberExists,
		"policy number %s already exists for patient %s", p.PolicyNumber, p.PatientID)
}

func (r *policyRepoPG) Create(ctx context.Context, p *Policy) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO insurance_policy (id, patient_id, insurer_name, policy_number, valid_from, valid_to,
			sum_insured, tpa_name, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.InsurerName, p.PolicyNumber, p.ValidFrom, p.ValidTo,
		p.SumInsured, p.TPAName, p.IsActive,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if db.IsUniqueViolation(err, policyNumberKey) {
		return policyNumberTaken(p)
	}
	return err
}

func (r *policyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Policy, error) {
	p, err := scanPolicy(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+policyCols+` FROM insurance_policy WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("policy", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", id, err)
	}
	return p, nil
}

func (r *policyRepoPG) Update(ctx context.Context, p *Policy) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE insurance_policy SET insurer_name=$2, policy_number=$3, valid_from=$4, valid_to=$5,
			sum_insured=$6, tpa_name=$7, is_active=$8, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.InsurerName, p.PolicyNumber, p.ValidFrom, p.ValidTo, p.SumInsured, p.TPAName, p.IsActive,
	).Scan(&p.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.NotFound("policy", p.ID)
	case db.IsUniqueViolation(err, policyNumberKey):
		return policyNumberTaken(p)
	}
	return err
}

func (r *policyRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Policy, int, error) {
	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM insurance_policy WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `
		SELECT `+policyCols+` FROM insurance_policy WHERE patient_id = $1
		ORDER BY valid_to DESC, created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// -- Claim --

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository { return &claimRepoPG{pool: pool} }

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.BillID, &c.PolicyID, &c.ClaimAmount, &c.ApprovedAmount, &c.Status,
		&c.Documents, &c.RejectionReason, &c.SubmittedBy, &c.SubmittedAt, &c.SettledAt, &c.UpdatedAt)
	return &c, err
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Documents == nil {
		c.Documents = []string{}
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO insurance_claim (id, bill_id, policy_id, claim_amount, status, documents, submitted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING submitted_at, updated_at`,
		c.ID, c.BillID, c.PolicyID, c.ClaimAmount, c.Status, c.Documents, c.SubmittedBy,
	).Scan(&c.SubmittedAt, &c.UpdatedAt)
	if db.IsUniqueViolation(err, activeClaimKey) {
		return apperr.Conflict(apperr.CodeClaimAlreadyActive, "bill %s already has an active claim", c.BillID)
	}
	return err
}

func (r *claimRepoPG) get(ctx context.Context, id uuid.UUID, suffix string) (*Claim, error) {
	c, err := scanClaim(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+claimCols+` FROM insurance_claim WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("claim", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load claim %s: %w", id, err)
	}
	return c, nil
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return r.get(ctx, id, "")
}

func (r *claimRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *claimRepoPG) UpdateStatus(ctx context.Context, c *Claim) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE insurance_claim SET status=$2, approved_amount=$3, rejection_reason=$4, settled_at=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.Status, c.ApprovedAmount, c.RejectionReason, c.SettledAt,
	).Scan(&c.UpdatedAt)
}

func (r *claimRepoPG) ListByBill(ctx context.Context, billID uuid.UUID) ([]*Claim, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+claimCols+` FROM insurance_claim WHERE bill_id = $1
		ORDER BY submitted_at DESC`, billID)
	if err != nil {
		return nil, fmt.Errorf("list claims for bill %s: %w", billID, err)
	}
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *claimRepoPG) LockBill(ctx context.Context, billID uuid.UUID) error {
	if db.TxFromContext(ctx) == nil {
		return errors.New("claim lock requires a transaction")
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('claim:' || $1::text))`, billID)
	return err
}
