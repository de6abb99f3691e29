package tariff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ledger/internal/platform/apperr"
	"github.com/ehr/ledger/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const tariffCols = `tariff_code, category, description, base_price, effective_from, is_active, created_at, updated_at`

func scanTariff(row pgx.Row) (*Tariff, error) {
	var t Tariff
	err := row.Scan(&t.Code, &t.Category, &t.Description, &t.BasePrice, &t.EffectiveFrom,
		&t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func (r *repoPG) Create(ctx context.Context, t *Tariff) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO tariff_master (tariff_code, category, description, base_price, effective_from, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		t.Code, t.Category, t.Description, t.BasePrice, t.EffectiveFrom, t.IsActive,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if db.IsUniqueViolation(err, "") {
		return apperr.Conflict(apperr.CodeDuplicate, "tariff %s already exists", t.Code)
	}
	return err
}

func (r *repoPG) Update(ctx context.Context, t *Tariff) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE tariff_master SET category=$2, description=$3, base_price=$4, effective_from=$5,
			is_active=$6, updated_at=NOW()
		WHERE tariff_code = $1
		RETURNING updated_at`,
		t.Code, t.Category, t.Description, t.BasePrice, t.EffectiveFrom, t.IsActive,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("tariff", t.Code)
	}
	return err
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*Tariff, error) {
	t, err := scanTariff(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+tariffCols+` FROM tariff_master WHERE tariff_code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("tariff", code)
	}
	if err != nil {
		return nil, fmt.Errorf("get tariff %s: %w", code, err)
	}
	return t, nil
}

func (r *repoPG) ListActive(ctx context.Context, category string, asOf time.Time) ([]*Tariff, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+tariffCols+` FROM tariff_master
		WHERE is_active AND effective_from <= $1::date AND ($2 = '' OR category = $2)
		ORDER BY tariff_code`, asOf, category)
	if err != nil {
		return nil, fmt.Errorf("list active tariffs: %w", err)
	}
	defer rows.Close()
	var items []*Tariff
	for rows.Next() {
		t, err := scanTariff(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *repoPG) Search(ctx context.Context, category string, activeOnly bool, limit, offset int) ([]*Tariff, int, error) {
	const where = ` WHERE ($1 = '' OR category = $1) AND (NOT $2 OR is_active)`
	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM tariff_master`+where, category, activeOnly).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+tariffCols+` FROM tariff_master`+where+` ORDER BY tariff_code LIMIT $3 OFFSET $4`,
		category, activeOnly, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Tariff
	for rows.Next() {
		t, err := scanTariff(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}
