package tariff

import (
	"context"
	"time"
)

type Repository interface {
	Create(ctx context.Context, t *Tariff) error
	Update(ctx context.Context, t *Tariff) error
	GetByCode(ctx context.Context, code string) (*Tariff, error)
	// ListActive returns tariffs effective on asOf, optionally limited to one
	// category, ordered by tariff code.
	ListActive(ctx context.Context, category string, asOf time.Time) ([]*Tariff, error)
	Search(ctx context.Context, category string, activeOnly bool, limit, offset int) ([]*Tariff, int, error)
}
