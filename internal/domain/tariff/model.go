package tariff

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tariff maps to the tariff_master table: a priced, coded hospital service.
type Tariff struct {
	Code          string          `db:"tariff_code" json:"tariff_code"`
	Category      string          `db:"category" json:"category"`
	Description   string          `db:"description" json:"description"`
	BasePrice     decimal.Decimal `db:"base_price" json:"base_price"`
	EffectiveFrom time.Time       `db:"effective_from" json:"effective_from"`
	IsActive      bool            `db:"is_active" json:"is_active"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// EffectiveOn reports whether the tariff can price a service on day.
func (t *Tariff) EffectiveOn(day time.Time) bool {
	return t.IsActive && !t.EffectiveFrom.After(day)
}

// NormalizeCategory upper-cases and trims a category label.
func NormalizeCategory(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// Source records which step of the fallback chain produced a price.
type Source string

const (
	SourceTariffCode Source = "tariff_code"
	SourceKeyword    Source = "keyword"
	SourceDefault    Source = "default"
)

// Lookup is a pricing request. Code is tried first, then Name within
// Category, then Default.
type Lookup struct {
	Code     string
	Category string
	Name     string
	Default  decimal.Decimal
}

// Resolution is the price for a Lookup. TariffCode is nil when the caller's
// default was used.
type Resolution struct {
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TariffCode *string         `json:"tariff_code,omitempty"`
	Source     Source          `json:"source"`
}
