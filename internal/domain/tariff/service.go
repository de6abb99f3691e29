package tariff

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/platform/apperr"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "tariff").Logger(), now: time.Now}
}

func (s *Service) CreateTariff(ctx context.Context, t *Tariff) error {
	if err := s.normalize(t); err != nil {
		return err
	}
	return s.repo.Create(ctx, t)
}

func (s *Service) UpdateTariff(ctx context.Context, t *Tariff) error {
	if err := s.normalize(t); err != nil {
		return err
	}
	return s.repo.Update(ctx, t)
}

func (s *Service) GetTariff(ctx context.Context, code string) (*Tariff, error) {
	return s.repo.GetByCode(ctx, strings.TrimSpace(code))
}

func (s *Service) ListTariffs(ctx context.Context, category string, activeOnly bool, limit, offset int) ([]*Tariff, int, error) {
	return s.repo.Search(ctx, NormalizeCategory(category), activeOnly, limit, offset)
}

func (s *Service) normalize(t *Tariff) error {
	t.Code = strings.TrimSpace(t.Code)
	t.Category = NormalizeCategory(t.Category)
	t.Description = strings.TrimSpace(t.Description)
	if t.Code == "" {
		return apperr.Validation("tariff_code is required")
	}
	if t.Category == "" {
		return apperr.Validation("category is required")
	}
	if t.Description == "" {
		return apperr.Validation("description is required")
	}
	if t.BasePrice.IsNegative() {
		return apperr.Validation("base_price must not be negative")
	}
	if t.EffectiveFrom.IsZero() {
		t.EffectiveFrom = today(s.now().UTC())
	}
	t.BasePrice = t.BasePrice.Round(2)
	return nil
}

// Resolve prices a service. It never fails: lookup errors are logged and
// the chain falls through to the caller's default.
func (s *Service) Resolve(ctx context.Context, l Lookup) Resolution {
	day := today(s.now().UTC())
	code := strings.TrimSpace(l.Code)
	if code != "" {
		t, err := s.repo.GetByCode(ctx, code)
		switch {
		case err == nil && t.EffectiveOn(day):
			return found(t, SourceTariffCode)
		case err != nil && apperr.KindOf(err) != apperr.KindNotFound:
			s.logger.Warn().Err(err).Str("tariff_code", code).Msg("tariff lookup by code failed")
		}
	}

	name := strings.TrimSpace(l.Name)
	if name != "" {
		candidates, err := s.repo.ListActive(ctx, NormalizeCategory(l.Category), day)
		if err != nil {
			s.logger.Warn().Err(err).Str("category", l.Category).Msg("tariff keyword lookup failed")
		} else if t := bestMatch(name, candidates); t != nil {
			return found(t, SourceKeyword)
		}
	}

	return Resolution{UnitPrice: l.Default.Round(2), Source: SourceDefault}
}

func found(t *Tariff, src Source) Resolution {
	code := t.Code
	return Resolution{UnitPrice: t.BasePrice, TariffCode: &code, Source: src}
}

// bestMatch picks the closest description for name: an exact
// case-insensitive match, then the tightest substring match in either
// direction, then the most shared words. Ties go to the lowest code.
func bestMatch(name string, candidates []*Tariff) *Tariff {
	n := strings.ToLower(name)
	sorted := make([]*Tariff, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })

	var (
		sub     *Tariff
		subDiff = -1
	)
	for _, t := range sorted {
		d := strings.ToLower(strings.TrimSpace(t.Description))
		if d == "" {
			continue
		}
		if d == n {
			return t
		}
		if strings.Contains(d, n) || strings.Contains(n, d) {
			diff := len(d) - len(n)
			if diff < 0 {
				diff = -diff
			}
			if subDiff < 0 || diff < subDiff {
				sub, subDiff = t, diff
			}
		}
	}
	if sub != nil {
		return sub
	}

	words := keywords(n)
	if len(words) == 0 {
		return nil
	}
	var (
		best      *Tariff
		bestScore int
	)
	for _, t := range sorted {
		desc := keywords(strings.ToLower(t.Description))
		score := 0
		for w := range words {
			if desc[w] {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	return best
}

func keywords(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(f) >= 3 {
			out[f] = true
		}
	}
	return out
}

// today returns the calendar date of t as UTC midnight, matching how DATE
// columns scan.
func today(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
