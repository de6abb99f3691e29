package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/ledger/internal/domain/tariff"
	"github.com/ehr/ledger/internal/platform/apperr"
	"github.com/ehr/ledger/internal/platform/audit"
)

// BillableEvent is a chargeable clinical action reported by a producer
// (registration, emergency, lab, pharmacy, OT).
type BillableEvent struct {
	PatientID   uuid.UUID        `json:"patient_id"`
	EncounterID *uuid.UUID       `json:"encounter_id,omitempty"`
	Category    string           `json:"category"`
	Department  string           `json:"department,omitempty"`
	ItemCode    string           `json:"item_code,omitempty"`
	TariffCode  string           `json:"tariff_code,omitempty"`
	Description string           `json:"description"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	// UnitPrice, when set, skips tariff resolution.
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"`
	DefaultPrice decimal.Decimal  `json:"default_price"`
	Source       string           `json:"source,omitempty"`
	PostedBy     string           `json:"-"`
}

type OutcomeStatus string

const (
	OutcomePosted    OutcomeStatus = "posted"
	OutcomeDuplicate OutcomeStatus = "duplicate"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome reports what a billable event did to the ledger.
type Outcome struct {
	Status      OutcomeStatus `json:"status"`
	Bill        *Bill         `json:"bill,omitempty"`
	Item        *BillItem     `json:"item,omitempty"`
	PriceSource string        `json:"price_source,omitempty"`
	TariffCode  *string       `json:"tariff_code,omitempty"`
	Source      string        `json:"source,omitempty"`
}

// PriceResolver prices a lookup without failing.
type PriceResolver interface {
	Resolve(ctx context.Context, l tariff.Lookup) tariff.Resolution
}

// Hook is the entry point producers call for every billable event.
type Hook struct {
	svc    *Service
	prices PriceResolver
	logger zerolog.Logger
}

func NewHook(svc *Service, prices PriceResolver, logger zerolog.Logger) *Hook {
	return &Hook{svc: svc, prices: prices, logger: logger.With().Str("component", "billing_hook").Logger()}
}

// Post prices the event, resolves the open bill and posts the item in one
// transaction. The returned error is for the producer to log; it must not
// fail the clinical action.
func (h *Hook) Post(ctx context.Context, ev BillableEvent) (Outcome, error) {
	out := Outcome{Status: OutcomeFailed, Source: ev.Source}
	if ev.PatientID == uuid.Nil {
		return out, apperr.Validation("patient_id is required")
	}
	if h.svc.opts.Scope == ScopeEncounter && ev.EncounterID == nil {
		return out, apperr.Validation("encounter_id is required when bills are scoped per encounter")
	}

	in := ItemInput{
		Category:    ev.Category,
		Department:  ev.Department,
		ItemCode:    ev.ItemCode,
		Description: ev.Description,
		Quantity:    ev.Quantity,
		PostedBy:    ev.PostedBy,
	}
	if strings.TrimSpace(in.ItemCode) == "" {
		in.ItemCode = ev.TariffCode
	}
	if ev.UnitPrice != nil {
		in.UnitPrice = *ev.UnitPrice
		out.PriceSource = "explicit"
	} else {
		res := h.prices.Resolve(ctx, tariff.Lookup{
			Code:     ev.TariffCode,
			Category: ev.Category,
			Name:     ev.Description,
			Default:  ev.DefaultPrice,
		})
		in.UnitPrice = res.UnitPrice
		out.PriceSource = string(res.Source)
		out.TariffCode = res.TariffCode
	}
	if err := h.svc.validateItem(&in); err != nil {
		h.svc.metrics.BillableEvent(ctx, string(OutcomeFailed), in.Category)
		return out, err
	}

	var (
		bill    *Bill
		item    *BillItem
		created bool
		dup     bool
	)
	err := h.svc.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if bill, created, err = h.svc.resolveLocked(ctx, ev.PatientID, ev.EncounterID); err != nil {
			return err
		}
		item, dup, err = h.svc.postLocked(ctx, bill, in)
		return err
	})
	if err != nil {
		h.svc.metrics.BillableEvent(ctx, string(OutcomeFailed), in.Category)
		return out, err
	}

	who := actor(ctx, ev.PostedBy)
	if created {
		h.svc.audit.Emit(ctx, audit.Event{
			EntityType: "bill", EntityID: bill.ID.String(), Action: "create",
			PerformedBy: who, NewValues: bill,
			Metadata: map[string]any{"source": ev.Source},
		})
	}
	out.Bill, out.Item = bill, item
	out.Status = OutcomePosted
	if dup {
		out.Status = OutcomeDuplicate
	} else {
		h.svc.audit.Emit(ctx, audit.Event{
			EntityType: "bill_item", EntityID: item.ID.String(), Action: "post",
			PerformedBy: who, NewValues: item,
			Metadata: map[string]any{"bill_id": bill.ID.String(), "source": ev.Source, "price_source": out.PriceSource},
		})
	}
	h.svc.metrics.BillableEvent(ctx, string(out.Status), in.Category)
	return out, nil
}

// PostFailOpen posts the event and logs any failure. Producers use it when
// billing must never block the clinical action.
func (h *Hook) PostFailOpen(ctx context.Context, ev BillableEvent) Outcome {
	out, err := h.Post(ctx, ev)
	ReportFailOpen(h.logger, out, err)
	return out
}

// ReportFailOpen logs a hook result. The error is deliberately discarded
// after logging.
func ReportFailOpen(logger zerolog.Logger, out Outcome, err error) {
	if err != nil {
		logger.Warn().Err(err).
			Str("source", out.Source).
			Str("error_kind", string(apperr.KindOf(err))).
			Msg("billing hook failed; clinical action continues unbilled")
		return
	}
	evt := logger.Debug().Str("status", string(out.Status)).Str("source", out.Source)
	if out.Item != nil {
		evt = evt.Str("item_id", out.Item.ID.String())
	}
	if out.Bill != nil {
		evt = evt.Str("bill_number", out.Bill.BillNumber)
	}
	evt.Msg("billing hook result")
}
