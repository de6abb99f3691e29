package ledger

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ledger/internal/platform/apperr"
	"github.com/ehr/ledger/internal/platform/auth"
	"github.com/ehr/ledger/pkg/pagination"
)

type Handler struct {
	svc  *Service
	hook *Hook
}

func NewHandler(svc *Service, hook *Hook) *Handler {
	return &Handler{svc: svc, hook: hook}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	producers := api.Group("", auth.RequireRole(auth.RoleService, auth.RoleBilling))
	producers.POST("/billable-events", h.PostBillableEvent)

	read := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleCashier, auth.RoleInsurance))
	read.GET("/bills", h.ListBills)
	read.GET("/bills/:id", h.GetBillDetail)
	read.GET("/patients/:patient_id/bill-summary", h.GetSummary)

	write := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleCashier))
	write.POST("/bills/resolve", h.ResolveBill)
	write.POST("/bills/:id/actions", h.BillAction)

	approve := api.Group("", auth.RequireRole(auth.RoleBilling))
	approve.POST("/discounts/:id/approve", h.ApproveDiscount)
}

func parseUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid %s", name)
	}
	return id, nil
}

func (h *Handler) PostBillableEvent(c echo.Context) error {
	var ev BillableEvent
	if err := c.Bind(&ev); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	ctx := c.Request().Context()
	ev.PostedBy = auth.UserIDFromContext(ctx)
	out, err := h.hook.Post(ctx, ev)
	if err != nil {
		ReportFailOpen(h.hook.logger, out, err)
		return err
	}
	status := http.StatusCreated
	if out.Status == OutcomeDuplicate {
		status = http.StatusOK
	}
	return c.JSON(status, out)
}

type resolveRequest struct {
	PatientID   uuid.UUID  `json:"patient_id"`
	EncounterID *uuid.UUID `json:"encounter_id,omitempty"`
}

func (h *Handler) ResolveBill(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	b, err := h.svc.ResolveOpenBill(c.Request().Context(), req.PatientID, req.EncounterID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBills(c echo.Context) error {
	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return apperr.Validation("patient_id query parameter is required")
	}
	pg := pagination.FromContext(c)
	bills, total, err := h.svc.ListBills(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(bills, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetBillDetail(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	d, err := h.svc.Detail(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetSummary(c echo.Context) error {
	id, err := parseUUID(c, "patient_id")
	if err != nil {
		return err
	}
	s, err := h.svc.Summary(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

const (
	ActionAddItem       = "add-item"
	ActionFinalize      = "finalize"
	ActionAddPayment    = "add-payment"
	ActionApplyDiscount = "apply-discount"
)

type itemResult struct {
	Item      *BillItem `json:"item"`
	Duplicate bool      `json:"duplicate"`
	Bill      *Bill     `json:"bill"`
}

type paymentResult struct {
	Payment *Payment `json:"payment"`
	Bill    *Bill    `json:"bill"`
}

type discountResult struct {
	Discount *Discount `json:"discount"`
	Bill     *Bill     `json:"bill"`
}

// BillAction dispatches on the body's "action" field. The remaining fields
// are the action's input.
func (h *Handler) BillAction(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	var head struct {
		Action string `json:"action"`
		By     string `json:"finalized_by"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}

	ctx := c.Request().Context()
	roles := auth.RolesFromContext(ctx)
	switch head.Action {
	case ActionAddItem:
		if !auth.HasAnyRole(roles, auth.RoleBilling) {
			return echo.NewHTTPError(http.StatusForbidden, "required role: billing")
		}
		var in ItemInput
		if err := json.Unmarshal(body, &in); err != nil {
			return apperr.Validation("invalid item: %v", err)
		}
		in.PostedBy = auth.UserIDFromContext(ctx)
		item, dup, err := h.svc.PostItem(ctx, id, in)
		if err != nil {
			return err
		}
		bill, err := h.svc.GetBill(ctx, id)
		if err != nil {
			return err
		}
		status := http.StatusCreated
		if dup {
			status = http.StatusOK
		}
		return c.JSON(status, itemResult{Item: item, Duplicate: dup, Bill: bill})

	case ActionFinalize:
		if !auth.HasAnyRole(roles, auth.RoleBilling) {
			return echo.NewHTTPError(http.StatusForbidden, "required role: billing")
		}
		bill, err := h.svc.Finalize(ctx, id, head.By)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, bill)

	case ActionAddPayment:
		var in PaymentInput
		if err := json.Unmarshal(body, &in); err != nil {
			return apperr.Validation("invalid payment: %v", err)
		}
		p, err := h.svc.ApplyPayment(ctx, id, in)
		if err != nil {
			return err
		}
		bill, err := h.svc.GetBill(ctx, id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, paymentResult{Payment: p, Bill: bill})

	case ActionApplyDiscount:
		if !auth.HasAnyRole(roles, auth.RoleBilling) {
			return echo.NewHTTPError(http.StatusForbidden, "required role: billing")
		}
		var in DiscountInput
		if err := json.Unmarshal(body, &in); err != nil {
			return apperr.Validation("invalid discount: %v", err)
		}
		d, err := h.svc.ProposeDiscount(ctx, id, in)
		if err != nil {
			return err
		}
		bill, err := h.svc.GetBill(ctx, id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, discountResult{Discount: d, Bill: bill})

	default:
		return apperr.Validation("unknown action %q", head.Action)
	}
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

func (h *Handler) ApproveDiscount(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	var req approveRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return apperr.Validation("invalid request body: %v", err)
		}
	}
	ctx := c.Request().Context()
	approver := req.ApprovedBy
	if approver == "" {
		approver = auth.UserIDFromContext(ctx)
	}
	d, err := h.svc.ApproveDiscount(ctx, id, approver)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}
