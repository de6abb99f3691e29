package insurance

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
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleInsurance, auth.RoleCashier))
	read.GET("/patients/:patient_id/policies", h.ListPolicies)
	read.GET("/policies/:id", h.GetPolicy)
	read.GET("/claims/:id", h.GetClaim)
	read.GET("/bills/:id/claims", h.ListBillClaims)

	write := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleInsurance))
	write.POST("/patients/:patient_id/policies", h.CreatePolicy)
	write.PUT("/policies/:id", h.UpdatePolicy)
	write.POST("/claims", h.ClaimAction)
}

func parseUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid %s", name)
	}
	return id, nil
}

func (h *Handler) CreatePolicy(c echo.Context) error {
	patientID, err := parseUUID(c, "patient_id")
	if err != nil {
		return err
	}
	var in PolicyInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	p, err := h.svc.CreatePolicy(c.Request().Context(), patientID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPolicies(c echo.Context) error {
	patientID, err := parseUUID(c, "patient_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPolicies(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPolicy(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPolicy(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdatePolicy(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	var in PolicyInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	p, err := h.svc.UpdatePolicy(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

const (
	ActionSubmit       = "submit"
	ActionUpdateStatus = "update-status"
)

// ClaimAction dispatches on the body's "action" field.
func (h *Handler) ClaimAction(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	ctx := c.Request().Context()

	switch head.Action {
	case ActionSubmit:
		var req SubmitRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return apperr.Validation("invalid claim: %v", err)
		}
		req.SubmittedBy = auth.UserIDFromContext(ctx)
		res, err := h.svc.SubmitClaim(ctx, req)
		if err != nil {
			return err
		}
		if res.Claim == nil {
			return c.JSON(http.StatusOK, res)
		}
		return c.JSON(http.StatusCreated, res)

	case ActionUpdateStatus:
		var u StatusUpdate
		if err := json.Unmarshal(body, &u); err != nil {
			return apperr.Validation("invalid status update: %v", err)
		}
		u.UpdatedBy = auth.UserIDFromContext(ctx)
		claim, err := h.svc.UpdateClaimStatus(ctx, u)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, claim)

	default:
		return apperr.Validation("unknown action %q", head.Action)
	}
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	claim, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) ListBillClaims(c echo.Context) error {
	id, err := parseUUID(c, "id")
	if err != nil {
		return err
	}
	claims, err := h.svc.ListByBill(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, claims)
}
