package tariff

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

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
	read := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleCashier, auth.RoleService))
	read.GET("/tariffs", h.ListTariffs)
	read.GET("/tariffs/resolve", h.ResolvePrice)
	read.GET("/tariffs/:code", h.GetTariff)

	write := api.Group("", auth.RequireRole(auth.RoleBilling))
	write.POST("/tariffs", h.CreateTariff)
	write.PUT("/tariffs/:code", h.UpdateTariff)
}

func (h *Handler) CreateTariff(c echo.Context) error {
	var t Tariff
	if err := c.Bind(&t); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	if err := h.svc.CreateTariff(c.Request().Context(), &t); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTariff(c echo.Context) error {
	t, err := h.svc.GetTariff(c.Request().Context(), c.Param("code"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) UpdateTariff(c echo.Context) error {
	var t Tariff
	if err := c.Bind(&t); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	t.Code = c.Param("code")
	if err := h.svc.UpdateTariff(c.Request().Context(), &t); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTariffs(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly := true
	if v := c.QueryParam("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return apperr.Validation("active must be a boolean")
		}
		activeOnly = b
	}
	items, total, err := h.svc.ListTariffs(c.Request().Context(), c.QueryParam("category"), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// ResolvePrice previews what the fallback chain would charge.
func (h *Handler) ResolvePrice(c echo.Context) error {
	l := Lookup{
		Code:     c.QueryParam("code"),
		Category: c.QueryParam("category"),
		Name:     c.QueryParam("name"),
	}
	if v := c.QueryParam("default"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil || d.IsNegative() {
			return apperr.Validation("default must be a non-negative amount")
		}
		l.Default = d
	}
	return c.JSON(http.StatusOK, h.svc.Resolve(c.Request().Context(), l))
}
