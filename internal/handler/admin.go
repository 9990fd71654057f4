package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/service"
)

// AdminHandler serves the operator endpoints. Routes must be guarded by
// RequireRole(ADMIN).
type AdminHandler struct {
	Svc    *service.Service
	Logger *slog.Logger
}

func NewAdminHandler(svc *service.Service, logger *slog.Logger) *AdminHandler {
	if svc == nil {
		panic("nil service passed to NewAdminHandler")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{Svc: svc, Logger: logger}
}

// ListQueue lists every user's items; filters: status, model_id, user_id, limit.
func (h *AdminHandler) ListQueue(c echo.Context) error {
	f, err := queueFilter(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	items, err := h.Svc.ListQueue(c.Request().Context(), f, service.System)
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, listResp[service.StatusReport]{Items: items})
}

func (h *AdminHandler) Cancel(c echo.Context) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}
	it, err := h.Svc.Cancel(c.Request().Context(), id, h.actor(c))
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, h.Svc.ItemStatus(it))
}

func (h *AdminHandler) Retry(c echo.Context) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}
	it, err := h.Svc.Retry(c.Request().Context(), id, h.actor(c))
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, h.Svc.ItemStatus(it))
}

// Purge deletes terminal items older than ?older_than (a Go duration,
// default 24h).
func (h *AdminHandler) Purge(c echo.Context) error {
	olderThan := 24 * time.Hour
	if s := c.QueryParam("older_than"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return badRequest(c, "invalid older_than")
		}
		olderThan = d
	}
	n, err := h.Svc.Purge(c.Request().Context(), olderThan)
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"purged_count": n})
}

// Reap fails stale processing items now instead of waiting for the reaper.
func (h *AdminHandler) Reap(c echo.Context) error {
	n, err := h.Svc.ReapStale(c.Request().Context())
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"reaped_count": n})
}

func (h *AdminHandler) ListLimits(c echo.Context) error {
	limits, err := h.Svc.ListLimits(c.Request().Context())
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, listResp[model.ConcurrencyLimit]{Items: limits})
}

type limitReq struct {
	ModelType     model.ModelType `json:"model_type"`
	MaxConcurrent int             `json:"max_concurrent"`
}

func (h *AdminHandler) SetLimit(c echo.Context) error {
	var req limitReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	l, err := h.Svc.SetLimit(c.Request().Context(), c.Param("model_id"), model.ModelType(strings.ToLower(string(req.ModelType))), req.MaxConcurrent)
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, l)
}

func (h *AdminHandler) DeleteLimit(c echo.Context) error {
	if err := h.Svc.DeleteLimit(c.Request().Context(), c.Param("model_id")); err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type grantReq struct {
	Amount int `json:"amount"`
}

// GrantTickets credits tickets to a user.
func (h *AdminHandler) GrantTickets(c echo.Context) error {
	uid, ok := paramID(c, "user_id")
	if !ok {
		return badRequest(c, "invalid user_id")
	}
	var req grantReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	acct, err := h.Svc.Grant(c.Request().Context(), uid, req.Amount)
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, acct)
}

// actor keeps the operator's id for the audit log.
func (h *AdminHandler) actor(c echo.Context) service.Actor {
	a := service.System
	a.UserID, _ = getUserID(c)
	return a
}
