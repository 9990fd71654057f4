// Package handler exposes the HTTP API of the generation service.
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/middleware"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/service"
)

// getUserID returns the authenticated user or an error when JWTAuth did not
// run.
func getUserID(c echo.Context) (uint64, error) {
	id, ok := middleware.UserID(c)
	if !ok {
		return 0, errors.New("invalid user_id in context")
	}
	return id, nil
}

// actor builds the service actor for the authenticated user.
func actor(c echo.Context) (service.Actor, error) {
	id, err := getUserID(c)
	if err != nil {
		return service.Actor{}, err
	}
	return service.Actor{UserID: id, Admin: middleware.Role(c) == model.RoleAdmin}, nil
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
}

func paramID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

// serviceError writes the response for an error returned by the service.
func serviceError(c echo.Context, logger *slog.Logger, err error) error {
	var pe *service.ProviderError
	switch {
	case errors.As(err, &pe):
		return c.JSON(http.StatusBadGateway, echo.Map{"error": pe.Error()})
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrInvalidLimit):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrInsufficientTickets):
		return c.JSON(http.StatusPaymentRequired, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrLimitBusy), errors.Is(err, service.ErrAtCapacity):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	}
	logger.Error("request failed",
		slog.String("method", c.Request().Method),
		slog.String("path", c.Path()),
		slog.Any("error", err))
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

type listResp[T any] struct {
	Items []T `json:"items"`
}
