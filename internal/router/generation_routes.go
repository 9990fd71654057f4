package router

import (
	"github.com/labstack/echo/v4"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/handler"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/middleware"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
)

// RegisterGeneration registers the customer endpoints. Every route requires
// a valid JWT; limit, when set, runs after authentication so buckets are
// per user.
func RegisterGeneration(e *echo.Echo, h *handler.GenerationHandler, jwtSecret string, limit echo.MiddlewareFunc) {
	mw := []echo.MiddlewareFunc{
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleCustomer, model.RoleAdmin),
	}
	if limit != nil {
		mw = append(mw, limit)
	}

	g := e.Group("/v1/generations", mw...)
	g.POST("", h.Submit)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/retry", h.Retry)

	e.GET("/v1/me/tickets", h.Tickets, mw...)
}
