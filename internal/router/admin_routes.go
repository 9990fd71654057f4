package router

import (
	"github.com/labstack/echo/v4"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/handler"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/middleware"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
)

// RegisterAdmin registers operator endpoints under /v1/admin. All routes
// require the ADMIN role.
func RegisterAdmin(e *echo.Echo, h *handler.AdminHandler, jwtSecret string) {
	g := e.Group("/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleAdmin),
	)

	g.GET("/queue", h.ListQueue)
	g.DELETE("/queue", h.Purge)
	g.POST("/queue/reap", h.Reap)
	g.POST("/queue/:id/cancel", h.Cancel)
	g.POST("/queue/:id/retry", h.Retry)

	g.GET("/limits", h.ListLimits)
	g.PUT("/limits/:model_id", h.SetLimit)
	g.DELETE("/limits/:model_id", h.DeleteLimit)

	g.POST("/tickets/:user_id/grant", h.GrantTickets)
}
