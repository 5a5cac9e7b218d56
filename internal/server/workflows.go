package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/quzhigang/wg-agent-sub001/internal/workflow"
)

// WorkflowsHandler exposes catalog administration.
type WorkflowsHandler struct {
	Catalog *workflow.Catalog
}

func (h *WorkflowsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", h.list)
	g.DELETE("/:id", h.deactivate)
	g.POST("/refresh", h.refresh)
}

func (h *WorkflowsHandler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"workflows": h.Catalog.Entries()})
}

// deactivate disables an entry for matching; entries are retained for audit.
func (h *WorkflowsHandler) deactivate(c echo.Context) error {
	if err := h.Catalog.Deactivate(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *WorkflowsHandler) refresh(c echo.Context) error {
	if err := h.Catalog.RefreshFromStore(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
