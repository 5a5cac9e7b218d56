package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/quzhigang/wg-agent-sub001/internal/agent/core"
)

// TurnsHandler exposes the conversation endpoints.
type TurnsHandler struct {
	Orch     *core.Orchestrator
	History  core.HistoryRepository
	TurnLogs core.TurnLogRepository
}

func (h *TurnsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("/:id/messages", h.postMessage)
	g.GET("/:id/history", h.getHistory)
	g.GET("/:id/turns", h.listTurns)
}

func (h *TurnsHandler) postMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	out, err := h.Orch.ProcessTurn(c.Request().Context(), core.TurnInput{
		ConversationID: c.Param("id"),
		UserID:         c.Get("user_id").(string),
		Message:        req.Message,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

func (h *TurnsHandler) getHistory(c echo.Context) error {
	n, _ := strconv.Atoi(c.QueryParam("limit"))
	msgs, err := h.History.Recent(c.Request().Context(), c.Param("id"), n)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (h *TurnsHandler) listTurns(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	logs, err := h.TurnLogs.ListTurnLogs(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"turns": logs})
}
