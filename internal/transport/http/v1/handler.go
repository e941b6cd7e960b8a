// Package v1 serves the public run, approval and tool API.
package v1

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/publish"
	"github.com/xiaot623/agentrun/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	streamer *publish.Streamer
	logger   *slog.Logger
}

// NewHandler creates a new handler. A nil streamer disables the stream route.
func NewHandler(svc *service.Service, streamer *publish.Streamer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:  svc,
		streamer: streamer,
		logger:   logger,
	}
}

// RegisterRoutes registers the v1 routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/v1")

	g.POST("/runs", h.StartRun)
	g.GET("/runs", h.ListRuns)
	g.GET("/runs/:run_id", h.GetRun)
	g.GET("/runs/:run_id/events", h.GetRunEvents)
	g.POST("/runs/:run_id/messages", h.SendMessage)
	g.POST("/runs/:run_id/complete", h.CompleteRun)
	g.POST("/runs/:run_id/cancel", h.CancelRun)
	g.POST("/runs/:run_id/approvals/:approval_id/decide", h.DecideApproval)
	if h.streamer != nil {
		g.GET("/runs/:run_id/stream", h.StreamRun)
	}

	g.GET("/tools", h.ListTools)
	g.POST("/tools/:tool_name/test", h.TestTool)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func (h *Handler) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Path()),
			slog.Any("error", err),
		)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrApprovalNotFound),
		errors.Is(err, domain.ErrToolNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrencyConflict),
		errors.Is(err, domain.ErrRunTerminal),
		errors.Is(err, domain.ErrRunNotWaitingInput),
		errors.Is(err, domain.ErrApprovalNotPending):
		return http.StatusConflict
	case errors.Is(err, domain.ErrApprovalRequired):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidArguments):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
