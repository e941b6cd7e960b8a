package v1

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
)

// StartRun opens a run.
// POST /v1/runs
func (h *Handler) StartRun(c echo.Context) error {
	var req domain.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	resp, err := h.service.StartRun(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// ListRuns pages through a tenant's runs.
// GET /v1/runs?tenant_id&user_id&skip&take
func (h *Handler) ListRuns(c echo.Context) error {
	filter := domain.RunFilter{
		TenantID: c.QueryParam("tenant_id"),
		UserID:   c.QueryParam("user_id"),
	}
	var err error
	if filter.Skip, err = intQuery(c, "skip", 0); err != nil {
		return badRequest(c, err.Error())
	}
	if filter.Take, err = intQuery(c, "take", 0); err != nil {
		return badRequest(c, err.Error())
	}
	resp, err := h.service.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetRun returns the projected run state.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	state, err := h.service.GetRunState(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// GetRunEvents retrieves stored events for a run.
// GET /v1/runs/:run_id/events?from_sequence&limit
func (h *Handler) GetRunEvents(c echo.Context) error {
	from, err := int64Query(c, "from_sequence")
	if err != nil {
		return badRequest(c, err.Error())
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		return badRequest(c, err.Error())
	}
	resp, err := h.service.LoadEvents(c.Request().Context(), c.Param("run_id"), from, limit)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// SendMessage submits user input to a waiting run.
// POST /v1/runs/:run_id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	var req domain.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	resp, err := h.service.SendMessage(c.Request().Context(), c.Param("run_id"), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// CompleteRun closes a run as completed.
// POST /v1/runs/:run_id/complete
func (h *Handler) CompleteRun(c echo.Context) error {
	return h.closeRun(c, false)
}

// CancelRun closes a run as cancelled.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	return h.closeRun(c, true)
}

func (h *Handler) closeRun(c echo.Context, cancel bool) error {
	var req domain.CloseRunRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	var err error
	if cancel {
		err = h.service.CancelRun(ctx, runID, req)
	} else {
		err = h.service.CompleteRun(ctx, runID, req)
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{"run_id": runID, "queued": true})
}

// StreamRun upgrades to a websocket carrying the run's events.
// GET /v1/runs/:run_id/stream?from_sequence
func (h *Handler) StreamRun(c echo.Context) error {
	runID := c.Param("run_id")
	from, err := int64Query(c, "from_sequence")
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.service.EnsureRun(c.Request().Context(), runID); err != nil {
		return h.fail(c, err)
	}
	return h.streamer.Serve(c.Response(), c.Request(), runID, from)
}

func intQuery(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

func int64Query(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}
