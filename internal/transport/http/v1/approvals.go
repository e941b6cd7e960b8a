package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
)

// DecideApproval submits a reviewer decision.
// POST /v1/runs/:run_id/approvals/:approval_id/decide
func (h *Handler) DecideApproval(c echo.Context) error {
	var req domain.ApprovalDecisionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	resp, err := h.service.ResolveApproval(c.Request().Context(), c.Param("run_id"), c.Param("approval_id"), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}
