package v1

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ListTools describes the registered tools.
// GET /v1/tools
func (h *Handler) ListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.ListTools())
}

// TestTool executes a low-risk tool outside any run.
// POST /v1/tools/:tool_name/test
func (h *Handler) TestTool(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return badRequest(c, "invalid request body")
	}
	var args json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			return badRequest(c, "request body must be JSON arguments")
		}
		args = body
	}
	resp, err := h.service.TestTool(c.Request().Context(), c.Param("tool_name"), args)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
