package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/domain"
)

// ListTools describes the registered tools.
func (s *Service) ListTools() domain.ListToolsResponse {
	return domain.ListToolsResponse{Tools: s.executor.Registry().List()}
}

// TestTool runs a tool outside any run. Tools that need approval cannot be tested this way.
func (s *Service) TestTool(ctx context.Context, toolName string, args json.RawMessage) (*domain.ToolTestResponse, error) {
	def, found := s.executor.Registry().Definition(toolName)
	if !found {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolNotFound, toolName)
	}
	if def.RiskTier.RequiresApproval() {
		return nil, fmt.Errorf("%w: %s is %s risk", domain.ErrApprovalRequired, toolName, def.RiskTier)
	}

	res := s.executor.Execute(ctx, toolName, args, domain.ToolExecutionContext{
		RunID:      "tool-test",
		ToolCallID: "test_" + uuid.NewString(),
	})
	return &domain.ToolTestResponse{
		ToolName:   toolName,
		Success:    res.Success,
		Result:     res.Result,
		Error:      res.Error,
		DurationMs: res.Duration.Milliseconds(),
		Artifacts:  res.Artifacts,
	}, nil
}
