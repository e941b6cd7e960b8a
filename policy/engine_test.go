package policy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentrun/internal/domain"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    Input
		decision Decision
	}{
		{"low tier runs", Input{ToolName: "weather.query", RiskTier: domain.RiskTierLow}, DecisionAllow},
		{"medium tier waits", Input{ToolName: "report.export", RiskTier: domain.RiskTierMedium}, DecisionRequireApproval},
		{"high tier waits", Input{ToolName: "payments.transfer", RiskTier: domain.RiskTierHigh, Args: json.RawMessage(`{"amount":5}`)}, DecisionRequireApproval},
		{"blocked tool", Input{ToolName: "dangerous.command", RiskTier: domain.RiskTierCritical}, DecisionBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := engine.Evaluate(ctx, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.decision, res.Decision)
			if tt.decision != DecisionAllow {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

const permissivePolicy = `
package tool_policy

import rego.v1

default decision := "allow"

default reason := "open"

decision := "block" if {
	input.args.amount > 1000
}
`

func TestGateNeverAllowsMediumOrAbove(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, permissivePolicy)
	require.NoError(t, err)
	gate := NewGate(engine)

	res := gate.Decide(ctx, Input{ToolName: "payments.transfer", RiskTier: domain.RiskTierHigh, Args: json.RawMessage(`{"amount":5}`)})
	assert.Equal(t, DecisionRequireApproval, res.Decision)

	res = gate.Decide(ctx, Input{ToolName: "payments.transfer", RiskTier: domain.RiskTierHigh, Args: json.RawMessage(`{"amount":5000}`)})
	assert.Equal(t, DecisionBlock, res.Decision)

	res = gate.Decide(ctx, Input{ToolName: "weather.query", RiskTier: domain.RiskTierLow})
	assert.Equal(t, DecisionAllow, res.Decision)
}

func TestGateWithoutEngineUsesTier(t *testing.T) {
	gate := NewGate(nil)

	assert.Equal(t, DecisionAllow, gate.Decide(context.Background(), Input{RiskTier: domain.RiskTierLow}).Decision)
	assert.Equal(t, DecisionRequireApproval, gate.Decide(context.Background(), Input{RiskTier: domain.RiskTierCritical}).Decision)
}

func TestNewEngineRejectsBrokenPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package tool_policy\n\ndecision := ")
	assert.Error(t, err)
}

func TestLoadEngineMissingFile(t *testing.T) {
	_, err := LoadEngine(context.Background(), "/nonexistent/policy.rego")
	assert.Error(t, err)
}
