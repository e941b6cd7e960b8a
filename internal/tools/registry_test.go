package tools

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentrun/internal/domain"
)

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	tool := testTool("dup.tool", nil)

	require.NoError(t, reg.Register(tool))
	assert.Error(t, reg.Register(tool))
}

func TestRegistryRequiresRiskTierAndValidSchema(t *testing.T) {
	reg := NewRegistry()

	assert.Error(t, reg.Register(NewFunc(Definition{Name: "no.tier"}, nil)))
	assert.Error(t, reg.Register(NewFunc(Definition{
		Name:       "bad.schema",
		RiskTier:   domain.RiskTierLow,
		Parameters: json.RawMessage(`{"type": 12}`),
	}, nil)))
}

func TestRegistryValidate(t *testing.T) {
	reg := DefaultRegistry()

	require.NoError(t, reg.Validate("payments.transfer", json.RawMessage(`{"amount":10,"currency":"EUR","to_account":"a"}`)))

	err := reg.Validate("payments.transfer", json.RawMessage(`{"amount":-1,"currency":"EUR","to_account":"a"}`))
	assert.True(t, errors.Is(err, domain.ErrInvalidArguments), "got %v", err)

	err = reg.Validate("payments.transfer", json.RawMessage(`not json`))
	assert.True(t, errors.Is(err, domain.ErrInvalidArguments), "got %v", err)

	err = reg.Validate("missing.tool", nil)
	assert.True(t, errors.Is(err, domain.ErrToolNotFound), "got %v", err)
}

func TestRegistryListDescribesTiers(t *testing.T) {
	reg := DefaultRegistry()

	list := reg.List()
	require.Len(t, list, 6)
	byName := make(map[string]domain.ToolDescriptor, len(list))
	for _, d := range list {
		byName[d.Name] = d
	}
	assert.False(t, byName["weather.query"].RequiresApproval)
	assert.True(t, byName["report.export"].RequiresApproval)
	assert.Equal(t, domain.RiskTierHigh, byName["payments.transfer"].RiskTier)
	assert.Equal(t, domain.RiskTierCritical, byName["dangerous.command"].RiskTier)
	assert.Equal(t, int64(5000), byName["clock.sleep"].TimeoutMs)
	assert.Equal(t, []string{"clock.sleep", "dangerous.command", "docs.search", "payments.transfer", "report.export", "weather.query"}, reg.Names())
}

func TestRegistrySummarize(t *testing.T) {
	reg := DefaultRegistry()

	assert.Equal(t, "Transfer 500.00 USD to acct-9",
		reg.Summarize("payments.transfer", json.RawMessage(`{"amount":500,"currency":"USD","to_account":"acct-9"}`)))
	assert.Equal(t, `weather.query (low risk) with arguments {"city":"Oslo"}`,
		reg.Summarize("weather.query", json.RawMessage(`{ "city": "Oslo" }`)))
	assert.Empty(t, reg.Summarize("missing.tool", nil))
}
