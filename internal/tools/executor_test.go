package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/telemetry"
)

func newTestExecutor(t *testing.T, extra ...Tool) *Executor {
	t.Helper()
	reg := DefaultRegistry()
	for _, tool := range extra {
		require.NoError(t, reg.Register(tool))
	}
	return NewExecutor(reg, WithExecutorLogger(telemetry.Discard()), WithExecutorMetrics(telemetry.NewMetrics()))
}

func testTool(name string, fn ExecutorFunc) Tool {
	return NewFunc(Definition{Name: name, RiskTier: domain.RiskTierLow}, fn)
}

func TestExecuteUnknownToolFailsImmediately(t *testing.T) {
	exec := newTestExecutor(t)

	res := exec.Execute(context.Background(), "nope.missing", json.RawMessage(`{}`), domain.ToolExecutionContext{RunID: "run-1"})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
	assert.Less(t, res.Duration, 5*time.Millisecond)
}

func TestExecuteTimesOutWhenToolNeverReturns(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	exec := newTestExecutor(t, testTool("test.hang", func(context.Context, Call) (Output, error) {
		<-block
		return Output{}, nil
	}))

	start := time.Now()
	res := exec.Execute(context.Background(), "test.hang", nil, domain.ToolExecutionContext{Timeout: 10 * time.Millisecond})
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Error, "timed out")
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Less(t, elapsed, 50*time.Millisecond)
}

func TestExecuteToolTimeoutDefault(t *testing.T) {
	exec := newTestExecutor(t)

	res := exec.Execute(context.Background(), "clock.sleep", json.RawMessage(`{"duration_ms":200}`), domain.ToolExecutionContext{Timeout: 20 * time.Millisecond})
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)

	res = exec.Execute(context.Background(), "clock.sleep", json.RawMessage(`{"duration_ms":1}`), domain.ToolExecutionContext{})
	require.True(t, res.Success, res.Error)
	assert.JSONEq(t, `{"slept_ms":1}`, string(res.Result))
}

func TestExecuteCapturesPanic(t *testing.T) {
	exec := newTestExecutor(t, testTool("test.panic", func(context.Context, Call) (Output, error) {
		panic("boom")
	}))

	res := exec.Execute(context.Background(), "test.panic", nil, domain.ToolExecutionContext{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "boom")
}

func TestExecuteReportsToolError(t *testing.T) {
	exec := newTestExecutor(t)

	res := exec.Execute(context.Background(), "dangerous.command", json.RawMessage(`{"command":"rm -rf /"}`), domain.ToolExecutionContext{})

	assert.False(t, res.Success)
	assert.Equal(t, "tool execution disabled", res.Error)
}

func TestExecuteRejectsInvalidArguments(t *testing.T) {
	exec := newTestExecutor(t)

	res := exec.Execute(context.Background(), "weather.query", json.RawMessage(`{"units":"kelvin"}`), domain.ToolExecutionContext{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid arguments")
}

func TestExecuteCancelledByCaller(t *testing.T) {
	exec := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := exec.Execute(ctx, "clock.sleep", json.RawMessage(`{"duration_ms":1000}`), domain.ToolExecutionContext{})

	assert.False(t, res.Success)
	assert.False(t, res.TimedOut)
	assert.Contains(t, res.Error, "cancel")
}

func TestExecuteWeatherAndArtifacts(t *testing.T) {
	exec := newTestExecutor(t)

	res := exec.Execute(context.Background(), "weather.query", json.RawMessage(`{"city":"Berlin"}`), domain.ToolExecutionContext{})
	require.True(t, res.Success, res.Error)
	var weather map[string]any
	require.NoError(t, json.Unmarshal(res.Result, &weather))
	assert.Equal(t, "Berlin", weather["city"])
	assert.Equal(t, "C", weather["unit"])

	res = exec.Execute(context.Background(), "docs.search", json.RawMessage(`{"query":"leases","limit":2}`), domain.ToolExecutionContext{})
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "application/json", res.Artifacts[0].ContentType)
}

func TestPaymentsTransferHonorsIdempotencyKey(t *testing.T) {
	exec := newTestExecutor(t)
	args := json.RawMessage(`{"amount":25,"currency":"USD","to_account":"acct-9"}`)
	ec := domain.ToolExecutionContext{IdempotencyKey: "key-1"}

	first := exec.Execute(context.Background(), "payments.transfer", args, ec)
	second := exec.Execute(context.Background(), "payments.transfer", args, ec)
	other := exec.Execute(context.Background(), "payments.transfer", args, domain.ToolExecutionContext{IdempotencyKey: "key-2"})

	require.True(t, first.Success, first.Error)
	assert.JSONEq(t, string(first.Result), string(second.Result))
	assert.NotEqual(t, string(first.Result), string(other.Result))
}

func TestExecuteToolReturningDeadline(t *testing.T) {
	exec := newTestExecutor(t, testTool("test.deadline", func(context.Context, Call) (Output, error) {
		return Output{}, context.DeadlineExceeded
	}))

	res := exec.Execute(context.Background(), "test.deadline", nil, domain.ToolExecutionContext{})

	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Error, "timed out")
}
