package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentrun/internal/adapter/llm"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/projection"
	"github.com/xiaot623/agentrun/internal/telemetry"
	"github.com/xiaot623/agentrun/internal/tools"
	"github.com/xiaot623/agentrun/internal/worker"
	"github.com/xiaot623/agentrun/policy"
	"github.com/xiaot623/agentrun/tests/helpers"
)

func TestRunOverSQLite(t *testing.T) {
	db := helpers.NewTestSQLiteStore(t)
	logger := telemetry.Discard()
	ctx := context.Background()

	projector, err := projection.NewProjector(db, 16)
	require.NoError(t, err)
	executor := tools.NewExecutor(tools.DefaultRegistry(), tools.WithExecutorLogger(logger))
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)
	w, err := worker.New(worker.Deps{
		Store:     db,
		Queue:     db,
		Projector: projector,
		Executor:  executor,
		Gate:      policy.NewGate(engine),
		Model:     llm.NewMockClient(),
		Logger:    logger,
	}, worker.Config{ApprovalTimeout: time.Hour})
	require.NoError(t, err)
	svc := New(db, db, projector, executor, logger)

	started, err := svc.StartRun(ctx, domain.StartRunRequest{
		TenantID: "t",
		UserID:   "u",
		Content:  `weather.query {"city":"Oslo"}`,
	})
	require.NoError(t, err)

	_, err = w.Drain(ctx)
	require.NoError(t, err)

	state, err := svc.GetRunState(ctx, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusWaitingInput, state.Status)
	require.Len(t, state.ToolCalls, 1)
	assert.Equal(t, domain.ToolCallStatusSuccess, state.ToolCalls[0].Status)

	runs, err := svc.ListRuns(ctx, domain.RunFilter{TenantID: "t"})
	require.NoError(t, err)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, domain.RunStatusWaitingInput, runs.Runs[0].Status)
	assert.Equal(t, `weather.query {"city":"Oslo"}`, runs.Runs[0].FirstUserMessage)
}
