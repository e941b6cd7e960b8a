package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentrun/internal/adapter/llm"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/eventstore"
	"github.com/xiaot623/agentrun/internal/projection"
	"github.com/xiaot623/agentrun/internal/queue"
	"github.com/xiaot623/agentrun/internal/service"
	"github.com/xiaot623/agentrun/internal/telemetry"
	"github.com/xiaot623/agentrun/internal/tools"
	"github.com/xiaot623/agentrun/internal/worker"
	"github.com/xiaot623/agentrun/policy"
)

type testEnv struct {
	handler *Handler
	worker  *worker.Worker
}

func newTestHandler(t *testing.T) *testEnv {
	t.Helper()
	logger := telemetry.Discard()
	store := eventstore.NewMemory(eventstore.WithMemoryLogger(logger))
	q := queue.NewMemory()
	projector, err := projection.NewProjector(store, 16)
	require.NoError(t, err)
	executor := tools.NewExecutor(tools.DefaultRegistry(), tools.WithExecutorLogger(logger))
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	w, err := worker.New(worker.Deps{
		Store:     store,
		Queue:     q,
		Projector: projector,
		Executor:  executor,
		Gate:      policy.NewGate(engine),
		Model:     llm.NewMockClient(),
		Logger:    logger,
	}, worker.Config{ApprovalTimeout: time.Hour})
	require.NoError(t, err)

	svc := service.New(store, q, projector, executor, logger)
	return &testEnv{handler: NewHandler(svc, nil, logger), worker: w}
}

func (env *testEnv) drain(t *testing.T) {
	t.Helper()
	_, err := env.worker.Drain(context.Background())
	require.NoError(t, err)
}

func newContext(method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) > 0 {
		var names, values []string
		for i := 0; i+1 < len(params); i += 2 {
			names = append(names, params[i])
			values = append(values, params[i+1])
		}
		c.SetParamNames(names...)
		c.SetParamValues(values...)
	}
	return c, rec
}

func (env *testEnv) startRun(t *testing.T, content string) domain.StartRunResponse {
	t.Helper()
	body, _ := json.Marshal(domain.StartRunRequest{TenantID: "t1", UserID: "u1", Content: content})
	c, rec := newContext(http.MethodPost, "/v1/runs", string(body))
	require.NoError(t, env.handler.StartRun(c))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp domain.StartRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestStartRunValidation(t *testing.T) {
	env := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/v1/runs", `{"tenant_id":"t1","content":"hi"}`)
	require.NoError(t, env.handler.StartRun(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "user_id")

	c, rec = newContext(http.MethodPost, "/v1/runs", `{not json`)
	require.NoError(t, env.handler.StartRun(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	env := newTestHandler(t)
	run := env.startRun(t, "hello")

	c, rec := newContext(http.MethodPost, "/", `{"content":"again"}`, "run_id", run.RunID)
	require.NoError(t, env.handler.SendMessage(c))
	assert.Equal(t, http.StatusConflict, rec.Code, "run is not waiting for input yet")

	env.drain(t)

	c, rec = newContext(http.MethodGet, "/", "", "run_id", run.RunID)
	require.NoError(t, env.handler.GetRun(c))
	require.Equal(t, http.StatusOK, rec.Code)
	var state domain.RunState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, domain.RunStatusWaitingInput, state.Status)

	c, rec = newContext(http.MethodPost, "/", `{"content":"again"}`, "run_id", run.RunID)
	require.NoError(t, env.handler.SendMessage(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	env.drain(t)

	c, rec = newContext(http.MethodPost, "/", "", "run_id", run.RunID)
	require.NoError(t, env.handler.CompleteRun(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	env.drain(t)

	c, rec = newContext(http.MethodPost, "/", `{"reason":"late"}`, "run_id", run.RunID)
	require.NoError(t, env.handler.CancelRun(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetRunNotFound(t *testing.T) {
	env := newTestHandler(t)

	c, rec := newContext(http.MethodGet, "/", "", "run_id", "missing")
	require.NoError(t, env.handler.GetRun(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	c, rec = newContext(http.MethodGet, "/", "", "run_id", "missing")
	require.NoError(t, env.handler.GetRunEvents(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunEventsPaging(t *testing.T) {
	env := newTestHandler(t)
	run := env.startRun(t, "hello")
	env.drain(t)

	c, rec := newContext(http.MethodGet, "/v1/runs/x/events?from_sequence=1&limit=2", "", "run_id", run.RunID)
	require.NoError(t, env.handler.GetRunEvents(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Events []struct {
			Sequence int64  `json:"sequence"`
			Type     string `json:"type"`
		} `json:"events"`
		NextSequence int64 `json:"next_sequence"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 2)
	assert.Equal(t, int64(2), page.Events[0].Sequence)
	assert.Equal(t, int64(3), page.NextSequence)

	c, rec = newContext(http.MethodGet, "/v1/runs/x/events?from_sequence=abc", "", "run_id", run.RunID)
	require.NoError(t, env.handler.GetRunEvents(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	env := newTestHandler(t)
	env.startRun(t, "one")
	env.startRun(t, "two")

	c, rec := newContext(http.MethodGet, "/v1/runs?tenant_id=t1&take=1", "")
	require.NoError(t, env.handler.ListRuns(c))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp domain.ListRunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 1)

	c, rec = newContext(http.MethodGet, "/v1/runs", "")
	require.NoError(t, env.handler.ListRuns(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecideApproval(t *testing.T) {
	env := newTestHandler(t)
	run := env.startRun(t, `payments.transfer {"amount":10,"currency":"USD","to_account":"acct-2"}`)
	env.drain(t)

	c, rec := newContext(http.MethodGet, "/", "", "run_id", run.RunID)
	require.NoError(t, env.handler.GetRun(c))
	var state domain.RunState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Len(t, state.Approvals, 1)
	approvalID := state.Approvals[0].ID

	c, rec = newContext(http.MethodPost, "/", `{"decision":"nope"}`, "run_id", run.RunID, "approval_id", approvalID)
	require.NoError(t, env.handler.DecideApproval(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c, rec = newContext(http.MethodPost, "/", `{"decision":"APPROVE"}`, "run_id", run.RunID, "approval_id", "ap_missing")
	require.NoError(t, env.handler.DecideApproval(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	c, rec = newContext(http.MethodPost, "/", `{"decision":"REJECT","decided_by":"alice","comment":"no"}`, "run_id", run.RunID, "approval_id", approvalID)
	require.NoError(t, env.handler.DecideApproval(c))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var decided domain.ApprovalDecisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decided))
	assert.True(t, decided.Queued)
	env.drain(t)

	c, rec = newContext(http.MethodPost, "/", `{"decision":"APPROVE"}`, "run_id", run.RunID, "approval_id", approvalID)
	require.NoError(t, env.handler.DecideApproval(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTools(t *testing.T) {
	env := newTestHandler(t)

	c, rec := newContext(http.MethodGet, "/v1/tools", "")
	require.NoError(t, env.handler.ListTools(c))
	require.Equal(t, http.StatusOK, rec.Code)
	var list domain.ListToolsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.NotEmpty(t, list.Tools)

	t.Run("low risk executes", func(t *testing.T) {
		c, rec := newContext(http.MethodPost, "/", `{"city":"Beijing"}`, "tool_name", "weather.query")
		require.NoError(t, env.handler.TestTool(c))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp domain.ToolTestResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success, resp.Error)
	})

	t.Run("invalid args report failure", func(t *testing.T) {
		c, rec := newContext(http.MethodPost, "/", `{}`, "tool_name", "weather.query")
		require.NoError(t, env.handler.TestTool(c))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp domain.ToolTestResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
	})

	t.Run("gated tool refused", func(t *testing.T) {
		c, rec := newContext(http.MethodPost, "/", `{}`, "tool_name", "payments.transfer")
		require.NoError(t, env.handler.TestTool(c))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown tool", func(t *testing.T) {
		c, rec := newContext(http.MethodPost, "/", `{}`, "tool_name", "nope")
		require.NoError(t, env.handler.TestTool(c))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("body must be json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("city=x"))
		rec := httptest.NewRecorder()
		c := echo.New().NewContext(req, rec)
		c.SetParamNames("tool_name")
		c.SetParamValues("weather.query")
		require.NoError(t, env.handler.TestTool(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(&domain.ConcurrencyConflictError{RunID: "r", Expected: 1, Actual: 2}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.DeadlineExceeded))
}
