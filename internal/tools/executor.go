package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/telemetry"
)

// DefaultTimeout applies when neither the call nor the tool sets one.
const DefaultTimeout = 30 * time.Second

// Executor runs registered tools under a deadline.
type Executor struct {
	registry       *Registry
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	tracer         trace.Tracer
}

type ExecutorOption func(*Executor)

func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithExecutorMetrics(m *telemetry.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       registry,
		defaultTimeout: DefaultTimeout,
		logger:         slog.Default(),
		tracer:         telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry the executor resolves tools from.
func (e *Executor) Registry() *Registry { return e.registry }

type outcome struct {
	out Output
	err error
}

// Execute runs a tool and reports the outcome. It never returns an error and never panics;
// missing tools, invalid arguments, tool errors, panics and timeouts all become failed results.
// It returns at the deadline even when the tool ignores cancellation.
func (e *Executor) Execute(ctx context.Context, toolName string, args json.RawMessage, execCtx domain.ToolExecutionContext) domain.ToolExecutionResult {
	start := time.Now()

	ent, ok := e.registry.lookup(toolName)
	if !ok {
		e.metrics.ObserveTool(toolName, "not_found", 0)
		return domain.ToolExecutionResult{
			Success:  false,
			Error:    fmt.Sprintf("tool %q not found", toolName),
			Duration: time.Since(start),
		}
	}

	ctx, span := e.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("tool.risk_tier", string(ent.def.RiskTier)),
		attribute.String("run.id", execCtx.RunID),
		attribute.String("tool_call.id", execCtx.ToolCallID),
	))
	defer span.End()

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := e.registry.Validate(toolName, args); err != nil {
		res := e.fail(toolName, start, err.Error(), "invalid_args")
		span.SetStatus(codes.Error, res.Error)
		return res
	}

	timeout := execCtx.Timeout
	if timeout <= 0 {
		timeout = ent.def.Timeout
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	execCtx.Timeout = timeout

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked",
					slog.String("tool", toolName),
					slog.String("run_id", execCtx.RunID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- outcome{err: fmt.Errorf("tool %q panicked: %v", toolName, r)}
			}
		}()
		out, err := ent.tool.Execute(callCtx, Call{Args: args, Context: execCtx})
		done <- outcome{out: out, err: err}
	}()

	var res domain.ToolExecutionResult
	select {
	case o := <-done:
		switch {
		case o.err == nil:
			res = domain.ToolExecutionResult{
				Success:   true,
				Result:    o.out.Result,
				Artifacts: o.out.Artifacts,
				Duration:  time.Since(start),
			}
			e.metrics.ObserveTool(toolName, "success", res.Duration)
		case errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil:
			res = e.timedOut(toolName, start, timeout)
		default:
			res = e.fail(toolName, start, o.err.Error(), "failure")
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			res = e.fail(toolName, start, fmt.Sprintf("tool %q cancelled: %v", toolName, ctx.Err()), "cancelled")
		} else {
			res = e.timedOut(toolName, start, timeout)
		}
	}

	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
		e.logger.Warn("tool execution failed",
			slog.String("tool", toolName),
			slog.String("run_id", execCtx.RunID),
			slog.String("tool_call_id", execCtx.ToolCallID),
			slog.String("error", res.Error),
			slog.Duration("duration", res.Duration),
		)
	}
	return res
}

func (e *Executor) fail(toolName string, start time.Time, msg, label string) domain.ToolExecutionResult {
	res := domain.ToolExecutionResult{
		Success:  false,
		Error:    msg,
		Duration: time.Since(start),
	}
	e.metrics.ObserveTool(toolName, label, res.Duration)
	return res
}

func (e *Executor) timedOut(toolName string, start time.Time, timeout time.Duration) domain.ToolExecutionResult {
	res := e.fail(toolName, start, fmt.Sprintf("tool %q timed out after %s", toolName, timeout), "timeout")
	res.TimedOut = true
	return res
}
