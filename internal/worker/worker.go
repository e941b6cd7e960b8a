// Package worker consumes work items and advances runs by appending events.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/agentrun/internal/adapter/llm"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/eventstore"
	"github.com/xiaot623/agentrun/internal/projection"
	"github.com/xiaot623/agentrun/internal/queue"
	"github.com/xiaot623/agentrun/internal/telemetry"
	"github.com/xiaot623/agentrun/internal/tools"
	"github.com/xiaot623/agentrun/policy"
)

// Config controls polling, retries and run budgets.
type Config struct {
	PollInterval    time.Duration
	Lease           time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxDelay   time.Duration
	MaxSteps        int
	Concurrency     int
	ApprovalTimeout time.Duration
	DefaultModel    string
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 16
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 10 * time.Minute
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "mock"
	}
	return c
}

// Result is a handler outcome. Handlers never return Go errors across the queue boundary.
type Result struct {
	Success   bool
	FollowUps []domain.WorkItem
	Reason    string
	// Permanent failures skip retries and go straight to the dead letter.
	Permanent bool
}

func ok(followUps ...domain.WorkItem) Result {
	return Result{Success: true, FollowUps: followUps}
}

func failed(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

func permanent(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...), Permanent: true}
}

// Deps are the collaborators a worker drives.
type Deps struct {
	Store     eventstore.Store
	Queue     queue.Queue
	Projector *projection.Projector
	Executor  *tools.Executor
	Gate      *policy.Gate
	Model     llm.Model
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
}

// Worker handles work items from every logical queue.
type Worker struct {
	store     eventstore.Store
	queue     queue.Queue
	projector *projection.Projector
	executor  *tools.Executor
	registry  *tools.Registry
	gate      *policy.Gate
	model     llm.Model
	cfg       Config
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a worker.
func New(deps Deps, cfg Config) (*Worker, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Executor == nil || deps.Model == nil {
		return nil, fmt.Errorf("worker requires a store, queue, executor and model")
	}
	projector := deps.Projector
	if projector == nil {
		var err error
		projector, err = projection.NewProjector(deps.Store, 0)
		if err != nil {
			return nil, err
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:     deps.Store,
		queue:     deps.Queue,
		projector: projector,
		executor:  deps.Executor,
		registry:  deps.Executor.Registry(),
		gate:      deps.Gate,
		model:     deps.Model,
		cfg:       cfg.normalized(),
		logger:    logger,
		metrics:   deps.Metrics,
		tracer:    telemetry.Tracer(),
		now:       time.Now,
	}, nil
}

// Run polls every queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range queue.Names() {
		for i := 0; i < w.cfg.Concurrency; i++ {
			g.Go(func() error {
				return w.poll(ctx, name)
			})
		}
	}
	w.logger.Info("worker started",
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Duration("poll_interval", w.cfg.PollInterval),
	)
	return g.Wait()
}

func (w *Worker) poll(ctx context.Context, name string) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		for {
			d, err := w.queue.Dequeue(ctx, name, w.cfg.Lease)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error("dequeue failed", slog.String("queue", name), slog.Any("error", err))
				break
			}
			if d == nil {
				break
			}
			w.process(ctx, d)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain handles visible work until every queue is empty and returns how many items it handled.
// Delayed items that are not yet visible are left in place.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	handled := 0
	for {
		progressed := false
		for _, name := range queue.Names() {
			d, err := w.queue.Dequeue(ctx, name, w.cfg.Lease)
			if err != nil {
				return handled, err
			}
			if d == nil {
				continue
			}
			w.process(ctx, d)
			handled++
			progressed = true
		}
		if !progressed {
			return handled, nil
		}
	}
}

func (w *Worker) process(ctx context.Context, d *queue.Delivery) {
	start := w.now()
	item := d.Item
	logger := w.logger.With(
		slog.String("work_item_id", item.ID),
		slog.String("work_type", string(item.Type)),
		slog.String("run_id", item.RunID),
	)

	ctx, span := w.tracer.Start(ctx, "work."+string(item.Type), trace.WithAttributes(
		attribute.String("run.id", item.RunID),
		attribute.String("work_item.id", item.ID),
		attribute.Int("work_item.retry", item.RetryCount),
	))
	defer span.End()

	res := w.safeHandle(ctx, item)
	outcome := "success"
	if res.Success {
		if err := w.queue.Enqueue(ctx, res.FollowUps...); err != nil {
			// Left leased; the item is redelivered when the lease lapses.
			logger.Error("enqueue follow-ups failed", slog.Any("error", err))
			span.SetStatus(codes.Error, err.Error())
			w.metrics.ObserveWorkItem(string(item.Type), "enqueue_failed", w.now().Sub(start))
			return
		}
		if err := w.queue.Ack(ctx, d); err != nil {
			logger.Warn("ack failed", slog.Any("error", err))
		}
	} else {
		span.SetStatus(codes.Error, res.Reason)
		outcome = w.handleFailure(ctx, logger, d, res)
	}
	w.metrics.ObserveWorkItem(string(item.Type), outcome, w.now().Sub(start))
}

func (w *Worker) safeHandle(ctx context.Context, item domain.WorkItem) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("work item handler panicked",
				slog.String("work_item_id", item.ID),
				slog.String("work_type", string(item.Type)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = failed("handler panicked: %v", r)
		}
	}()
	return w.Handle(ctx, item)
}

func (w *Worker) handleFailure(ctx context.Context, logger *slog.Logger, d *queue.Delivery, res Result) string {
	item := d.Item
	if !res.Permanent && item.RetryCount < w.cfg.MaxRetries {
		retry := item
		retry.ID = uuid.NewString()
		retry.RetryCount = item.RetryCount + 1
		retry.ScheduledDelay = w.backoff(item.RetryCount)
		retry.CreatedAt = w.now().UTC()
		if err := w.queue.Enqueue(ctx, retry); err != nil {
			logger.Error("enqueue retry failed", slog.Any("error", err))
			return "retry_failed"
		}
		if err := w.queue.Ack(ctx, d); err != nil {
			logger.Warn("ack failed", slog.Any("error", err))
		}
		logger.Warn("work item failed, retrying",
			slog.String("reason", res.Reason),
			slog.Int("retry", retry.RetryCount),
			slog.Duration("delay", retry.ScheduledDelay),
		)
		return "retry"
	}

	if err := w.queue.DeadLetter(ctx, d, res.Reason); err != nil {
		logger.Error("dead-letter failed", slog.Any("error", err))
	}
	logger.Error("work item dead-lettered", slog.String("reason", res.Reason), slog.Int("retries", item.RetryCount))
	if err := w.failRun(ctx, item, res.Reason, "work_item_exhausted"); err != nil {
		logger.Error("failed to mark run failed", slog.Any("error", err))
	}
	return "dead_letter"
}

func (w *Worker) backoff(retry int) time.Duration {
	d := w.cfg.RetryBackoff
	for i := 0; i < retry && d < w.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	return min(d, w.cfg.RetryMaxDelay)
}

// Handle dispatches one work item to its handler.
func (w *Worker) Handle(ctx context.Context, item domain.WorkItem) Result {
	switch item.Type {
	case domain.WorkTypeOrchestrateRun, domain.WorkTypeContinueRun:
		return w.handleContinue(ctx, item)
	case domain.WorkTypeExecuteLlmCall:
		return w.handleLlmCall(ctx, item)
	case domain.WorkTypeExecuteToolCall:
		return w.handleToolCall(ctx, item)
	case domain.WorkTypeProcessApproval:
		return w.handleApproval(ctx, item)
	case domain.WorkTypeTimeoutCheck:
		return w.handleTimeoutCheck(ctx, item)
	case domain.WorkTypeCleanup:
		return w.handleCleanup(ctx, item)
	default:
		return permanent("unknown work type %q", item.Type)
	}
}
