// Command agentrun runs the orchestrator: HTTP API, RunControl RPC and the work-item worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/agentrun/internal/adapter/llm"
	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/projection"
	"github.com/xiaot623/agentrun/internal/publish"
	"github.com/xiaot623/agentrun/internal/repository"
	"github.com/xiaot623/agentrun/internal/service"
	"github.com/xiaot623/agentrun/internal/telemetry"
	"github.com/xiaot623/agentrun/internal/tools"
	httpserver "github.com/xiaot623/agentrun/internal/transport/http"
	"github.com/xiaot623/agentrun/internal/transport/rpc"
	"github.com/xiaot623/agentrun/internal/worker"
	"github.com/xiaot623/agentrun/policy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("orchestrator stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("orchestrator stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracer, err := telemetry.InitTracer("agentrun", cfg.Telemetry.Tracing, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	metrics := telemetry.NewMetrics()
	hub := publish.NewHub(cfg.Stream.SendBuffer, logger)

	db, err := repository.NewSQLiteStore(cfg.Database.DSN,
		repository.WithDriver(cfg.Database.Driver),
		repository.WithPublisher(hub),
		repository.WithLogger(logger),
		repository.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer db.Close()

	projector, err := projection.NewProjector(db, cfg.Projection.CacheSize)
	if err != nil {
		return err
	}

	executor := tools.NewExecutor(tools.DefaultRegistry(),
		tools.WithDefaultTimeout(cfg.Tools.DefaultTimeout),
		tools.WithExecutorLogger(logger),
		tools.WithExecutorMetrics(metrics),
	)

	engine, err := policy.LoadEngine(ctx, cfg.Policy.Path)
	if err != nil {
		return fmt.Errorf("initialize policy engine: %w", err)
	}

	model, err := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
		Timeout:  cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		return err
	}

	w, err := worker.New(worker.Deps{
		Store:     db,
		Queue:     db,
		Projector: projector,
		Executor:  executor,
		Gate:      policy.NewGate(engine),
		Model:     model,
		Logger:    logger,
		Metrics:   metrics,
	}, worker.Config{
		PollInterval:    cfg.Worker.PollInterval,
		Lease:           cfg.Worker.Lease,
		MaxRetries:      cfg.Worker.MaxRetries,
		RetryBackoff:    cfg.Worker.RetryBackoff,
		RetryMaxDelay:   cfg.Worker.RetryMaxDelay,
		MaxSteps:        cfg.Worker.MaxSteps,
		Concurrency:     cfg.Worker.Concurrency,
		ApprovalTimeout: cfg.Approvals.Timeout,
		DefaultModel:    cfg.LLM.Model,
	})
	if err != nil {
		return err
	}

	svc := service.New(db, db, projector, executor, logger)
	streamer := publish.NewStreamer(hub, db, publish.StreamConfig{
		ReadTimeout:  cfg.Stream.ReadTimeout,
		WriteTimeout: cfg.Stream.WriteTimeout,
		PingInterval: cfg.Stream.PingInterval,
	}, logger)

	httpSrv := httpserver.NewServer(svc, streamer, metrics, logger)
	rpcSrv, err := rpc.NewServer(svc, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
		logger.Info("HTTP API listening", slog.String("addr", addr))
		if err := httpSrv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.RPCPort)
		logger.Info("RunControl RPC listening", slog.String("addr", addr))
		if err := rpcSrv.Start(addr); err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down orchestrator")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := rpcSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("rpc shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
