// Package service holds the run commands and queries behind the HTTP and RPC surfaces.
package service

import (
	"log/slog"

	"github.com/xiaot623/agentrun/internal/eventstore"
	"github.com/xiaot623/agentrun/internal/projection"
	"github.com/xiaot623/agentrun/internal/queue"
	"github.com/xiaot623/agentrun/internal/tools"
)

type Service struct {
	store     eventstore.Store
	queue     queue.Queue
	projector *projection.Projector
	executor  *tools.Executor
	logger    *slog.Logger
}

func New(store eventstore.Store, q queue.Queue, projector *projection.Projector, executor *tools.Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		queue:     q,
		projector: projector,
		executor:  executor,
		logger:    logger,
	}
}
