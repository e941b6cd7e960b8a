// Package rpc exposes the run control surface over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/service"
)

// ServiceName is the JSON-RPC service prefix, e.g. "RunControl.StartRun".
const ServiceName = "RunControl"

// Server accepts JSON-RPC connections.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	logger    *slog.Logger
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the run service.
func NewServer(svc *service.Service, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, &Handler{service: svc}); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}
	return &Server{
		rpcServer: rpcServer,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address. It returns after Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("rpc accept error", slog.Any("error", err))
			continue
		}
		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the RunControl methods.
type Handler struct {
	service *service.Service
}

// SendMessageArgs addresses a message to a run.
type SendMessageArgs struct {
	RunID   string                    `json:"run_id"`
	Request domain.SendMessageRequest `json:"request"`
}

// ResolveApprovalArgs addresses a decision to an approval.
type ResolveApprovalArgs struct {
	RunID      string                         `json:"run_id"`
	ApprovalID string                         `json:"approval_id"`
	Request    domain.ApprovalDecisionRequest `json:"request"`
}

// RunRef identifies a run.
type RunRef struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// AckResponse is a generic OK response.
type AckResponse struct {
	OK bool `json:"ok"`
}

func (h *Handler) StartRun(req *domain.StartRunRequest, resp *domain.StartRunResponse) error {
	if req == nil {
		return errors.New("start run request is required")
	}
	result, err := h.service.StartRun(context.Background(), *req)
	if err != nil {
		return err
	}
	*resp = *result
	return nil
}

func (h *Handler) SendMessage(req *SendMessageArgs, resp *domain.SendMessageResponse) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}
	result, err := h.service.SendMessage(context.Background(), req.RunID, req.Request)
	if err != nil {
		return err
	}
	*resp = *result
	return nil
}

func (h *Handler) ResolveApproval(req *ResolveApprovalArgs, resp *domain.ApprovalDecisionResponse) error {
	if req == nil || req.RunID == "" || req.ApprovalID == "" {
		return errors.New("run_id and approval_id are required")
	}
	result, err := h.service.ResolveApproval(context.Background(), req.RunID, req.ApprovalID, req.Request)
	if err != nil {
		return err
	}
	*resp = *result
	return nil
}

func (h *Handler) GetRunState(req *RunRef, resp *domain.RunState) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}
	state, err := h.service.GetRunState(context.Background(), req.RunID)
	if err != nil {
		return err
	}
	*resp = state
	return nil
}

// CancelRun schedules cancellation of a run.
func (h *Handler) CancelRun(req *RunRef, resp *AckResponse) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}
	if err := h.service.CancelRun(context.Background(), req.RunID, domain.CloseRunRequest{Reason: req.Reason}); err != nil {
		return err
	}
	resp.OK = true
	return nil
}
