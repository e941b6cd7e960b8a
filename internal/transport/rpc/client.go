package rpc

import (
	"context"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Client calls RunControl over short-lived JSON-RPC connections.
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient accepts "host:port" or a URL whose host is used.
func NewClient(addr string) *Client {
	return &Client{
		addr:        resolveAddr(addr),
		dialTimeout: 5 * time.Second,
		callTimeout: 30 * time.Second,
	}
}

func (c *Client) StartRun(ctx context.Context, req domain.StartRunRequest) (*domain.StartRunResponse, error) {
	var resp domain.StartRunResponse
	if err := c.call(ctx, "StartRun", &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendMessage(ctx context.Context, runID string, req domain.SendMessageRequest) (*domain.SendMessageResponse, error) {
	var resp domain.SendMessageResponse
	if err := c.call(ctx, "SendMessage", &SendMessageArgs{RunID: runID, Request: req}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ResolveApproval(ctx context.Context, runID, approvalID string, req domain.ApprovalDecisionRequest) (*domain.ApprovalDecisionResponse, error) {
	var resp domain.ApprovalDecisionResponse
	args := &ResolveApprovalArgs{RunID: runID, ApprovalID: approvalID, Request: req}
	if err := c.call(ctx, "ResolveApproval", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRunState returns the projected state of a run.
func (c *Client) GetRunState(ctx context.Context, runID string) (*domain.RunState, error) {
	var resp domain.RunState
	if err := c.call(ctx, "GetRunState", &RunRef{RunID: runID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CancelRun(ctx context.Context, runID, reason string) error {
	var resp AckResponse
	return c.call(ctx, "CancelRun", &RunRef{RunID: runID, Reason: reason}, &resp)
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	defer client.Close()
	call := client.Go(ServiceName+"."+method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "://") {
		if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
