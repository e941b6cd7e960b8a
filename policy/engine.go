// Package policy evaluates the tool gate: whether a requested tool call runs, waits for approval, or is blocked.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Decision is the gate outcome for one tool call.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require_approval"
	DecisionBlock           Decision = "block"
)

// Input is what the policy sees about a tool call.
type Input struct {
	ToolName string          `json:"tool_name"`
	Category string          `json:"category"`
	RiskTier domain.RiskTier `json:"risk_tier"`
	TenantID string          `json:"tenant_id"`
	UserID   string          `json:"user_id"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// Result is a gate decision and the reason reported to the run.
type Result struct {
	Decision Decision
	Reason   string
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the given rego module. The module must define
// data.tool_policy.decision and data.tool_policy.reason.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("decision := data.tool_policy.decision; reason := data.tool_policy.reason"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine reads the policy from path, or uses DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate runs the policy for one tool call.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Result, error) {
	doc := map[string]any{
		"tool_name": in.ToolName,
		"category":  in.Category,
		"risk_tier": string(in.RiskTier),
		"tenant_id": in.TenantID,
		"user_id":   in.UserID,
	}
	if len(in.Args) > 0 {
		var args any
		if err := json.Unmarshal(in.Args, &args); err == nil {
			doc["args"] = args
		}
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return Result{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 {
		return Result{}, fmt.Errorf("policy produced no decision")
	}

	decision, _ := results[0].Bindings["decision"].(string)
	reason, _ := results[0].Bindings["reason"].(string)
	switch d := Decision(decision); d {
	case DecisionAllow, DecisionRequireApproval, DecisionBlock:
		return Result{Decision: d, Reason: reason}, nil
	default:
		return Result{}, fmt.Errorf("policy returned unknown decision %q", decision)
	}
}

// DefaultPolicy blocks host commands and routes every non-low tier through approval.
const DefaultPolicy = `
package tool_policy

import rego.v1

blocked_tools := {"dangerous.command"}

default decision := "allow"

default reason := ""

decision := "block" if {
	input.tool_name in blocked_tools
} else := "require_approval" if {
	input.risk_tier != "low"
}

reason := sprintf("%s is blocked by policy", [input.tool_name]) if {
	input.tool_name in blocked_tools
} else := sprintf("%s risk tool requires approval", [input.risk_tier]) if {
	input.risk_tier != "low"
}
`
