package policy

import (
	"context"
	"fmt"
)

// Gate combines the static risk tier with the policy engine. A policy can tighten the tier
// but never lets a Medium or higher tool run without approval.
type Gate struct {
	engine *Engine
}

// NewGate wraps an engine. A nil engine gates on risk tier alone.
func NewGate(engine *Engine) *Gate {
	return &Gate{engine: engine}
}

// Decide returns the gate outcome. Policy evaluation errors fail closed to approval.
func (g *Gate) Decide(ctx context.Context, in Input) Result {
	res := Result{Decision: DecisionAllow}
	if g != nil && g.engine != nil {
		evaluated, err := g.engine.Evaluate(ctx, in)
		if err != nil {
			return Result{Decision: DecisionRequireApproval, Reason: fmt.Sprintf("policy unavailable: %v", err)}
		}
		res = evaluated
	}
	if res.Decision == DecisionAllow && in.RiskTier.RequiresApproval() {
		res = Result{
			Decision: DecisionRequireApproval,
			Reason:   fmt.Sprintf("%s risk tool requires approval", in.RiskTier),
		}
	}
	return res
}
