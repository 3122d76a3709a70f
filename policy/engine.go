// Package policy decides whether a decoded payment challenge may be paid on
// behalf of a caller. Checks run in a fixed order: expiry, then the hard
// budget limit, then the advisory preference step. The advisory step can only
// veto an approval, never override an earlier rejection or raise the limit.
package policy

import (
	"fmt"
	"time"

	"github.com/newsieai/paygate/logger"
	"github.com/newsieai/paygate/types"
)

// Engine evaluates challenges against budget profiles.
type Engine struct {
	advisor Advisor
	log     logger.Logger
}

// NewEngine creates an engine. A nil advisor disables the advisory step; a
// nil logger disables logging.
func NewEngine(advisor Advisor, log logger.Logger) *Engine {
	if log == nil {
		log = &logger.NoopLogger{}
	}
	return &Engine{advisor: advisor, log: log}
}

// Decide returns the verdict for one challenge under one profile. A nil
// profile is treated as the conservative default.
func (e *Engine) Decide(challenge *types.PaymentChallenge, profile *types.BudgetProfile) types.Decision {
	if profile == nil {
		profile = types.ConservativeProfile("")
	}

	now := time.Now()
	if challenge.Expired(now) {
		decision := types.Reject(types.ErrExpired, fmt.Sprintf(
			"challenge expired at %s", challenge.Expiry.Format(time.RFC3339)))
		e.logDecision(challenge, profile, decision)
		return decision
	}

	if challenge.Amount.GreaterThan(profile.BudgetLimit) {
		decision := types.Reject(types.ErrOverBudget, fmt.Sprintf(
			"amount %s %s exceeds budget limit %s",
			challenge.Amount, challenge.Asset, profile.BudgetLimit))
		e.logDecision(challenge, profile, decision)
		return decision
	}

	if e.advisor != nil {
		if ok, reason := e.advisor.Assess(challenge, profile); !ok {
			decision := types.Reject(types.ErrPolicyFit, reason)
			e.logDecision(challenge, profile, decision)
			return decision
		}
	}

	decision := types.Approve()
	e.logDecision(challenge, profile, decision)
	return decision
}

func (e *Engine) logDecision(challenge *types.PaymentChallenge, profile *types.BudgetProfile, d types.Decision) {
	fields := map[string]any{
		"reference": challenge.Reference,
		"amount":    challenge.Amount.String(),
		"asset":     challenge.Asset,
		"payer":     profile.Identifier,
		"approved":  d.Approved,
	}
	if d.Approved {
		e.log.Debug("challenge approved", fields)
		return
	}
	fields["reason"] = d.Reason
	fields["detail"] = d.Detail
	e.log.Info("challenge rejected", fields)
}
