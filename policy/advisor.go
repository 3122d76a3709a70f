package policy

import (
	"fmt"
	"strings"

	"github.com/newsieai/paygate/types"
)

// Advisor is the pluggable advisory step of the policy engine. Assess runs
// only after the hard checks pass; returning ok=false vetoes the payment with
// the given reason.
type Advisor interface {
	Assess(challenge *types.PaymentChallenge, profile *types.BudgetProfile) (ok bool, reason string)
}

// refusalPhrases veto every payment regardless of asset or amount.
var refusalPhrases = []string{
	"never pay",
	"no payments",
	"do not pay",
	"manual approval",
}

// PreferenceAdvisor interprets the free-form preference text of a profile as
// a small keyword policy. An empty preference approves everything.
type PreferenceAdvisor struct{}

func (PreferenceAdvisor) Assess(challenge *types.PaymentChallenge, profile *types.BudgetProfile) (bool, string) {
	pref := strings.ToLower(strings.TrimSpace(profile.Preference))
	if pref == "" {
		return true, ""
	}

	for _, phrase := range refusalPhrases {
		if strings.Contains(pref, phrase) {
			return false, fmt.Sprintf("preference forbids automatic payment (%q)", phrase)
		}
	}

	// "avoid SOL" / "no usdc" style rules veto only the named asset.
	asset := strings.ToLower(challenge.Asset)
	tokens := strings.Fields(pref)
	for i, tok := range tokens {
		if tok != "avoid" && tok != "no" {
			continue
		}
		if i+1 < len(tokens) && trimPunct(tokens[i+1]) == asset {
			return false, fmt.Sprintf("preference avoids %s payments", challenge.Asset)
		}
	}

	return true, ""
}

func trimPunct(s string) string {
	return strings.Trim(s, ".,;:!?()[]\"'")
}
