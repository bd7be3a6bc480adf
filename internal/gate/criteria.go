package gate

import "fmt"

// KillCriteria bounds retries for one named pipeline step and lists the
// conditions that abandon it outright.
type KillCriteria struct {
	MaxRetries     int
	KillConditions []string
}

// defaultKillCriteria applies to any step absent from the table.
var defaultKillCriteria = KillCriteria{
	MaxRetries:     3,
	KillConditions: []string{"explicit human abandonment"},
}

// stepKillCriteria holds per-step overrides. Steps not listed here fall back
// to defaultKillCriteria.
var stepKillCriteria = map[string]KillCriteria{
	"implementation": {
		MaxRetries: 5,
		KillConditions: []string{
			"merge conflict unresolvable",
			"explicit human abandonment",
		},
	},
	"qa": {
		MaxRetries: 4,
		KillConditions: []string{
			"test environment destroyed",
			"explicit human abandonment",
		},
	},
	"deploy": {
		MaxRetries: 2,
		KillConditions: []string{
			"production incident",
			"explicit human abandonment",
		},
	},
}

// CriteriaForStep returns the kill criteria for a named step, falling back
// to the default for unknown steps.
func CriteriaForStep(step string) KillCriteria {
	if c, ok := stepKillCriteria[step]; ok {
		return c
	}
	return defaultKillCriteria
}

// KillDecision is the result of evaluating kill criteria.
type KillDecision struct {
	Kill   bool   `json:"kill"`
	Reason string `json:"reason,omitempty"`
}

// ShouldKill evaluates kill criteria for a step. Retry-limit exhaustion
// always takes precedence and is checked first; active conditions are
// matched by exact string membership against the step's configured list.
func ShouldKill(step string, retryCount int, activeConditions []string) KillDecision {
	return ShouldKillWithDefault(step, retryCount, activeConditions, 0)
}

// ShouldKillWithDefault evaluates like ShouldKill, but uses defaultMaxRetries
// as the retry ceiling for steps absent from the per-step table. Per-step
// entries always win; a non-positive default keeps the built-in fallback.
func ShouldKillWithDefault(step string, retryCount int, activeConditions []string, defaultMaxRetries int) KillDecision {
	criteria, ok := stepKillCriteria[step]
	if !ok {
		criteria = defaultKillCriteria
		if defaultMaxRetries > 0 {
			criteria.MaxRetries = defaultMaxRetries
		}
	}

	if retryCount >= criteria.MaxRetries {
		return KillDecision{
			Kill:   true,
			Reason: fmt.Sprintf("Max retries (%d) exceeded", criteria.MaxRetries),
		}
	}

	for _, active := range activeConditions {
		for _, configured := range criteria.KillConditions {
			if active == configured {
				return KillDecision{
					Kill:   true,
					Reason: fmt.Sprintf("Kill condition met: %s", configured),
				}
			}
		}
	}

	return KillDecision{}
}

// Hold reason codes.
const (
	HoldAwaitingHumanInput   = "awaiting_human_input"
	HoldAwaitingExternalData = "awaiting_external_data"
	HoldBlockedDependency    = "blocked_dependency"
	HoldBudgetReview         = "budget_review_needed"
	HoldRiskReview           = "risk_review_needed"
	HoldClarification        = "clarification_needed"
)

// HoldContext carries the signals the hold predicates inspect.
type HoldContext struct {
	AwaitingHumanInput   bool    `json:"awaiting_human_input,omitempty"`
	AwaitingExternalData bool    `json:"awaiting_external_data,omitempty"`
	DependencyBlocked    bool    `json:"dependency_blocked,omitempty"`
	NeedsClarification   bool    `json:"needs_clarification,omitempty"`
	EstimatedCost        float64 `json:"estimated_cost,omitempty"`
	BudgetThreshold      float64 `json:"budget_threshold,omitempty"`
	RiskScore            float64 `json:"risk_score,omitempty"`
}

// HoldReason records one true hold predicate.
type HoldReason struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// EvaluateHold runs the six fixed hold predicates against the context. The
// step holds when at least one reason is returned.
func EvaluateHold(hc HoldContext) []HoldReason {
	var reasons []HoldReason

	if hc.AwaitingHumanInput {
		reasons = append(reasons, HoldReason{
			Reason:  HoldAwaitingHumanInput,
			Message: "step is waiting for human input",
		})
	}
	if hc.AwaitingExternalData {
		reasons = append(reasons, HoldReason{
			Reason:  HoldAwaitingExternalData,
			Message: "step is waiting for external data",
		})
	}
	if hc.DependencyBlocked {
		reasons = append(reasons, HoldReason{
			Reason:  HoldBlockedDependency,
			Message: "a dependency of this step is blocked",
		})
	}
	if hc.BudgetThreshold > 0 && hc.EstimatedCost > 0.8*hc.BudgetThreshold {
		reasons = append(reasons, HoldReason{
			Reason: HoldBudgetReview,
			Message: fmt.Sprintf("estimated cost %.2f exceeds 80%% of budget threshold %.2f",
				hc.EstimatedCost, hc.BudgetThreshold),
		})
	}
	if hc.RiskScore > 0.7 {
		reasons = append(reasons, HoldReason{
			Reason:  HoldRiskReview,
			Message: fmt.Sprintf("risk score %.2f exceeds 0.70", hc.RiskScore),
		})
	}
	if hc.NeedsClarification {
		reasons = append(reasons, HoldReason{
			Reason:  HoldClarification,
			Message: "step requirements need clarification",
		})
	}

	return reasons
}

// CanResumeFromHold re-checks recorded hold reasons against an updated
// resolution map. Resumption is allowed only when every recorded reason is
// explicitly marked resolved.
func CanResumeFromHold(reasons []HoldReason, resolved map[string]bool) bool {
	if len(reasons) == 0 {
		return true
	}
	for _, r := range reasons {
		if !resolved[r.Reason] {
			return false
		}
	}
	return true
}
