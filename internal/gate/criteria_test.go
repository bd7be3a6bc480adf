package gate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldKill_RetryExhaustion(t *testing.T) {
	// With no active conditions, kill iff retryCount >= maxRetries.
	for _, step := range []string{"stories", "implementation", "deploy", "unknown-step"} {
		max := CriteriaForStep(step).MaxRetries
		for count := 0; count < max+2; count++ {
			decision := ShouldKill(step, count, nil)
			assert.Equal(t, count >= max, decision.Kill,
				"step %s retryCount %d maxRetries %d", step, count, max)
		}
	}
}

func TestShouldKill_UnknownStepUsesDefault(t *testing.T) {
	// "stories" is not in the per-step table, so the default max of 3 applies.
	decision := ShouldKill("stories", 3, nil)
	require.True(t, decision.Kill)
	assert.Equal(t, "Max retries (3) exceeded", decision.Reason)
}

func TestShouldKillWithDefault_OverridesFallbackCeiling(t *testing.T) {
	// The configured default governs steps absent from the per-step table.
	decision := ShouldKillWithDefault("stories", 1, nil, 1)
	require.True(t, decision.Kill)
	assert.Equal(t, "Max retries (1) exceeded", decision.Reason)

	// Per-step entries always win over the configured default.
	decision = ShouldKillWithDefault("implementation", 3, nil, 1)
	assert.False(t, decision.Kill)

	// A non-positive default keeps the built-in fallback of 3.
	decision = ShouldKillWithDefault("stories", 2, nil, 0)
	assert.False(t, decision.Kill)
}

func TestShouldKill_RetryLimitTakesPrecedence(t *testing.T) {
	decision := ShouldKill("deploy", 2, []string{"production incident"})
	require.True(t, decision.Kill)
	assert.Equal(t, "Max retries (2) exceeded", decision.Reason)
}

func TestShouldKill_ConditionMatch(t *testing.T) {
	decision := ShouldKill("deploy", 0, []string{"production incident"})
	require.True(t, decision.Kill)
	assert.Equal(t, "Kill condition met: production incident", decision.Reason)

	// Exact membership, not substring.
	decision = ShouldKill("deploy", 0, []string{"production incident detected"})
	assert.False(t, decision.Kill)
}

func TestShouldKill_NoMatchReturnsGo(t *testing.T) {
	decision := ShouldKill("implementation", 1, []string{"unrelated condition"})
	assert.False(t, decision.Kill)
	assert.Empty(t, decision.Reason)
}

func TestEvaluateHold_Predicates(t *testing.T) {
	tests := []struct {
		name string
		hc   HoldContext
		want []string
	}{
		{"empty context does not hold", HoldContext{}, nil},
		{"human input", HoldContext{AwaitingHumanInput: true}, []string{HoldAwaitingHumanInput}},
		{"external data", HoldContext{AwaitingExternalData: true}, []string{HoldAwaitingExternalData}},
		{"blocked dependency", HoldContext{DependencyBlocked: true}, []string{HoldBlockedDependency}},
		{"clarification", HoldContext{NeedsClarification: true}, []string{HoldClarification}},
		{
			"budget review above 80% of threshold",
			HoldContext{EstimatedCost: 85, BudgetThreshold: 100},
			[]string{HoldBudgetReview},
		},
		{
			"no budget review at 80% exactly",
			HoldContext{EstimatedCost: 80, BudgetThreshold: 100},
			nil,
		},
		{"risk review above 0.7", HoldContext{RiskScore: 0.71}, []string{HoldRiskReview}},
		{"no risk review at 0.7 exactly", HoldContext{RiskScore: 0.7}, nil},
		{
			"multiple reasons accumulate",
			HoldContext{AwaitingHumanInput: true, RiskScore: 0.9, NeedsClarification: true},
			[]string{HoldAwaitingHumanInput, HoldRiskReview, HoldClarification},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reasons := EvaluateHold(tt.hc)
			got := make([]string, 0, len(reasons))
			for _, r := range reasons {
				got = append(got, r.Reason)
				assert.NotEmpty(t, r.Message)
			}
			if tt.want == nil {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestCanResumeFromHold(t *testing.T) {
	reasons := []HoldReason{
		{Reason: HoldAwaitingHumanInput},
		{Reason: HoldRiskReview},
	}

	assert.False(t, CanResumeFromHold(reasons, nil))
	assert.False(t, CanResumeFromHold(reasons, map[string]bool{HoldAwaitingHumanInput: true}))
	assert.True(t, CanResumeFromHold(reasons, map[string]bool{
		HoldAwaitingHumanInput: true,
		HoldRiskReview:         true,
	}))
	assert.True(t, CanResumeFromHold(nil, nil))
}

func ExampleShouldKill() {
	decision := ShouldKill("stories", 3, nil)
	fmt.Println(decision.Kill, decision.Reason)
	// Output: true Max retries (3) exceeded
}
