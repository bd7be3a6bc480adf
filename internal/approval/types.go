// Package approval classifies operations into authorization tiers and
// validates signed-off approval records before the pipeline may act.
// Approval absence is always reported, never silently assumed.
package approval

import "time"

// Level is an ordered approval tier, from forbidden to auto-allowed.
type Level string

const (
	LevelForbidden   Level = "L0" // never permitted
	LevelHumanOnly   Level = "L1" // requires explicit human approval
	LevelCTOApproval Level = "L2"
	LevelPMApproval  Level = "L3"
	LevelQAReview    Level = "L4"
	LevelAutoAllowed Level = "L5" // no approval record needed
)

// tierTables holds the static membership tables. An operation absent from
// every table defaults to LevelHumanOnly, the safe default.
var tierTables = map[Level][]string{
	LevelForbidden: {
		"delete_production_data",
		"rotate_production_secrets",
		"modify_billing",
		"disable_safety_checks",
	},
	LevelHumanOnly: {
		"deploy_production",
		"schema_migration",
		"force_push_main",
	},
	LevelCTOApproval: {
		"merge_to_main",
		"infrastructure_change",
		"dependency_major_upgrade",
	},
	LevelPMApproval: {
		"scope_change",
		"story_reprioritization",
		"wave_replan",
	},
	LevelQAReview: {
		"merge_story_branch",
		"skip_integration_tests",
		"waive_coverage_gate",
	},
	LevelAutoAllowed: {
		"run_tests",
		"run_lint",
		"read_code",
		"commit_wip",
		"update_story_status",
	},
}

// GetApprovalLevel returns the tier for a named operation. Operations not
// listed in any table default to LevelHumanOnly.
func GetApprovalLevel(operation string) Level {
	for level, ops := range tierTables {
		for _, op := range ops {
			if op == operation {
				return level
			}
		}
	}
	return LevelHumanOnly
}

// ReasonCode is a machine-readable refusal reason.
type ReasonCode string

const (
	ReasonApproved           ReasonCode = "approved"
	ReasonAutoAllowed        ReasonCode = "auto_allowed"
	ReasonApprovalRequired   ReasonCode = "approval_required"
	ReasonApprovalExpired    ReasonCode = "approval_expired"
	ReasonForbiddenOperation ReasonCode = "forbidden_operation"
	ReasonInvalidApproval    ReasonCode = "invalid_approval"
	ReasonSeparationOfDuties ReasonCode = "separation_of_duties_violation"
)

// Record is persisted authorization evidence for one operation at one tier.
// Records are consumed read-only; a newer record under the same key
// supersedes the old one.
type Record struct {
	Approver    string    `json:"approver"`
	Requester   string    `json:"requester,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Operation   string    `json:"operation"`
	Description string    `json:"description,omitempty"`
	RiskTier    string    `json:"risk_tier,omitempty"`
}

// Decision is the outcome of an approval check.
type Decision struct {
	Allowed   bool       `json:"allowed"`
	Reason    ReasonCode `json:"reason"`
	Level     Level      `json:"level"`
	Operation string     `json:"operation"`
	Message   string     `json:"message,omitempty"`
}
