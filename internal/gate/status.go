// Package gate implements the stage-gate status machine for units of
// pipeline work and the GO/KILL/HOLD decision criteria fed by the
// supervisor. Status mutations go through a closed legal-transition table;
// free-form status strings are rejected.
package gate

import "fmt"

// Status is the canonical status vocabulary for a unit of work.
type Status string

const (
	StatusIdle               Status = "idle"
	StatusValidating         Status = "validating"
	StatusReady              Status = "ready"
	StatusHold               Status = "hold"
	StatusBlocked            Status = "blocked"
	StatusKilled             Status = "killed"
	StatusRecycle            Status = "recycle"
	StatusPendingHumanReview Status = "pending_human_review"
)

// AllStatuses returns every legal status value.
func AllStatuses() []Status {
	return []Status{
		StatusIdle, StatusValidating, StatusReady, StatusHold,
		StatusBlocked, StatusKilled, StatusRecycle, StatusPendingHumanReview,
	}
}

// transitions is the legal-transition table. Validation is the sole decision
// point, so validating is the only state with the full fan-out. killed is
// terminal and has no outgoing edges.
var transitions = map[Status][]Status{
	StatusIdle: {StatusValidating},
	StatusValidating: {
		StatusIdle, StatusReady, StatusBlocked, StatusHold,
		StatusKilled, StatusRecycle, StatusPendingHumanReview,
	},
	StatusReady:              {StatusIdle},
	StatusRecycle:            {StatusIdle},
	StatusBlocked:            {StatusValidating, StatusKilled},
	StatusHold:               {StatusValidating, StatusKilled},
	StatusPendingHumanReview: {StatusValidating, StatusKilled},
	StatusKilled:             {},
}

// IsValid reports whether s is a member of the closed status vocabulary.
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s.IsValid() && len(transitions[s]) == 0
}

// CanTransition reports whether from -> to appears in the legal-transition
// table. Unknown statuses on either side are never legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a descriptive error when from -> to is illegal.
func CheckTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("invalid current status: %q", from)
	}
	if !to.IsValid() {
		return fmt.Errorf("invalid target status: %q", to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	return nil
}
