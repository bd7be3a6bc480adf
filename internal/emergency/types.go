// Package emergency cascades halt instructions across increasing blast
// radii, from one worker to the entire fleet. Halt records live in the
// Signal Store; every worker is contractually obligated to poll them before
// acting, fleet-wide marker first.
package emergency

import "time"

// EscalationLevel orders halts by blast radius.
type EscalationLevel string

const (
	// LevelE1 halts a single worker.
	LevelE1 EscalationLevel = "E1"
	// LevelE2 halts a pre-declared functional domain of workers.
	LevelE2 EscalationLevel = "E2"
	// LevelE3 halts a pipeline wave.
	LevelE3 EscalationLevel = "E3"
	// LevelE4 halts the entire fleet.
	LevelE4 EscalationLevel = "E4"
	// LevelE5 is a security-incident halt; always human-reviewed, never
	// triggered automatically by any component here.
	LevelE5 EscalationLevel = "E5"
)

// rank orders levels so the highest active level always wins.
var rank = map[EscalationLevel]int{
	LevelE1: 1, LevelE2: 2, LevelE3: 3, LevelE4: 4, LevelE5: 5,
}

// Rank returns the numeric blast-radius ordering of a level (0 if unknown).
func (l EscalationLevel) Rank() int {
	return rank[l]
}

// HaltRecord is one persisted halt instruction. Once written it remains
// authoritative until explicitly, confirmedly cleared.
type HaltRecord struct {
	Level       EscalationLevel `json:"level"`
	Scope       string          `json:"scope"` // worker id, domain name, wave number, or "fleet"
	Reason      string          `json:"reason"`
	Timestamp   time.Time       `json:"timestamp"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
}

// haltState is the persisted payload under one halt key: one entry per
// active escalation level. Levels stack and clear independently, so a
// worker halted by both its domain (E2) and itself (E1) stays halted until
// both are cleared.
type haltState struct {
	Entries []HaltRecord `json:"entries"`
}

// Status reports the highest currently active level and its blast radius.
type Status struct {
	Active          bool            `json:"active"`
	CurrentLevel    EscalationLevel `json:"current_level,omitempty"`
	AffectedWorkers []string        `json:"affected_workers,omitempty"`
	Records         []HaltRecord    `json:"records,omitempty"`
}

// AuditEntry is one trigger or clear appended to the in-memory history.
type AuditEntry struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"` // "trigger" or "clear"
	Level     EscalationLevel `json:"level"`
	Scope     string          `json:"scope"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
