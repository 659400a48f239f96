package model

import "fmt"

type TaskStatus string

const (
	StatusPending       TaskStatus = "pending"
	StatusInProgress    TaskStatus = "in_progress"
	StatusEscalated     TaskStatus = "escalated"
	StatusArbitrating   TaskStatus = "arbitrating"
	StatusAwaitingHuman TaskStatus = "awaiting_human"
	StatusResolved      TaskStatus = "resolved"
	StatusFailed        TaskStatus = "failed"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	StatusResolved: true,
	StatusFailed:   true,
}

// Task lifecycle: pending → in_progress → {escalated, arbitrating, awaiting_human,
// resolved, failed}. Escalated and arbitrating loop back to in_progress at the new
// tier; in_progress → in_progress covers retry at the same tier. A human review
// hands the task back (in_progress) or settles it (resolved/failed).
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusFailed:     true,
	},
	StatusInProgress: {
		StatusInProgress:    true,
		StatusEscalated:     true,
		StatusArbitrating:   true,
		StatusAwaitingHuman: true,
		StatusResolved:      true,
		StatusFailed:        true,
	},
	StatusEscalated: {
		StatusInProgress: true,
		StatusFailed:     true,
	},
	StatusArbitrating: {
		StatusInProgress:    true,
		StatusAwaitingHuman: true,
		StatusResolved:      true,
		StatusFailed:        true,
	},
	StatusAwaitingHuman: {
		StatusInProgress: true,
		StatusResolved:   true,
		StatusFailed:     true,
	},
}

func IsTerminalTaskStatus(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func (s TaskStatus) Valid() bool {
	if terminalTaskStatuses[s] {
		return true
	}
	_, ok := validTaskTransitions[s]
	return ok
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTerminalTaskStatus(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
