package model

import "fmt"

// Task is the unit of work under evaluation. The record is derived state:
// every field except the identity fields is the fold of committed decisions,
// so recovery can rebuild it from the attempt log.
type Task struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	ID        string `yaml:"id"`
	SessionID string `yaml:"session_id"`

	// Description and Constraints are the opaque work-item payload; the
	// decision core never interprets them beyond the router's metadata screen.
	Description string   `yaml:"description"`
	Constraints []string `yaml:"constraints,omitempty"`

	Tier    Tier       `yaml:"tier"`
	Attempt int        `yaml:"attempt"` // last committed attempt number, 0 before the first
	Status  TaskStatus `yaml:"status"`

	// Workdir is the working-tree handle for the current attempt, provided by
	// the caller per attempt and not owned by the core.
	Workdir string `yaml:"workdir,omitempty"`

	// AcceptedPayload holds the winning candidate payload when an arbitration
	// round resolved the task.
	AcceptedPayload *string `yaml:"accepted_payload,omitempty"`

	CreatedAt string `yaml:"created_at"`
	UpdatedAt string `yaml:"updated_at"`
}

const TaskFileType = "task"

func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task missing id")
	}
	if t.SessionID == "" {
		return fmt.Errorf("task %s missing session_id", t.ID)
	}
	if !t.Tier.Valid() {
		return fmt.Errorf("task %s has invalid tier %q", t.ID, t.Tier)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("task %s has invalid status %q", t.ID, t.Status)
	}
	if t.Attempt < 0 {
		return fmt.Errorf("task %s has negative attempt %d", t.ID, t.Attempt)
	}
	return nil
}

// Terminal reports whether the task has reached resolved or failed.
func (t *Task) Terminal() bool {
	return IsTerminalTaskStatus(t.Status)
}
