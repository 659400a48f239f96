package model

import "fmt"

// AttemptRecord is the store's atomic commit unit: one verification report and
// the decision derived from it, written together as a single file. The record
// is the durability point for the whole attempt; a decision exists only if its
// attempt record does.
type AttemptRecord struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	TaskID    string `yaml:"task_id"`
	SessionID string `yaml:"session_id"`
	Attempt   int    `yaml:"attempt"`
	Tier      Tier   `yaml:"tier"`

	Report       *VerificationReport `yaml:"report,omitempty"`
	Decision     Decision            `yaml:"decision"`
	Fingerprints []string            `yaml:"fingerprints,omitempty"`
	// RoundID links the record to its arbitration round: set on the record
	// that opened the round and on the resolution record that followed it.
	RoundID string `yaml:"round_id,omitempty"`

	CommittedAt string `yaml:"committed_at"`
}

const AttemptFileType = "attempt"

func (a *AttemptRecord) Validate() error {
	if a.TaskID == "" {
		return fmt.Errorf("attempt record missing task_id")
	}
	if a.Attempt < 1 {
		return fmt.Errorf("attempt record for %s has attempt %d, want >= 1", a.TaskID, a.Attempt)
	}
	if !a.Tier.Valid() {
		return fmt.Errorf("attempt record %s/%d has invalid tier %q", a.TaskID, a.Attempt, a.Tier)
	}
	if err := a.Decision.Validate(); err != nil {
		return fmt.Errorf("attempt record %s/%d: %w", a.TaskID, a.Attempt, err)
	}
	if a.Decision.Attempt != a.Attempt {
		return fmt.Errorf("attempt record %s/%d carries decision for attempt %d",
			a.TaskID, a.Attempt, a.Decision.Attempt)
	}
	return nil
}

// HistoryEntry projects the record into the task's escalation history.
func (a *AttemptRecord) HistoryEntry() HistoryEntry {
	return HistoryEntry{
		Attempt:      a.Attempt,
		Tier:         a.Tier,
		Fingerprints: a.Fingerprints,
		Decision:     a.Decision,
		RoundID:      a.RoundID,
		RecordedAt:   a.CommittedAt,
	}
}

// BeginMarker journals that an attempt started before any work runs. A marker
// without a matching committed attempt record marks an attempt lost to a crash;
// recovery voids it and the task stays at its last durable state.
type BeginMarker struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	TaskID    string `yaml:"task_id"`
	Attempt   int    `yaml:"attempt"`
	Tier      Tier   `yaml:"tier"`
	Workdir   string `yaml:"workdir,omitempty"`
	StartedAt string `yaml:"started_at"`
}

const BeginMarkerFileType = "attempt_begin"

// DecisionEvent is the outbox form of a committed decision, written for
// downstream consumers after the attempt is durable.
type DecisionEvent struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	TaskID    string       `yaml:"task_id"`
	SessionID string       `yaml:"session_id"`
	Attempt   int          `yaml:"attempt"`
	Tier      Tier         `yaml:"tier"`
	Kind      DecisionKind `yaml:"kind"`
	Reason    string       `yaml:"reason,omitempty"`
	// Summary is the one-line verification report form.
	Summary   string `yaml:"summary,omitempty"`
	EmittedAt string `yaml:"emitted_at"`
}

const DecisionEventFileType = "decision_event"

// DeadLetter archives a task that left the control loop without resolution,
// together with everything needed to understand why.
type DeadLetter struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	Task       Task    `yaml:"task"`
	History    History `yaml:"history"`
	Reason     string  `yaml:"reason"`
	ArchivedAt string  `yaml:"archived_at"`
}

const DeadLetterFileType = "dead_letter"
