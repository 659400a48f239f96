package model

import "fmt"

// Session groups the tasks of one orchestrator run.
type Session struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	ID        string `yaml:"id"`
	Label     string `yaml:"label,omitempty"`
	CreatedAt string `yaml:"created_at"`
}

const SessionFileType = "session"

// Submission is the inbound task-submission payload dropped into the inbox by
// the orchestrator loop.
type Submission struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	TaskID      string   `yaml:"task_id"`
	SessionID   string   `yaml:"session_id"`
	Description string   `yaml:"description"`
	Constraints []string `yaml:"constraints,omitempty"`
	InitialTier Tier     `yaml:"initial_tier"`
	Workdir     string   `yaml:"workdir"`
	SubmittedAt string   `yaml:"submitted_at,omitempty"`
}

const SubmissionFileType = "submission"

func (s *Submission) Validate() error {
	if s.TaskID == "" {
		return fmt.Errorf("submission missing task_id")
	}
	if s.SessionID == "" {
		return fmt.Errorf("submission %s missing session_id", s.TaskID)
	}
	if s.Description == "" {
		return fmt.Errorf("submission %s missing description", s.TaskID)
	}
	if s.InitialTier != "" && !s.InitialTier.Valid() {
		return fmt.Errorf("submission %s has invalid initial_tier %q", s.TaskID, s.InitialTier)
	}
	if s.Workdir == "" {
		return fmt.Errorf("submission %s missing workdir", s.TaskID)
	}
	return nil
}

// HumanRequest is the structured payload handed to the external ticketing
// collaborator when a task needs human intervention.
type HumanRequest struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`

	TaskID      string              `yaml:"task_id"`
	SessionID   string              `yaml:"session_id"`
	Reason      string              `yaml:"reason"`
	LastReport  *VerificationReport `yaml:"last_report,omitempty"`
	FullHistory History             `yaml:"full_history,omitempty"`
	RequestedAt string              `yaml:"requested_at"`
}

const HumanRequestFileType = "human_request"
