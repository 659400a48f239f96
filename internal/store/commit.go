package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/quorum/internal/model"
	yamlutil "github.com/msageha/quorum/internal/yaml"
)

var (
	attemptFileRe = regexp.MustCompile(`^attempt_(\d{4})\.yaml$`)
	beginFileRe   = regexp.MustCompile(`^attempt_(\d{4})\.begin\.yaml$`)
)

// BeginAttempt journals that an attempt is starting, before any work runs.
// A marker without a matching committed record is voided by recovery.
func (s *Store) BeginAttempt(task *model.Task, attempt int, tier model.Tier) error {
	marker := &model.BeginMarker{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      model.BeginMarkerFileType,
		TaskID:        task.ID,
		Attempt:       attempt,
		Tier:          tier,
		Workdir:       task.Workdir,
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := os.MkdirAll(s.attemptDir(task.ID), 0755); err != nil {
		return fmt.Errorf("create attempts dir: %w", err)
	}
	if err := yamlutil.AtomicWrite(s.beginMarkerPath(task.ID, attempt), marker); err != nil {
		return fmt.Errorf("write begin marker %s/%d: %w", task.ID, attempt, err)
	}
	s.log(LogLevelDebug, "attempt begun task=%s attempt=%d tier=%s", task.ID, attempt, tier)
	return nil
}

// CommitAttempt is the durability point of the control loop. The attempt
// record (report, decision, fingerprints) is written as one atomic file, then
// the decision is folded into the task record. A crash between the two writes
// leaves the attempt durable and the task stale; recovery finishes the fold.
//
// Re-committing the same (task, attempt) with identical content is a no-op;
// conflicting content is ErrAttemptCommitted.
func (s *Store) CommitAttempt(rec *model.AttemptRecord) error {
	rec.SchemaVersion = yamlutil.CurrentSchemaVersion
	rec.FileType = model.AttemptFileType
	if rec.CommittedAt == "" {
		rec.CommittedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	content, err := yamlv3.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal attempt record: %w", err)
	}

	path := s.attemptPath(rec.TaskID, rec.Attempt)
	existing, readErr := os.ReadFile(path)
	switch {
	case readErr == nil:
		if !bytes.Equal(existing, content) {
			return fmt.Errorf("task %s attempt %d: %w", rec.TaskID, rec.Attempt, ErrAttemptCommitted)
		}
		// Identical re-commit. The record is already durable; fall through
		// so an interrupted fold still completes.
		s.log(LogLevelDebug, "attempt re-commit task=%s attempt=%d (no-op)", rec.TaskID, rec.Attempt)
	case os.IsNotExist(readErr):
		task, err := s.GetTask(rec.SessionID, rec.TaskID)
		if err != nil {
			return err
		}
		if task.Terminal() {
			return fmt.Errorf("task %s is %s: %w", task.ID, task.Status, ErrTaskTerminal)
		}
		if rec.Attempt != task.Attempt+1 {
			return fmt.Errorf("task %s at attempt %d, got commit for attempt %d: %w",
				task.ID, task.Attempt, rec.Attempt, ErrAttemptOutOfOrder)
		}
		if err := os.MkdirAll(s.attemptDir(rec.TaskID), 0755); err != nil {
			return fmt.Errorf("create attempts dir: %w", err)
		}
		if err := yamlutil.AtomicWriteRaw(path, content); err != nil {
			return fmt.Errorf("write attempt record %s/%d: %w", rec.TaskID, rec.Attempt, err)
		}
	default:
		return fmt.Errorf("read attempt record %s/%d: %w", rec.TaskID, rec.Attempt, readErr)
	}

	if err := s.foldAttempt(rec); err != nil {
		return err
	}

	// The committed record subsumes the journal marker.
	if err := os.Remove(s.beginMarkerPath(rec.TaskID, rec.Attempt)); err != nil && !os.IsNotExist(err) {
		s.log(LogLevelWarn, "remove begin marker task=%s attempt=%d: %v", rec.TaskID, rec.Attempt, err)
	}

	s.log(LogLevelInfo, "attempt committed task=%s attempt=%d tier=%s decision=%s",
		rec.TaskID, rec.Attempt, rec.Tier, rec.Decision.Kind)
	return nil
}

// foldAttempt applies the committed decision to the task record. It is a
// no-op when the task already reflects this attempt, which makes both
// re-commits and recovery replay safe.
func (s *Store) foldAttempt(rec *model.AttemptRecord) error {
	task, err := s.GetTask(rec.SessionID, rec.TaskID)
	if err != nil {
		return err
	}
	if task.Attempt >= rec.Attempt {
		return nil
	}
	return s.applyDecision(task, rec)
}

// applyDecision folds one committed attempt into the task record and writes
// it. A committed attempt implies the task entered in_progress when the
// attempt began, so the transition validated is current → in_progress → next.
func (s *Store) applyDecision(task *model.Task, rec *model.AttemptRecord) error {
	next := rec.Decision.StatusAfter()
	if task.Status != model.StatusInProgress {
		if err := model.ValidateTaskTransition(task.Status, model.StatusInProgress); err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
	}
	if err := model.ValidateTaskTransition(model.StatusInProgress, next); err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}

	task.Attempt = rec.Attempt
	task.Status = next
	switch rec.Decision.Kind {
	case model.DecisionRetry, model.DecisionEscalate:
		task.Tier = rec.Decision.Tier
	case model.DecisionAccept:
		if rec.RoundID != "" {
			round, err := s.GetRound(rec.TaskID, rec.RoundID)
			if err != nil {
				s.log(LogLevelWarn, "accept references missing round task=%s round=%s: %v",
					rec.TaskID, rec.RoundID, err)
				break
			}
			if w := round.Winner(); w != nil && w.Payload != "" {
				payload := w.Payload
				task.AcceptedPayload = &payload
			}
		}
	}
	task.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	if err := yamlutil.AtomicWrite(s.taskPath(task.SessionID, task.ID), task); err != nil {
		return fmt.Errorf("fold task %s: %w", task.ID, err)
	}
	s.log(LogLevelDebug, "task folded id=%s attempt=%d status=%s tier=%s",
		task.ID, task.Attempt, task.Status, task.Tier)
	return nil
}

func (s *Store) GetAttempt(taskID string, attempt int) (*model.AttemptRecord, error) {
	var rec model.AttemptRecord
	if err := yamlutil.ReadInto(s.attemptPath(taskID, attempt), &rec, model.AttemptFileType); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("task %s attempt %d: %w", taskID, attempt, ErrAttemptNotFound)
		}
		return nil, err
	}
	return &rec, nil
}

// ListAttempts returns the committed attempt records of a task in attempt
// order. Records that fail validation are skipped with a warning.
func (s *Store) ListAttempts(taskID string) ([]*model.AttemptRecord, error) {
	entries, err := os.ReadDir(s.attemptDir(taskID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read attempts dir for %s: %w", taskID, err)
	}

	var recs []*model.AttemptRecord
	for _, entry := range entries {
		m := attemptFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		attempt, _ := strconv.Atoi(m[1])
		var rec model.AttemptRecord
		path := s.attemptPath(taskID, attempt)
		if err := yamlutil.ReadInto(path, &rec, model.AttemptFileType); err != nil {
			s.log(LogLevelWarn, "skipping unreadable attempt record %s: %v", entry.Name(), err)
			continue
		}
		if err := rec.Validate(); err != nil {
			s.log(LogLevelWarn, "skipping invalid attempt record %s: %v", entry.Name(), err)
			continue
		}
		recs = append(recs, &rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Attempt < recs[j].Attempt })
	return recs, nil
}

// History replays the attempt log into the task's escalation history. This is
// the audit view: it reads only committed records, never the task record.
func (s *Store) History(taskID string) (model.History, error) {
	recs, err := s.ListAttempts(taskID)
	if err != nil {
		return nil, err
	}
	history := make(model.History, 0, len(recs))
	for _, rec := range recs {
		history = append(history, rec.HistoryEntry())
	}
	return history, nil
}
