package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/quorum/internal/model"
	yamlutil "github.com/msageha/quorum/internal/yaml"
)

// --- Arbitration rounds ---

// PutRound persists an arbitration round with all its votes. The round must
// be durable before the resolution attempt that references it is committed.
func (s *Store) PutRound(round *model.ArbitrationRound) error {
	if err := round.Validate(); err != nil {
		return err
	}
	round.SchemaVersion = yamlutil.CurrentSchemaVersion
	round.FileType = model.RoundFileType
	if round.CreatedAt == "" {
		round.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := os.MkdirAll(s.roundDir(round.TaskID), 0755); err != nil {
		return fmt.Errorf("create rounds dir: %w", err)
	}
	if err := yamlutil.AtomicWrite(s.roundPath(round.TaskID, round.ID), round); err != nil {
		return fmt.Errorf("write round %s: %w", round.ID, err)
	}
	s.log(LogLevelInfo, "round written task=%s round=%s method=%s outcome=%s",
		round.TaskID, round.ID, round.Method, round.Outcome.Kind)
	return nil
}

func (s *Store) GetRound(taskID, roundID string) (*model.ArbitrationRound, error) {
	var round model.ArbitrationRound
	if err := yamlutil.ReadInto(s.roundPath(taskID, roundID), &round, model.RoundFileType); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("task %s round %s: %w", taskID, roundID, ErrRoundNotFound)
		}
		return nil, err
	}
	return &round, nil
}

// ListRounds returns a task's arbitration rounds ordered by creation time.
func (s *Store) ListRounds(taskID string) ([]*model.ArbitrationRound, error) {
	entries, err := os.ReadDir(s.roundDir(taskID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rounds dir for %s: %w", taskID, err)
	}

	var rounds []*model.ArbitrationRound
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yaml.bak") {
			continue
		}
		round, err := s.GetRound(taskID, strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			s.log(LogLevelWarn, "skipping unreadable round %s/%s: %v", taskID, name, err)
			continue
		}
		rounds = append(rounds, round)
	}
	sort.Slice(rounds, func(i, j int) bool {
		if rounds[i].CreatedAt != rounds[j].CreatedAt {
			return rounds[i].CreatedAt < rounds[j].CreatedAt
		}
		return rounds[i].ID < rounds[j].ID
	})
	return rounds, nil
}

// ResolveRound commits the deterministic resolution of a durable round as
// the next attempt: accept for a winner, request_human otherwise, with the
// same exchange records either way. The coordinator calls it after a round
// completes; recovery replays it for rounds whose resolution never landed.
func (s *Store) ResolveRound(task *model.Task, round *model.ArbitrationRound, opening *model.AttemptRecord) (*model.AttemptRecord, error) {
	attempt := round.Attempt + 1
	now := time.Now().UTC().Format(time.RFC3339)

	rec := &model.AttemptRecord{
		TaskID:      task.ID,
		SessionID:   task.SessionID,
		Attempt:     attempt,
		Tier:        round.Tier,
		RoundID:     round.ID,
		CommittedAt: now,
	}

	if winner := round.Winner(); winner != nil {
		rec.Report = winner.Report
		if winner.Report != nil {
			rec.Fingerprints = winner.Report.FingerprintSet(s.config.Escalation.FingerprintPolicy)
		}
		rec.Decision = model.Decision{
			Kind:    model.DecisionAccept,
			TaskID:  task.ID,
			Attempt: attempt,
			Reason:  round.Outcome.Reason,
		}
	} else {
		rec.Decision = model.Decision{
			Kind:    model.DecisionRequestHuman,
			TaskID:  task.ID,
			Attempt: attempt,
			Reason:  round.Outcome.Reason,
		}
	}

	if err := s.CommitAttempt(rec); err != nil {
		return nil, err
	}

	if rec.Decision.Kind == model.DecisionRequestHuman {
		history, _ := s.History(task.ID)
		req := &model.HumanRequest{
			TaskID:      task.ID,
			SessionID:   task.SessionID,
			Reason:      rec.Decision.Reason,
			LastReport:  opening.Report,
			FullHistory: history,
		}
		if err := s.WriteHumanRequest(req); err != nil {
			s.log(LogLevelError, "write human request for %s: %v", task.ID, err)
		}
	}

	ev := &model.DecisionEvent{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Attempt:   attempt,
		Tier:      round.Tier,
		Kind:      rec.Decision.Kind,
		Reason:    rec.Decision.Reason,
	}
	if rec.Report != nil {
		ev.Summary = rec.Report.Summary()
	}
	if err := s.WriteDecisionEvent(ev); err != nil {
		s.log(LogLevelError, "write decision event for %s: %v", task.ID, err)
	}
	return rec, nil
}

// --- Daemon exchange records ---

// WriteHumanRequest drops the ticketing handoff payload under human/.
func (s *Store) WriteHumanRequest(req *model.HumanRequest) error {
	req.SchemaVersion = yamlutil.CurrentSchemaVersion
	req.FileType = model.HumanRequestFileType
	if req.RequestedAt == "" {
		req.RequestedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := os.MkdirAll(s.HumanDir(), 0755); err != nil {
		return fmt.Errorf("create human dir: %w", err)
	}
	path := filepath.Join(s.HumanDir(), req.TaskID+".yaml")
	if err := yamlutil.AtomicWrite(path, req); err != nil {
		return fmt.Errorf("write human request %s: %w", req.TaskID, err)
	}
	s.log(LogLevelInfo, "human request written task=%s reason=%q", req.TaskID, req.Reason)
	return nil
}

// WriteDeadLetter archives a task that left the loop without resolution.
func (s *Store) WriteDeadLetter(dl *model.DeadLetter) error {
	dl.SchemaVersion = yamlutil.CurrentSchemaVersion
	dl.FileType = model.DeadLetterFileType
	if dl.ArchivedAt == "" {
		dl.ArchivedAt = time.Now().UTC().Format(time.RFC3339)
	}
	dir := filepath.Join(s.quorumDir, "dead_letters")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dead_letters dir: %w", err)
	}
	path := filepath.Join(dir, dl.Task.ID+".yaml")
	if err := yamlutil.AtomicWrite(path, dl); err != nil {
		return fmt.Errorf("write dead letter %s: %w", dl.Task.ID, err)
	}
	s.log(LogLevelWarn, "dead letter written task=%s reason=%q", dl.Task.ID, dl.Reason)
	return nil
}

// WriteDecisionEvent emits the outbox form of a committed decision.
func (s *Store) WriteDecisionEvent(ev *model.DecisionEvent) error {
	ev.SchemaVersion = yamlutil.CurrentSchemaVersion
	ev.FileType = model.DecisionEventFileType
	if ev.EmittedAt == "" {
		ev.EmittedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := os.MkdirAll(s.OutboxDir(), 0755); err != nil {
		return fmt.Errorf("create outbox dir: %w", err)
	}
	path := filepath.Join(s.OutboxDir(), fmt.Sprintf("%s_attempt_%04d.yaml", ev.TaskID, ev.Attempt))
	if err := yamlutil.AtomicWrite(path, ev); err != nil {
		return fmt.Errorf("write decision event %s/%d: %w", ev.TaskID, ev.Attempt, err)
	}
	return nil
}

// --- Metrics ---

// LoadMetrics reads the fleet metrics snapshot. A missing file yields a zero
// snapshot, not an error.
func (s *Store) LoadMetrics() (*model.Metrics, error) {
	var m model.Metrics
	err := yamlutil.ReadInto(s.metricsPath(), &m, model.MetricsFileType)
	if errors.Is(err, os.ErrNotExist) {
		return emptyMetrics(), nil
	}
	if err != nil {
		return nil, err
	}
	if m.TasksByStatus == nil {
		m.TasksByStatus = make(map[string]int)
	}
	return &m, nil
}

// UpdateMetrics applies a mutation to the metrics snapshot under the store's
// metrics lock and writes it back atomically.
func (s *Store) UpdateMetrics(apply func(*model.Metrics)) error {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()

	m, err := s.LoadMetrics()
	if err != nil {
		return err
	}
	apply(m)

	m.SchemaVersion = yamlutil.CurrentSchemaVersion
	m.FileType = model.MetricsFileType
	now := time.Now().UTC().Format(time.RFC3339)
	m.UpdatedAt = &now

	if err := yamlutil.AtomicWrite(s.metricsPath(), m); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

func emptyMetrics() *model.Metrics {
	return &model.Metrics{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      model.MetricsFileType,
		TasksByStatus: make(map[string]int),
	}
}
