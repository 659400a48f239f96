package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/msageha/quorum/internal/model"
	yamlutil "github.com/msageha/quorum/internal/yaml"
	yamlv3 "gopkg.in/yaml.v3"
)

// Repair describes a single repair action performed during recovery.
type Repair struct {
	Pattern string // "tmp_cleanup", "corrupt_record", "begin_marker", "replay_fold", "round_resolution"
	TaskID  string
	Detail  string
}

// Recover scans the record tree for crash leftovers and repairs them. Every
// pattern is check-then-act against durable state only, so running recovery
// twice finds nothing the second time. The daemon runs it once at startup
// before any cycle; the recover command runs it standalone.
func (s *Store) Recover() []Repair {
	var repairs []Repair

	repairs = append(repairs, s.recoverTmpFiles()...)
	repairs = append(repairs, s.recoverCorruptRecords()...)
	repairs = append(repairs, s.recoverBeginMarkers()...)
	repairs = append(repairs, s.recoverTaskFolds()...)
	repairs = append(repairs, s.recoverOpenRounds()...)

	if len(repairs) > 0 {
		s.log(LogLevelInfo, "recovery made %d repairs", len(repairs))
	} else {
		s.log(LogLevelDebug, "recovery found nothing to repair")
	}
	return repairs
}

// recoverTmpFiles removes atomic-write temp files orphaned by a crash
// mid-write. The rename never happened, so the target file is intact.
func (s *Store) recoverTmpFiles() []Repair {
	var repairs []Repair

	_ = filepath.WalkDir(s.quorumDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasPrefix(d.Name(), ".quorum-tmp-") {
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.log(LogLevelWarn, "remove stale temp file %s: %v", path, err)
			return nil
		}
		rel, _ := filepath.Rel(s.quorumDir, path)
		repairs = append(repairs, Repair{
			Pattern: "tmp_cleanup",
			Detail:  fmt.Sprintf("removed stale temp file %s", rel),
		})
		s.log(LogLevelInfo, "removed stale temp file %s", rel)
		return nil
	})

	return repairs
}

// recoverCorruptRecords quarantines record files that no longer parse as
// YAML. Session, task, and metrics records are restored from .bak or
// regenerated as skeletons (the task fold rebuilds task state afterwards);
// attempt records, begin markers, and rounds are restored from .bak when one
// exists and otherwise stay absent, which voids the attempt they carried.
func (s *Store) recoverCorruptRecords() []Repair {
	var repairs []Repair

	scan := func(pattern, fileType string, skeleton bool) {
		paths, err := filepath.Glob(filepath.Join(s.quorumDir, pattern))
		if err != nil {
			return
		}
		for _, path := range paths {
			if strings.HasSuffix(path, ".bak") {
				continue
			}
			content, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			var v any
			if yamlv3.Unmarshal(content, &v) == nil {
				continue
			}

			taskID := taskIDFromRecordPath(path)
			rel, _ := filepath.Rel(s.quorumDir, path)
			if skeleton {
				if err := yamlutil.RecoverCorruptedFile(s.quorumDir, path, fileType); err != nil {
					s.log(LogLevelError, "recover corrupt %s: %v", rel, err)
					continue
				}
			} else {
				if err := yamlutil.Quarantine(s.quorumDir, path); err != nil {
					s.log(LogLevelError, "quarantine corrupt %s: %v", rel, err)
					continue
				}
				if err := yamlutil.RestoreFromBackup(path); err != nil {
					s.log(LogLevelWarn, "no usable backup for %s, record dropped", rel)
				}
			}
			repairs = append(repairs, Repair{
				Pattern: "corrupt_record",
				TaskID:  taskID,
				Detail:  fmt.Sprintf("quarantined corrupt %s record %s", fileType, rel),
			})
		}
	}

	scan("sessions/*/session.yaml", "session", true)
	scan("sessions/*/tasks/*.yaml", "task", true)
	scan("metrics.yaml", "metrics", true)
	scan("attempts/*/attempt_[0-9][0-9][0-9][0-9].yaml", "attempt", false)
	scan("attempts/*/attempt_[0-9][0-9][0-9][0-9].begin.yaml", "attempt_begin", false)
	scan("rounds/*/*.yaml", "round", false)

	return repairs
}

// recoverBeginMarkers voids journal markers. A marker whose attempt record
// was committed is a leftover from a crash between commit and marker removal;
// a marker without one is an attempt that died in flight, and the task simply
// stays at its last durable state.
func (s *Store) recoverBeginMarkers() []Repair {
	var repairs []Repair

	attemptsRoot := filepath.Join(s.quorumDir, "attempts")
	taskDirs, err := os.ReadDir(attemptsRoot)
	if err != nil {
		return repairs
	}

	for _, taskDir := range taskDirs {
		if !taskDir.IsDir() {
			continue
		}
		taskID := taskDir.Name()
		entries, err := os.ReadDir(filepath.Join(attemptsRoot, taskID))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			m := beginFileRe.FindStringSubmatch(entry.Name())
			if m == nil {
				continue
			}
			attempt, _ := strconv.Atoi(m[1])
			markerPath := s.beginMarkerPath(taskID, attempt)

			_, statErr := os.Stat(s.attemptPath(taskID, attempt))
			committed := statErr == nil

			if err := os.Remove(markerPath); err != nil {
				s.log(LogLevelWarn, "remove begin marker %s: %v", entry.Name(), err)
				continue
			}
			detail := fmt.Sprintf("voided begin marker for attempt %d (no committed record)", attempt)
			if committed {
				detail = fmt.Sprintf("removed begin marker left after attempt %d committed", attempt)
			}
			repairs = append(repairs, Repair{Pattern: "begin_marker", TaskID: taskID, Detail: detail})
			s.log(LogLevelInfo, "task=%s %s", taskID, detail)
		}
	}

	return repairs
}

// recoverTaskFolds replays committed attempt records that the task record
// does not reflect yet. A crash between the attempt write and the task fold
// lands here, as does a task record lost to quarantine: the attempt log is
// authoritative, so the task is folded forward or rebuilt from scratch.
func (s *Store) recoverTaskFolds() []Repair {
	var repairs []Repair

	attemptsRoot := filepath.Join(s.quorumDir, "attempts")
	taskDirs, err := os.ReadDir(attemptsRoot)
	if err != nil {
		return repairs
	}

	for _, taskDir := range taskDirs {
		if !taskDir.IsDir() {
			continue
		}
		taskID := taskDir.Name()
		recs, err := s.ListAttempts(taskID)
		if err != nil || len(recs) == 0 {
			continue
		}
		last := recs[len(recs)-1]
		sessionID := last.SessionID

		task, err := s.GetTask(sessionID, taskID)
		if err == nil && task.Validate() == nil {
			if task.Attempt >= last.Attempt {
				continue
			}
			from := task.Attempt
			if n := s.foldForward(task, recs); n > 0 {
				repairs = append(repairs, Repair{
					Pattern: "replay_fold",
					TaskID:  taskID,
					Detail:  fmt.Sprintf("replayed attempts %d..%d into task record", from+1, task.Attempt),
				})
			}
			continue
		}

		rebuilt := s.rebuildTask(taskID, recs)
		if rebuilt == nil {
			continue
		}
		repairs = append(repairs, Repair{
			Pattern: "replay_fold",
			TaskID:  taskID,
			Detail:  fmt.Sprintf("rebuilt task record from %d committed attempts (description lost)", len(recs)),
		})
	}

	return repairs
}

// foldForward applies every attempt newer than the task record, in order.
// Returns the number of attempts folded.
func (s *Store) foldForward(task *model.Task, recs []*model.AttemptRecord) int {
	folded := 0
	for _, rec := range recs {
		if rec.Attempt <= task.Attempt {
			continue
		}
		if err := s.applyDecision(task, rec); err != nil {
			s.log(LogLevelError, "replay attempt %d for task %s: %v", rec.Attempt, task.ID, err)
			break
		}
		folded++
	}
	return folded
}

// rebuildTask reconstructs a task record from its attempt log. Identity comes
// from the first committed attempt; the free-form description is not in the
// log and stays empty.
func (s *Store) rebuildTask(taskID string, recs []*model.AttemptRecord) *model.Task {
	first := recs[0]
	if first.SessionID == "" {
		s.log(LogLevelError, "cannot rebuild task %s: attempt log has no session id", taskID)
		return nil
	}
	task := &model.Task{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      model.TaskFileType,
		ID:            taskID,
		SessionID:     first.SessionID,
		Tier:          first.Tier,
		Attempt:       0,
		Status:        model.StatusPending,
		CreatedAt:     first.CommittedAt,
		UpdatedAt:     first.CommittedAt,
	}
	if err := os.MkdirAll(filepath.Dir(s.taskPath(task.SessionID, taskID)), 0755); err != nil {
		s.log(LogLevelError, "rebuild task %s: %v", taskID, err)
		return nil
	}
	if s.foldForward(task, recs) == 0 {
		return nil
	}
	s.log(LogLevelWarn, "rebuilt task record id=%s from attempt log, description lost", taskID)
	return task
}

// recoverOpenRounds finishes arbitration rounds whose resolution never
// committed. The round record is durable and its outcome deterministic, so
// the resolution attempt is replayed exactly as the coordinator would have
// committed it: accept for a winner, request_human otherwise.
func (s *Store) recoverOpenRounds() []Repair {
	var repairs []Repair

	roundsRoot := filepath.Join(s.quorumDir, "rounds")
	taskDirs, err := os.ReadDir(roundsRoot)
	if err != nil {
		return repairs
	}

	for _, taskDir := range taskDirs {
		if !taskDir.IsDir() {
			continue
		}
		taskID := taskDir.Name()
		rounds, err := s.ListRounds(taskID)
		if err != nil {
			continue
		}
		for _, round := range rounds {
			if _, err := s.GetAttempt(taskID, round.Attempt+1); err == nil {
				continue // resolution already committed
			}
			opening, err := s.GetAttempt(taskID, round.Attempt)
			if err != nil {
				s.log(LogLevelWarn, "round %s has no opening attempt %d, skipping", round.ID, round.Attempt)
				continue
			}
			task, err := s.GetTask(opening.SessionID, taskID)
			if err != nil {
				s.log(LogLevelWarn, "round %s references unknown task: %v", round.ID, err)
				continue
			}
			if task.Attempt != round.Attempt || task.Status != model.StatusArbitrating {
				continue // superseded round, nothing to resolve
			}

			if _, err := s.ResolveRound(task, round, opening); err != nil {
				s.log(LogLevelError, "resolve round %s for task %s: %v", round.ID, taskID, err)
				continue
			}
			outcome := "request_human"
			if round.Winner() != nil {
				outcome = "accept"
			}
			repairs = append(repairs, Repair{
				Pattern: "round_resolution",
				TaskID:  taskID,
				Detail:  fmt.Sprintf("replayed %s resolution of round %s as attempt %d", outcome, round.ID, round.Attempt+1),
			})
		}
	}

	return repairs
}

// taskIDFromRecordPath extracts the owning task id from an attempts/ or
// rounds/ record path; other record paths have none.
func taskIDFromRecordPath(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	parent := filepath.Base(filepath.Dir(filepath.Dir(path)))
	if parent == "attempts" || parent == "rounds" {
		return dir
	}
	return ""
}
