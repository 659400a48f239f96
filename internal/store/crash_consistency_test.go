package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/quorum/internal/model"
	yamlutil "github.com/msageha/quorum/internal/yaml"
)

// CrashPoint marks a step of the commit protocol after which a simulated
// crash stops the run.
type CrashPoint int

const (
	CrashPointNone CrashPoint = iota
	CrashPointAfterBeginMarker
	CrashPointAfterAttemptWrite
)

// CrashSimulator aborts a simulated protocol run at a configured point.
type CrashSimulator struct {
	mu           sync.Mutex
	crashPoint   CrashPoint
	shouldCrash  atomic.Bool
	crashCounter atomic.Int32
}

func NewCrashSimulator() *CrashSimulator {
	return &CrashSimulator{crashPoint: CrashPointNone}
}

func (cs *CrashSimulator) SetCrashPoint(point CrashPoint) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.crashPoint = point
	cs.shouldCrash.Store(true)
}

func (cs *CrashSimulator) CheckCrash(point CrashPoint) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.shouldCrash.Load() && cs.crashPoint == point {
		cs.crashCounter.Add(1)
		cs.shouldCrash.Store(false) // Only crash once
		return fmt.Errorf("simulated crash at %v", point)
	}
	return nil
}

// StateVerifier checks the invariants the record tree must hold in every
// crash window: no torn writes, every record parses, and no task record is
// ahead of its attempt log (a phantom decision).
type StateVerifier struct {
	quorumDir string
}

func NewStateVerifier(quorumDir string) *StateVerifier {
	return &StateVerifier{quorumDir: quorumDir}
}

func (sv *StateVerifier) VerifyConsistency(t *testing.T) {
	t.Helper()
	sv.verifyNoTempFiles(t)
	sv.verifyRecordsParse(t)
	sv.verifyNoPhantomDecisions(t)
}

func (sv *StateVerifier) verifyNoTempFiles(t *testing.T) {
	t.Helper()
	_ = filepath.WalkDir(sv.quorumDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".quorum-tmp-") {
			t.Errorf("found incomplete write (temp file): %s", path)
		}
		return nil
	})
}

func (sv *StateVerifier) verifyRecordsParse(t *testing.T) {
	t.Helper()
	for _, sub := range []string{"sessions", "attempts", "rounds"} {
		_ = filepath.WalkDir(filepath.Join(sv.quorumDir, sub), func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".yaml") {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Errorf("failed to read record %s: %v", path, err)
				return nil
			}
			var content any
			if err := yamlv3.Unmarshal(data, &content); err != nil {
				t.Errorf("invalid YAML in record %s: %v", path, err)
			}
			return nil
		})
	}
}

// verifyNoPhantomDecisions asserts that no task record reflects an attempt
// number beyond its committed attempt log. A decision must never be visible
// without the attempt record that carries it.
func (sv *StateVerifier) verifyNoPhantomDecisions(t *testing.T) {
	t.Helper()
	taskPaths, _ := filepath.Glob(filepath.Join(sv.quorumDir, "sessions", "*", "tasks", "*.yaml"))
	for _, path := range taskPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var task model.Task
		if err := yamlv3.Unmarshal(data, &task); err != nil {
			continue
		}
		committed := sv.maxCommittedAttempt(task.ID)
		if task.Attempt > committed {
			t.Errorf("phantom decision: task %s at attempt %d but only %d attempts committed",
				task.ID, task.Attempt, committed)
		}
	}
}

func (sv *StateVerifier) maxCommittedAttempt(taskID string) int {
	entries, err := os.ReadDir(filepath.Join(sv.quorumDir, "attempts", taskID))
	if err != nil {
		return 0
	}
	max := 0
	for _, entry := range entries {
		m := attemptFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		if n > max {
			max = n
		}
	}
	return max
}

// simulateAttemptCycle runs the commit protocol step by step so a scenario
// can stop it mid-way, the way a process crash would.
func simulateAttemptCycle(st *Store, task *model.Task, rec *model.AttemptRecord, crashSim *CrashSimulator) error {
	if err := st.BeginAttempt(task, rec.Attempt, rec.Tier); err != nil {
		return err
	}
	if err := crashSim.CheckCrash(CrashPointAfterBeginMarker); err != nil {
		return err
	}

	rec.SchemaVersion = yamlutil.CurrentSchemaVersion
	rec.FileType = model.AttemptFileType
	content, err := yamlv3.Marshal(rec)
	if err != nil {
		return err
	}
	if err := yamlutil.AtomicWriteRaw(st.attemptPath(rec.TaskID, rec.Attempt), content); err != nil {
		return err
	}
	if err := crashSim.CheckCrash(CrashPointAfterAttemptWrite); err != nil {
		return err
	}

	return st.CommitAttempt(rec)
}

func repairPatterns(repairs []Repair) map[string]int {
	counts := make(map[string]int)
	for _, r := range repairs {
		counts[r.Pattern]++
	}
	return counts
}

func TestPartialFailureWindow_AttemptCommit(t *testing.T) {
	scenarios := []struct {
		name          string
		crashPoint    CrashPoint
		afterCrash    func(t *testing.T, st *Store, task *model.Task)
		afterRecovery func(t *testing.T, st *Store, task *model.Task, repairs []Repair)
	}{
		{
			name:       "no_crash",
			crashPoint: CrashPointNone,
			afterCrash: func(t *testing.T, st *Store, task *model.Task) {
				got, err := st.GetTask(task.SessionID, task.ID)
				require.NoError(t, err)
				assert.Equal(t, 1, got.Attempt)
				assert.Equal(t, model.StatusInProgress, got.Status)
			},
			afterRecovery: func(t *testing.T, st *Store, task *model.Task, repairs []Repair) {
				assert.Empty(t, repairs, "clean run must need no repairs")
			},
		},
		{
			name:       "crash_after_begin_marker",
			crashPoint: CrashPointAfterBeginMarker,
			afterCrash: func(t *testing.T, st *Store, task *model.Task) {
				// The attempt died in flight: marker journaled, nothing
				// committed, task untouched.
				_, err := os.Stat(st.beginMarkerPath(task.ID, 1))
				require.NoError(t, err)
				_, err = os.Stat(st.attemptPath(task.ID, 1))
				assert.True(t, os.IsNotExist(err))

				got, err := st.GetTask(task.SessionID, task.ID)
				require.NoError(t, err)
				assert.Equal(t, 0, got.Attempt)
				assert.Equal(t, model.StatusPending, got.Status)
			},
			afterRecovery: func(t *testing.T, st *Store, task *model.Task, repairs []Repair) {
				patterns := repairPatterns(repairs)
				assert.Equal(t, 1, patterns["begin_marker"])

				_, err := os.Stat(st.beginMarkerPath(task.ID, 1))
				assert.True(t, os.IsNotExist(err), "voided marker must be removed")

				// Task stays at its last durable state; the next cycle
				// re-runs attempt 1.
				got, err := st.GetTask(task.SessionID, task.ID)
				require.NoError(t, err)
				assert.Equal(t, 0, got.Attempt)
				assert.Equal(t, model.StatusPending, got.Status)
			},
		},
		{
			name:       "crash_after_attempt_write",
			crashPoint: CrashPointAfterAttemptWrite,
			afterCrash: func(t *testing.T, st *Store, task *model.Task) {
				// The attempt record is durable but the fold never ran.
				_, err := st.GetAttempt(task.ID, 1)
				require.NoError(t, err)

				got, err := st.GetTask(task.SessionID, task.ID)
				require.NoError(t, err)
				assert.Equal(t, 0, got.Attempt, "fold must not have run yet")
			},
			afterRecovery: func(t *testing.T, st *Store, task *model.Task, repairs []Repair) {
				patterns := repairPatterns(repairs)
				assert.Equal(t, 1, patterns["replay_fold"], "committed attempt must be replayed")
				assert.Equal(t, 1, patterns["begin_marker"])

				got, err := st.GetTask(task.SessionID, task.ID)
				require.NoError(t, err)
				assert.Equal(t, 1, got.Attempt)
				assert.Equal(t, model.StatusInProgress, got.Status)
			},
		},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.name, func(t *testing.T) {
			st := newTestStore(t)
			verifier := NewStateVerifier(st.Root())
			crashSim := NewCrashSimulator()
			task := seedTask(t, st, model.TierFast)

			crashSim.SetCrashPoint(scenario.crashPoint)
			rec := newAttempt(task, 1, model.TierFast,
				model.Decision{Kind: model.DecisionRetry, Tier: model.TierFast},
				redReport(model.CategoryTypeMismatch, "src/lib.rs"))
			if err := simulateAttemptCycle(st, task, rec, crashSim); err != nil {
				t.Logf("crash simulated: %v", err)
			}

			scenario.afterCrash(t, st, task)
			verifier.VerifyConsistency(t)

			repairs := st.Recover()
			scenario.afterRecovery(t, st, task, repairs)
			verifier.VerifyConsistency(t)

			// Recovery is idempotent: a second pass finds nothing.
			assert.Empty(t, st.Recover())
		})
	}
}

func TestDataConsistency_AfterCrash(t *testing.T) {
	t.Run("incomplete_atomic_write", func(t *testing.T) {
		st := newTestStore(t)
		verifier := NewStateVerifier(st.Root())
		task := seedTask(t, st, model.TierFast)

		// A crash mid-write leaves temp files; the rename never happened so
		// the target records are intact.
		tmpA := filepath.Join(st.Root(), "sessions", task.SessionID, "tasks", ".quorum-tmp-123.yaml")
		tmpB := filepath.Join(st.attemptDir(task.ID), ".quorum-tmp-456.yaml")
		require.NoError(t, os.MkdirAll(filepath.Dir(tmpB), 0755))
		require.NoError(t, os.WriteFile(tmpA, []byte("partial: [wri"), 0644))
		require.NoError(t, os.WriteFile(tmpB, []byte("partial: [wri"), 0644))

		repairs := st.Recover()
		assert.Equal(t, 2, repairPatterns(repairs)["tmp_cleanup"])
		verifier.VerifyConsistency(t)

		got, err := st.GetTask(task.SessionID, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
	})

	t.Run("corrupt_task_record_restored_from_backup", func(t *testing.T) {
		st := newTestStore(t)
		verifier := NewStateVerifier(st.Root())
		task := seedTask(t, st, model.TierFast)

		require.NoError(t, st.CommitAttempt(newAttempt(task, 1, model.TierFast,
			model.Decision{Kind: model.DecisionRetry, Tier: model.TierFast},
			redReport(model.CategoryTypeMismatch, "src/lib.rs"))))
		require.NoError(t, st.CommitAttempt(newAttempt(task, 2, model.TierFast,
			model.Decision{Kind: model.DecisionEscalate, Tier: model.TierReasoning, Reason: "repeated error"},
			redReport(model.CategoryTypeMismatch, "src/lib.rs"))))

		taskPath := st.taskPath(task.SessionID, task.ID)
		require.NoError(t, os.WriteFile(taskPath, []byte("id: [unclosed\n\t:::"), 0644))

		repairs := st.Recover()
		patterns := repairPatterns(repairs)
		assert.Equal(t, 1, patterns["corrupt_record"])

		// The backup holds the attempt-1 fold; replay brings it to attempt 2.
		got, err := st.GetTask(task.SessionID, task.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Attempt)
		assert.Equal(t, model.StatusEscalated, got.Status)
		assert.Equal(t, model.TierReasoning, got.Tier)
		assert.Equal(t, task.Description, got.Description, "backup restore keeps the description")

		quarantined, _ := filepath.Glob(filepath.Join(st.Root(), "quarantine", "*"))
		assert.NotEmpty(t, quarantined, "corrupt file must be preserved for forensics")

		verifier.VerifyConsistency(t)
		assert.Empty(t, st.Recover())
	})

	t.Run("task_record_rebuilt_from_attempt_log", func(t *testing.T) {
		st := newTestStore(t)
		verifier := NewStateVerifier(st.Root())
		task := seedTask(t, st, model.TierFast)

		require.NoError(t, st.CommitAttempt(newAttempt(task, 1, model.TierFast,
			model.Decision{Kind: model.DecisionRetry, Tier: model.TierFast},
			redReport(model.CategoryTypeMismatch, "src/lib.rs"))))
		require.NoError(t, st.CommitAttempt(newAttempt(task, 2, model.TierFast,
			model.Decision{Kind: model.DecisionEscalate, Tier: model.TierReasoning, Reason: "repeated error"},
			redReport(model.CategoryTypeMismatch, "src/lib.rs"))))

		// Task record and backup both lost; the attempt log is authoritative.
		taskPath := st.taskPath(task.SessionID, task.ID)
		require.NoError(t, os.Remove(taskPath))
		_ = os.Remove(taskPath + ".bak")

		repairs := st.Recover()
		assert.GreaterOrEqual(t, repairPatterns(repairs)["replay_fold"], 1)

		got, err := st.GetTask(task.SessionID, task.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Attempt)
		assert.Equal(t, model.StatusEscalated, got.Status)
		assert.Equal(t, model.TierReasoning, got.Tier)
		assert.Empty(t, got.Description, "free-form description is not in the attempt log")

		verifier.VerifyConsistency(t)
		assert.Empty(t, st.Recover())
	})
}

func TestRecovery_OpenRound(t *testing.T) {
	openArbitration := func(t *testing.T, st *Store, task *model.Task, outcome model.RoundOutcome, votes []model.Vote) *model.ArbitrationRound {
		t.Helper()
		require.NoError(t, st.CommitAttempt(newAttempt(task, 1, model.TierCloud,
			model.Decision{
				Kind:    model.DecisionArbitrate,
				TierSet: []model.Tier{model.TierReasoning, model.TierCloud},
				Reason:  "ceiling exhausted at top tier",
			},
			redReport(model.CategoryTraitBound, "src/main.rs"))))

		round := &model.ArbitrationRound{
			ID:      "round_0000000001_0000cafe",
			TaskID:  task.ID,
			Attempt: 1,
			Tier:    model.TierCloud,
			TierSet: []model.Tier{model.TierReasoning, model.TierCloud},
			Method:  model.VotingMajority,
			Votes:   votes,
			Outcome: outcome,
		}
		require.NoError(t, st.PutRound(round))
		return round
	}

	t.Run("winner_replayed_as_accept", func(t *testing.T) {
		st := newTestStore(t)
		verifier := NewStateVerifier(st.Root())
		task := seedTask(t, st, model.TierCloud)

		votes := []model.Vote{
			{Tier: model.TierReasoning, Payload: "patch-a", Confidence: 0.7, Report: greenReport(), Verified: true},
			{Tier: model.TierCloud, Payload: "patch-a", Confidence: 0.9, Report: greenReport(), Verified: true},
		}
		round := openArbitration(t, st, task,
			model.RoundOutcome{Kind: model.OutcomeWinner, WinnerTier: model.TierCloud, WinnerVote: 1, Reason: "majority 2/2"},
			votes)

		// Crash here: round durable, resolution never committed.
		repairs := st.Recover()
		assert.Equal(t, 1, repairPatterns(repairs)["round_resolution"])

		rec, err := st.GetAttempt(task.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, model.DecisionAccept, rec.Decision.Kind)
		assert.Equal(t, round.ID, rec.RoundID)

		got, err := st.GetTask(task.SessionID, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusResolved, got.Status)
		require.NotNil(t, got.AcceptedPayload)
		assert.Equal(t, "patch-a", *got.AcceptedPayload)

		eventPath := filepath.Join(st.OutboxDir(), task.ID+"_attempt_0002.yaml")
		_, err = os.Stat(eventPath)
		assert.NoError(t, err, "resolution must emit the decision event")

		verifier.VerifyConsistency(t)
		assert.Empty(t, st.Recover())
	})

	t.Run("no_quorum_replayed_as_human", func(t *testing.T) {
		st := newTestStore(t)
		verifier := NewStateVerifier(st.Root())
		task := seedTask(t, st, model.TierCloud)

		votes := []model.Vote{
			{Tier: model.TierReasoning, Excluded: "verification failed", Report: redReport(model.CategoryTraitBound, "src/main.rs")},
			{Tier: model.TierCloud, Excluded: "invocation timed out"},
		}
		openArbitration(t, st, task,
			model.RoundOutcome{Kind: model.OutcomeHuman, WinnerVote: -1, Reason: "fewer than two verifiable candidates"},
			votes)

		repairs := st.Recover()
		assert.Equal(t, 1, repairPatterns(repairs)["round_resolution"])

		rec, err := st.GetAttempt(task.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, model.DecisionRequestHuman, rec.Decision.Kind)

		got, err := st.GetTask(task.SessionID, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusAwaitingHuman, got.Status)

		var req model.HumanRequest
		reqPath := filepath.Join(st.HumanDir(), task.ID+".yaml")
		require.NoError(t, yamlutil.ReadInto(reqPath, &req, model.HumanRequestFileType))
		assert.Equal(t, "fewer than two verifiable candidates", req.Reason)
		assert.Len(t, req.FullHistory, 2)

		verifier.VerifyConsistency(t)
		assert.Empty(t, st.Recover())
	})
}

func TestRecoveryIdempotency(t *testing.T) {
	st := newTestStore(t)
	verifier := NewStateVerifier(st.Root())
	crashSim := NewCrashSimulator()

	// Task A: crash after the attempt write, before the fold.
	taskA := seedTask(t, st, model.TierFast)
	crashSim.SetCrashPoint(CrashPointAfterAttemptWrite)
	recA := newAttempt(taskA, 1, model.TierFast,
		model.Decision{Kind: model.DecisionRetry, Tier: model.TierFast},
		redReport(model.CategoryTypeMismatch, "src/lib.rs"))
	_ = simulateAttemptCycle(st, taskA, recA, crashSim)

	// Task B: crash right after the begin marker.
	taskB := seedTask(t, st, model.TierFast)
	crashSim.SetCrashPoint(CrashPointAfterBeginMarker)
	recB := newAttempt(taskB, 1, model.TierFast,
		model.Decision{Kind: model.DecisionRetry, Tier: model.TierFast},
		redReport(model.CategorySyntax, "src/main.rs"))
	_ = simulateAttemptCycle(st, taskB, recB, crashSim)

	// Plus a stale temp file from an unrelated torn write.
	tmpPath := filepath.Join(st.attemptDir(taskA.ID), ".quorum-tmp-789.yaml")
	require.NoError(t, os.WriteFile(tmpPath, []byte("torn"), 0644))

	first := st.Recover()
	assert.NotEmpty(t, first)
	verifier.VerifyConsistency(t)

	second := st.Recover()
	assert.Empty(t, second, "second recovery pass must find nothing")
	verifier.VerifyConsistency(t)

	gotA, err := st.GetTask(taskA.SessionID, taskA.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotA.Attempt)

	gotB, err := st.GetTask(taskB.SessionID, taskB.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, gotB.Attempt)
}

func TestConcurrentCommits_MultipleTasks(t *testing.T) {
	st := newTestStore(t)
	verifier := NewStateVerifier(st.Root())

	const workers = 8
	tasks := make([]*model.Task, workers)
	for i := range tasks {
		tasks[i] = seedTask(t, st, model.TierFast)
	}

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task := tasks[i]
			steps := []*model.AttemptRecord{
				newAttempt(task, 1, model.TierFast,
					model.Decision{Kind: model.DecisionRetry, Tier: model.TierFast},
					redReport(model.CategoryTypeMismatch, "src/lib.rs")),
				newAttempt(task, 2, model.TierFast,
					model.Decision{Kind: model.DecisionEscalate, Tier: model.TierReasoning, Reason: "repeated error"},
					redReport(model.CategoryTypeMismatch, "src/lib.rs")),
				newAttempt(task, 3, model.TierReasoning,
					model.Decision{Kind: model.DecisionAccept}, greenReport()),
			}
			for _, rec := range steps {
				if err := st.CommitAttempt(rec); err != nil {
					errs[i] = err
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	for _, task := range tasks {
		got, err := st.GetTask(task.SessionID, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusResolved, got.Status)
		assert.Equal(t, 3, got.Attempt)
	}
	verifier.VerifyConsistency(t)
	assert.Empty(t, st.Recover())
}
