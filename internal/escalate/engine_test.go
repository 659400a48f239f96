package escalate

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/quorum/internal/model"
	"github.com/msageha/quorum/internal/router"
	"github.com/msageha/quorum/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	var cfg model.Config
	cfg.ApplyDefaults()
	st, err := store.Open(t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return newEngine(st, cfg, router.New(cfg.Router), io.Discard, nil), st
}

func seedTask(t *testing.T, st *store.Store, tier model.Tier) *model.Task {
	t.Helper()
	sess, err := st.CreateSession("escalation test")
	require.NoError(t, err)
	id, err := model.GenerateID(model.IDTypeTask)
	require.NoError(t, err)
	task := &model.Task{
		ID:          id,
		SessionID:   sess.ID,
		Description: "fix type mismatch in the request parser",
		Tier:        tier,
		Status:      model.StatusPending,
		Workdir:     t.TempDir(),
	}
	require.NoError(t, st.CreateTask(task))
	return task
}

func diag(cat model.Category, file string, line int, msg string) model.Diagnostic {
	return model.Diagnostic{Category: cat, File: file, Line: line, Message: msg, Stage: "check"}
}

func red(diags ...model.Diagnostic) *model.VerificationReport {
	r := &model.VerificationReport{
		Stages: []model.StageResult{
			{Name: "fmt", Outcome: model.StageOutcomePassed, DurationMS: 40},
			{Name: "check", Outcome: model.StageOutcomeFailed, ExitCode: 101, DurationMS: 900},
		},
		Diagnostics: diags,
	}
	r.Finalize()
	return r
}

func green() *model.VerificationReport {
	r := &model.VerificationReport{
		Stages: []model.StageResult{
			{Name: "fmt", Outcome: model.StageOutcomePassed, DurationMS: 40},
			{Name: "lint", Outcome: model.StageOutcomePassed, DurationMS: 300},
			{Name: "check", Outcome: model.StageOutcomePassed, DurationMS: 800},
			{Name: "test", Outcome: model.StageOutcomePassed, DurationMS: 2100},
		},
	}
	r.Finalize()
	return r
}

func entry(attempt int, tier model.Tier, kind model.DecisionKind, fps []string) model.HistoryEntry {
	return model.HistoryEntry{
		Attempt:      attempt,
		Tier:         tier,
		Fingerprints: fps,
		Decision:     model.Decision{Kind: kind, Attempt: attempt},
	}
}

func fps(r *model.VerificationReport) []string {
	return r.FingerprintSet(model.FingerprintExact)
}

func TestDecide_AllGreenAccepts(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierFast)
	task.Attempt = 2

	dec := eng.Decide(task, nil, green())
	assert.Equal(t, model.DecisionAccept, dec.Kind)
	assert.Equal(t, 3, dec.Attempt, "decision is for the attempt that just ran")
	assert.Equal(t, task.ID, dec.TaskID)
}

func TestDecide_FirstFailureRetries(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierFast)

	dec := eng.Decide(task, nil, red(diag(model.CategorySyntax, "src/lib.rs", 3, "expected `;`")))
	assert.Equal(t, model.DecisionRetry, dec.Kind)
	assert.Equal(t, model.TierFast, dec.Tier)
	assert.Contains(t, dec.Reason, "retrying at fast")
}

func TestDecide_RouterRaisesRetryTier(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierFast)

	dec := eng.Decide(task, nil, red(diag(model.CategoryBorrowLifetime, "src/graph.rs", 88, "borrowed value does not live long enough")))
	assert.Equal(t, model.DecisionRetry, dec.Kind)
	assert.Equal(t, model.TierReasoning, dec.Tier, "ownership errors belong on a reasoning model")
	assert.Contains(t, dec.Reason, "rerouted to reasoning")
}

func TestDecide_RouterNeverLowersTier(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierReasoning)

	dec := eng.Decide(task, nil, red(diag(model.CategorySyntax, "src/lib.rs", 3, "expected `;`")))
	assert.Equal(t, model.DecisionRetry, dec.Kind)
	assert.Equal(t, model.TierReasoning, dec.Tier)
}

func TestDecide_RepeatedFingerprintsEscalate(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierFast)
	report := red(diag(model.CategoryTypeMismatch, "src/parser.rs", 42, "mismatched types"))

	task.Attempt = 1
	history := model.History{entry(1, model.TierFast, model.DecisionRetry, fps(report))}

	dec := eng.Decide(task, history, report)
	assert.Equal(t, model.DecisionEscalate, dec.Kind)
	assert.Equal(t, model.TierReasoning, dec.Tier)
	assert.Contains(t, dec.Reason, "fingerprint set unchanged from attempt 1")
}

func TestDecide_ChangedFingerprintsDoNotTriggerRepeat(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierFast)
	task.Attempt = 1
	history := model.History{entry(1, model.TierFast, model.DecisionRetry,
		fps(red(diag(model.CategoryTypeMismatch, "src/parser.rs", 42, "mismatched types"))))}

	// Different diagnostic on the next attempt means the tier is making
	// progress, even though it is still red.
	dec := eng.Decide(task, history, red(diag(model.CategoryTypeMismatch, "src/parser.rs", 97, "mismatched types in closure")))
	assert.Equal(t, model.DecisionRetry, dec.Kind)
}

func TestDecide_AttemptCeilingEscalates(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierFast)
	task.Attempt = 3
	history := model.History{
		entry(1, model.TierFast, model.DecisionRetry, fps(red(diag(model.CategorySyntax, "src/a.rs", 1, "expected `;`")))),
		entry(2, model.TierFast, model.DecisionRetry, fps(red(diag(model.CategorySyntax, "src/a.rs", 9, "unclosed delimiter")))),
		entry(3, model.TierFast, model.DecisionRetry, fps(red(diag(model.CategoryTypeMismatch, "src/b.rs", 14, "mismatched types")))),
	}

	dec := eng.Decide(task, history, red(diag(model.CategoryTypeMismatch, "src/c.rs", 30, "expected u32, found String")))
	assert.Equal(t, model.DecisionEscalate, dec.Kind)
	assert.Equal(t, model.TierReasoning, dec.Tier)
	assert.Contains(t, dec.Reason, "ceiling")
}

func TestDecide_BlastRadiusGoesDirectlyToTop(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierFast)

	diags := make([]model.Diagnostic, 12)
	for i := range diags {
		diags[i] = diag(model.CategoryTypeMismatch, fmt.Sprintf("src/mod_%02d.rs", i), 5, "mismatched types")
	}
	dec := eng.Decide(task, nil, red(diags...))
	assert.Equal(t, model.DecisionEscalate, dec.Kind)
	assert.Equal(t, model.TierCloud, dec.Tier, "wide blast radius skips the ladder")
	assert.Contains(t, dec.Reason, "12 files touched")
}

func TestDecide_BlastRadiusAtTopRetries(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierCloud)

	diags := make([]model.Diagnostic, 12)
	for i := range diags {
		diags[i] = diag(model.CategoryTypeMismatch, fmt.Sprintf("src/mod_%02d.rs", i), 5, "mismatched types")
	}
	dec := eng.Decide(task, nil, red(diags...))
	assert.Equal(t, model.DecisionRetry, dec.Kind)
	assert.Equal(t, model.TierCloud, dec.Tier)
}

func TestDecide_TopTierRepeatArbitrates(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierCloud)
	report := red(diag(model.CategoryTraitBound, "src/service.rs", 120, "the trait bound `T: Send` is not satisfied"))

	task.Attempt = 1
	history := model.History{entry(1, model.TierCloud, model.DecisionRetry, fps(report))}

	dec := eng.Decide(task, history, report)
	assert.Equal(t, model.DecisionArbitrate, dec.Kind)
	assert.Equal(t, []model.Tier{model.TierReasoning, model.TierCloud}, dec.TierSet)
	assert.Contains(t, dec.Reason, "cannot escalate")
	assert.NoError(t, dec.Validate())
}

func TestDecide_TopTierCeilingArbitrates(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierCloud)
	task.Attempt = 3
	history := model.History{
		entry(1, model.TierCloud, model.DecisionRetry, fps(red(diag(model.CategoryTraitBound, "src/a.rs", 1, "bound not satisfied")))),
		entry(2, model.TierCloud, model.DecisionRetry, fps(red(diag(model.CategoryTraitBound, "src/a.rs", 40, "bound still not satisfied")))),
		entry(3, model.TierCloud, model.DecisionRetry, fps(red(diag(model.CategoryAsyncConcurrency, "src/b.rs", 7, "future cannot be sent between threads")))),
	}

	dec := eng.Decide(task, history, red(diag(model.CategoryAsyncConcurrency, "src/c.rs", 12, "cannot be shared between threads")))
	assert.Equal(t, model.DecisionArbitrate, dec.Kind)
}

func TestDecide_SecondArbitrationRequestsHuman(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierCloud)
	report := red(diag(model.CategoryTraitBound, "src/service.rs", 120, "the trait bound `T: Send` is not satisfied"))

	task.Attempt = 2
	history := model.History{
		entry(1, model.TierCloud, model.DecisionRetry, fps(report)),
		entry(2, model.TierCloud, model.DecisionArbitrate, fps(report)),
	}

	dec := eng.Decide(task, history, report)
	assert.Equal(t, model.DecisionRequestHuman, dec.Kind)
	assert.Contains(t, dec.Reason, "arbitration already attempted at cloud")
}

func TestCommit_PersistsDecisionAtomically(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierFast)

	rec, err := eng.Commit(task, red(diag(model.CategorySyntax, "src/lib.rs", 3, "expected `;`")))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempt)
	assert.Equal(t, model.DecisionRetry, rec.Decision.Kind)
	assert.NotEmpty(t, rec.Fingerprints)

	stored, err := st.GetAttempt(task.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, rec.Decision.Kind, stored.Decision.Kind)

	got, err := st.GetTask(task.SessionID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempt, "commit folds the task record")
	assert.Equal(t, model.StatusInProgress, got.Status)
}

func TestCommit_ConflictLeavesNoDecision(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierFast)

	first, err := eng.Commit(task, red(diag(model.CategorySyntax, "src/lib.rs", 3, "expected `;`")))
	require.NoError(t, err)

	// A stale caller re-deciding attempt 1 with a different report must not
	// replace the committed record.
	stale := *task
	stale.Attempt = 0
	_, err = eng.Commit(&stale, red(diag(model.CategoryTypeMismatch, "src/other.rs", 9, "mismatched types")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrAttemptCommitted))

	history, err := st.History(task.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, first.Decision.Kind, history[0].Decision.Kind)
}

// The canonical loop: a fast model stalls on the same type error, the task
// escalates to reasoning, and the stronger model resolves it.
func TestScenario_TypeMismatchEscalationLoop(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierFast)
	stuck := red(diag(model.CategoryTypeMismatch, "src/parser.rs", 42, "mismatched types"))

	rec, err := eng.Commit(task, stuck)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionRetry, rec.Decision.Kind)

	task, err = st.GetTask(task.SessionID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierFast, task.Tier)

	rec, err = eng.Commit(task, stuck)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionEscalate, rec.Decision.Kind)
	assert.Equal(t, model.TierReasoning, rec.Decision.Tier)

	task, err = st.GetTask(task.SessionID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierReasoning, task.Tier)
	assert.Equal(t, model.StatusEscalated, task.Status)

	rec, err = eng.Commit(task, green())
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAccept, rec.Decision.Kind)

	task, err = st.GetTask(task.SessionID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, task.Status)
	assert.True(t, task.Terminal())

	history, err := st.History(task.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history.Monotonic())
	assert.Equal(t, []model.Tier{model.TierFast, model.TierFast, model.TierReasoning}, history.Tiers())
}

func TestScenario_BlastRadiusStraightToCloud(t *testing.T) {
	eng, st := newTestEngine(t)
	task := seedTask(t, st, model.TierFast)

	diags := make([]model.Diagnostic, 12)
	for i := range diags {
		diags[i] = diag(model.CategoryTypeMismatch, fmt.Sprintf("src/mod_%02d.rs", i), 5, "mismatched types")
	}
	rec, err := eng.Commit(task, red(diags...))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionEscalate, rec.Decision.Kind)
	assert.Equal(t, model.TierCloud, rec.Decision.Tier)

	task, err = st.GetTask(task.SessionID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierCloud, task.Tier)
	assert.Equal(t, model.StatusEscalated, task.Status)
}
