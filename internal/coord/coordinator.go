// Package coord drives the decision loop. The coordinator turns inbox
// submissions into tasks, runs verify-decide-commit cycles under a per-task
// advisory lock, convenes arbitration rounds when the escalation engine asks
// for them, and emits the outbox, human, and dead-letter exchanges. The
// daemon wraps one coordinator with the inbox watcher and worker pool.
package coord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/quorum/internal/ensemble"
	"github.com/msageha/quorum/internal/escalate"
	"github.com/msageha/quorum/internal/events"
	"github.com/msageha/quorum/internal/lock"
	"github.com/msageha/quorum/internal/model"
	"github.com/msageha/quorum/internal/router"
	"github.com/msageha/quorum/internal/store"
	"github.com/msageha/quorum/internal/verifier"
)

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Arbiter convenes one arbitration round. *ensemble.Arbitrator satisfies it.
type Arbiter interface {
	Arbitrate(ctx context.Context, spec ensemble.RoundSpec) (*model.ArbitrationRound, error)
}

// Cleaner disposes of a task's staged candidate workspaces once its round
// resolves. *ensemble.TreeStager satisfies it; nil skips cleanup.
type Cleaner interface {
	Cleanup(taskID string) error
}

// VerifyFunc runs the check pipeline against a working tree.
type VerifyFunc func(ctx context.Context, workdir string) (*model.VerificationReport, error)

// Coordinator runs evaluation cycles. All of its state lives in the store;
// the in-memory fields are wiring, so any number of restarts are safe.
type Coordinator struct {
	quorumDir string
	config    model.Config
	store     *store.Store
	engine    *escalate.Engine
	verify    VerifyFunc
	arbiter   Arbiter
	cleaner   Cleaner
	bus       *events.Bus
	audit     *events.AuditLogger
	locks     *lock.MutexMap
	flight    singleflight.Group
	logger    *log.Logger
	logFile   io.Closer
	logLevel  LogLevel
}

// New wires a Coordinator over an open store, logging to
// .quorum/logs/coordinator.log. The bus and audit logger are shared with the
// daemon; either may be nil for one-shot use.
func New(quorumDir string, cfg model.Config, st *store.Store, arb Arbiter, cleaner Cleaner, bus *events.Bus, audit *events.AuditLogger) (*Coordinator, error) {
	cfg.ApplyDefaults()
	eng, err := escalate.New(st, cfg, router.New(cfg.Router))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(quorumDir, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	logPath := filepath.Join(quorumDir, "logs", "coordinator.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}
	v := verifier.New(cfg.Verifier)
	return newCoordinator(quorumDir, cfg, st, eng, v.Run, arb, cleaner, bus, audit, logFile, logFile), nil
}

// newCoordinator is the internal constructor used by tests to substitute the
// verify step.
func newCoordinator(quorumDir string, cfg model.Config, st *store.Store, eng *escalate.Engine, verify VerifyFunc, arb Arbiter, cleaner Cleaner, bus *events.Bus, audit *events.AuditLogger, w io.Writer, closer io.Closer) *Coordinator {
	cfg.ApplyDefaults()
	return &Coordinator{
		quorumDir: quorumDir,
		config:    cfg,
		store:     st,
		engine:    eng,
		verify:    verify,
		arbiter:   arb,
		cleaner:   cleaner,
		bus:       bus,
		audit:     audit,
		locks:     lock.NewMutexMap(),
		logger:    log.New(w, "", 0),
		logFile:   closer,
		logLevel:  parseLogLevel(cfg.Logging.Level),
	}
}

// Close releases the coordinator's own resources. The store, bus, and audit
// logger belong to the caller.
func (c *Coordinator) Close() error {
	var firstErr error
	if c.engine != nil {
		firstErr = c.engine.Close()
	}
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RunCycle runs one evaluation cycle for a task, blocking until the per-task
// lock is free. One cycle means: journal the attempt, verify the tree,
// commit the decision, and run the arbitration round if the decision opened
// one.
func (c *Coordinator) RunCycle(ctx context.Context, taskID string) (*model.AttemptRecord, error) {
	key := "task:" + taskID
	c.locks.Lock(key)
	defer c.locks.Unlock(key)
	return c.runCycleLocked(ctx, taskID)
}

// TryRunCycle is RunCycle unless a cycle for the task is already in flight,
// in which case it reports ran=false. The rescan path uses it so a slow
// cycle is never doubled.
func (c *Coordinator) TryRunCycle(ctx context.Context, taskID string) (*model.AttemptRecord, bool, error) {
	key := "task:" + taskID
	if !c.locks.TryLock(key) {
		return nil, false, nil
	}
	defer c.locks.Unlock(key)
	rec, err := c.runCycleLocked(ctx, taskID)
	return rec, true, err
}

func (c *Coordinator) runCycleLocked(ctx context.Context, taskID string) (*model.AttemptRecord, error) {
	task, err := c.store.FindTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Terminal() {
		return nil, fmt.Errorf("task %s is %s: %w", task.ID, task.Status, store.ErrTaskTerminal)
	}

	// An arbitrating task means the opening decision committed but the round
	// never resolved; resume it instead of opening a new attempt.
	if task.Status == model.StatusArbitrating {
		opening, err := c.store.GetAttempt(task.ID, task.Attempt)
		if err != nil {
			return nil, fmt.Errorf("arbitrating task %s has no opening attempt %d: %w", task.ID, task.Attempt, err)
		}
		return c.runArbitration(ctx, task, opening)
	}

	attempt := task.Attempt + 1
	c.log(LogLevelInfo, "cycle start task=%s attempt=%d tier=%s status=%s",
		task.ID, attempt, task.Tier, task.Status)
	c.publish(events.EventAttemptStarted, map[string]interface{}{
		"task_id": task.ID, "attempt": attempt, "tier": string(task.Tier),
	})
	c.auditLog("attempt_started", map[string]interface{}{
		"task_id": task.ID, "attempt": attempt, "tier": string(task.Tier),
	})

	if err := c.store.BeginAttempt(task, attempt, task.Tier); err != nil {
		return nil, err
	}

	report, err := c.verify(ctx, task.Workdir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// A vanished working tree is an inbound-contract breach, not a
		// transient failure: the caller's handle is dead and retrying cannot
		// revive it, so the task leaves the loop as a dead letter.
		if errors.Is(err, os.ErrNotExist) {
			c.failTask(task, fmt.Sprintf("working tree unavailable: %v", err))
			return nil, fmt.Errorf("task %s failed: %w", task.ID, err)
		}
		return nil, fmt.Errorf("verify task %s: %w", task.ID, err)
	}

	rec, err := c.engine.Commit(task, report)
	if err != nil {
		return nil, err
	}
	c.afterCommit(rec)

	if rec.Decision.Kind == model.DecisionArbitrate {
		folded, err := c.store.FindTask(task.ID)
		if err != nil {
			return rec, err
		}
		return c.runArbitration(ctx, folded, rec)
	}
	return rec, nil
}

// runArbitration finishes the round an arbitrate decision opened. Every step
// re-checks durable state first, so the same call works for the live path, a
// crash before the round file landed, and a crash before the resolution.
func (c *Coordinator) runArbitration(ctx context.Context, task *model.Task, opening *model.AttemptRecord) (*model.AttemptRecord, error) {
	if rec, err := c.store.GetAttempt(task.ID, opening.Attempt+1); err == nil {
		return rec, nil // resolution already committed
	}

	round := c.findRound(task.ID, opening)
	if round == nil {
		spec := ensemble.RoundSpec{
			Task:    task,
			Attempt: opening.Attempt,
			RoundID: opening.RoundID,
			TierSet: opening.Decision.TierSet,
			Reason:  opening.Decision.Reason,
			Report:  opening.Report,
		}
		var err error
		round, err = c.arbiter.Arbitrate(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("arbitrate task %s: %w", task.ID, err)
		}
		if err := c.store.PutRound(round); err != nil {
			return nil, err
		}
	} else {
		c.log(LogLevelInfo, "resuming durable round task=%s round=%s", task.ID, round.ID)
	}

	rec, err := c.store.ResolveRound(task, round, opening)
	if err != nil {
		return nil, err
	}
	if c.cleaner != nil {
		if err := c.cleaner.Cleanup(task.ID); err != nil {
			c.log(LogLevelWarn, "staging cleanup task=%s: %v", task.ID, err)
		}
	}
	c.afterResolution(rec, round)
	return rec, nil
}

// findRound returns the durable round for the opening attempt, if one
// landed before a crash.
func (c *Coordinator) findRound(taskID string, opening *model.AttemptRecord) *model.ArbitrationRound {
	if opening.RoundID != "" {
		if round, err := c.store.GetRound(taskID, opening.RoundID); err == nil {
			return round
		}
	}
	rounds, err := c.store.ListRounds(taskID)
	if err != nil {
		return nil
	}
	for _, round := range rounds {
		if round.Attempt == opening.Attempt {
			return round
		}
	}
	return nil
}

// afterCommit emits the exchange records and events for a decision the
// escalation engine committed. Emission failures are logged, never fatal:
// the attempt record is already durable and recovery does not depend on them.
func (c *Coordinator) afterCommit(rec *model.AttemptRecord) {
	ev := &model.DecisionEvent{
		TaskID:    rec.TaskID,
		SessionID: rec.SessionID,
		Attempt:   rec.Attempt,
		Tier:      rec.Tier,
		Kind:      rec.Decision.Kind,
		Reason:    rec.Decision.Reason,
	}
	if rec.Report != nil {
		ev.Summary = rec.Report.Summary()
	}
	if err := c.store.WriteDecisionEvent(ev); err != nil {
		c.log(LogLevelError, "write decision event task=%s attempt=%d: %v", rec.TaskID, rec.Attempt, err)
	}

	if rec.Decision.Kind == model.DecisionRequestHuman {
		history, _ := c.store.History(rec.TaskID)
		req := &model.HumanRequest{
			TaskID:      rec.TaskID,
			SessionID:   rec.SessionID,
			Reason:      rec.Decision.Reason,
			LastReport:  rec.Report,
			FullHistory: history,
		}
		if err := c.store.WriteHumanRequest(req); err != nil {
			c.log(LogLevelError, "write human request task=%s: %v", rec.TaskID, err)
		}
	}

	c.publishDecision(rec)
	c.auditLog("decision_committed", map[string]interface{}{
		"task_id": rec.TaskID, "attempt": rec.Attempt, "tier": string(rec.Tier),
		"kind": string(rec.Decision.Kind), "reason": rec.Decision.Reason,
	})
	c.countDecision(rec, true)
}

// afterResolution emits events for a round resolution. The store already
// wrote the outbox event and any human request when it committed the
// resolution attempt.
func (c *Coordinator) afterResolution(rec *model.AttemptRecord, round *model.ArbitrationRound) {
	c.log(LogLevelInfo, "round resolved task=%s round=%s outcome=%s decision=%s",
		rec.TaskID, round.ID, round.Outcome.Kind, rec.Decision.Kind)
	c.publish(events.EventRoundCompleted, map[string]interface{}{
		"task_id": rec.TaskID, "round_id": round.ID,
		"outcome": string(round.Outcome.Kind), "method": string(round.Method),
	})
	c.publishDecision(rec)
	c.auditLog("round_completed", map[string]interface{}{
		"task_id": rec.TaskID, "round_id": round.ID, "attempt": rec.Attempt,
		"outcome": string(round.Outcome.Kind), "reason": round.Outcome.Reason,
	})
	c.countDecision(rec, false)
	if err := c.store.UpdateMetrics(func(m *model.Metrics) {
		m.Counters.RoundsCompleted++
	}); err != nil {
		c.log(LogLevelWarn, "update metrics: %v", err)
	}
}

// publishDecision fans a committed decision out to the bus, including the
// terminal-state events subscribers watch for.
func (c *Coordinator) publishDecision(rec *model.AttemptRecord) {
	data := map[string]interface{}{
		"task_id": rec.TaskID, "attempt": rec.Attempt, "tier": string(rec.Tier),
		"kind": string(rec.Decision.Kind), "reason": rec.Decision.Reason,
	}
	c.publish(events.EventDecisionCommitted, data)
	switch rec.Decision.Kind {
	case model.DecisionAccept:
		c.publish(events.EventTaskResolved, data)
	case model.DecisionRequestHuman:
		c.publish(events.EventHumanRequested, data)
	}
}

func (c *Coordinator) countDecision(rec *model.AttemptRecord, countCycle bool) {
	if err := c.store.UpdateMetrics(func(m *model.Metrics) {
		if countCycle {
			m.Counters.CyclesRun++
		}
		m.Counters.AttemptsCommitted++
		m.Counters.CountDecision(rec.Decision.Kind)
	}); err != nil {
		c.log(LogLevelWarn, "update metrics: %v", err)
	}
}

// failTask moves a task out of the loop as a dead letter.
func (c *Coordinator) failTask(task *model.Task, reason string) {
	if err := c.store.FailTask(task, reason); err != nil {
		c.log(LogLevelError, "fail task %s: %v", task.ID, err)
		return
	}
	c.publish(events.EventTaskFailed, map[string]interface{}{
		"task_id": task.ID, "reason": reason,
	})
	c.auditLog("task_failed", map[string]interface{}{
		"task_id": task.ID, "reason": reason,
	})
	if err := c.store.UpdateMetrics(func(m *model.Metrics) {
		m.Counters.DeadLetters++
	}); err != nil {
		c.log(LogLevelWarn, "update metrics: %v", err)
	}
}

func (c *Coordinator) publish(eventType events.EventType, data map[string]interface{}) {
	if c.bus != nil {
		c.bus.Publish(eventType, data)
	}
}

func (c *Coordinator) auditLog(eventType string, details map[string]interface{}) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Log(eventType, details); err != nil {
		c.log(LogLevelWarn, "audit log %s: %v", eventType, err)
	}
}

func (c *Coordinator) log(level LogLevel, format string, args ...any) {
	if level < c.logLevel {
		return
	}
	var levelStr string
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelInfo:
		levelStr = "INFO"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s coord: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
