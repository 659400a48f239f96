// Package escalate turns each verified attempt into a decision: accept,
// retry, escalate a tier, convene arbitration, or hand the task to a human.
// The rules are deterministic functions of the report and the task's
// committed history; no model is consulted here.
package escalate

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/quorum/internal/model"
	"github.com/msageha/quorum/internal/router"
	"github.com/msageha/quorum/internal/store"
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

// Engine evaluates the escalation rules and commits the resulting decision
// through the store. The router contributes target tiers only; whether to
// escalate is decided here.
type Engine struct {
	config   model.Config
	router   *router.Router
	store    *store.Store
	logger   *log.Logger
	logFile  io.Closer
	logLevel LogLevel
}

// New creates an Engine that logs to .quorum/logs/escalate.log.
func New(st *store.Store, cfg model.Config, rtr *router.Router) (*Engine, error) {
	if err := os.MkdirAll(filepath.Join(st.Root(), "logs"), 0755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	logPath := filepath.Join(st.Root(), "logs", "escalate.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}
	return newEngine(st, cfg, rtr, logFile, logFile), nil
}

// newEngine is the internal constructor that accepts an io.Writer for testing.
func newEngine(st *store.Store, cfg model.Config, rtr *router.Router, w io.Writer, closer io.Closer) *Engine {
	cfg.ApplyDefaults()
	return &Engine{
		config:   cfg,
		router:   rtr,
		store:    st,
		logger:   log.New(w, "", 0),
		logFile:  closer,
		logLevel: parseLogLevel(cfg.Logging.Level),
	}
}

// Close releases the log file.
func (e *Engine) Close() error {
	if e.logFile != nil {
		return e.logFile.Close()
	}
	return nil
}

// Decide evaluates the rules in priority order for the attempt that just ran.
// The report belongs to attempt task.Attempt+1 at task.Tier; history holds
// the attempts committed before it. The first matching rule wins:
//
//  1. all stages green: accept
//  2. fingerprint set unchanged from the previous attempt at this tier:
//     escalate, at any attempt count
//  3. attempt ceiling at this tier exhausted: escalate
//  4. blast radius over the file ceiling: escalate straight to the top tier
//  5. rule 2 or 3 at the top tier: arbitrate instead, or request a human when
//     a round was already tried at this depth
//  6. otherwise: retry, at the tier the router recommends
func (e *Engine) Decide(task *model.Task, history model.History, report *model.VerificationReport) model.Decision {
	dec := model.Decision{
		TaskID:  task.ID,
		Attempt: task.Attempt + 1,
		Tier:    task.Tier,
	}

	if report.AllGreen {
		dec.Kind = model.DecisionAccept
		dec.Reason = fmt.Sprintf("all %d stages passed", len(report.Stages))
		return dec
	}

	rec := e.router.Classify(report, router.Metadata{
		Description: task.Description,
		Constraints: task.Constraints,
	})
	fingerprints := report.FingerprintSet(e.config.Escalation.FingerprintPolicy)

	// Identical fingerprints on consecutive attempts at one tier mean the
	// tier is not making progress, regardless of how many attempts remain.
	var cause string
	if last := history.Last(); last != nil && last.Tier == task.Tier && model.SameFingerprints(last.Fingerprints, fingerprints) {
		cause = fmt.Sprintf("fingerprint set unchanged from attempt %d", last.Attempt)
	}

	attemptsHere := history.AttemptsAt(task.Tier) + 1
	if cause == "" && attemptsHere > e.config.Escalation.AttemptCeiling {
		cause = fmt.Sprintf("%s attempt ceiling exhausted (%d attempts, ceiling %d)",
			task.Tier, attemptsHere, e.config.Escalation.AttemptCeiling)
	}

	if cause != "" {
		return e.raiseOrArbitrate(task, history, rec, dec, cause)
	}

	// A wide blast radius skips the ladder. At the top tier there is nowhere
	// to go, so the task keeps retrying until rule 2 or 3 convenes a round.
	if files := len(report.Files()); files > e.config.Escalation.FileCeiling && task.Tier != model.TopTier() {
		dec.Kind = model.DecisionEscalate
		dec.Tier = model.TopTier()
		dec.Reason = fmt.Sprintf("%d files touched (ceiling %d)", files, e.config.Escalation.FileCeiling)
		return dec
	}

	dec.Kind = model.DecisionRetry
	dec.Tier = model.MaxTier(task.Tier, rec.Tier)
	if dec.Tier != task.Tier {
		dec.Reason = fmt.Sprintf("rerouted to %s: %s", dec.Tier, rec.Reason)
	} else {
		dec.Reason = fmt.Sprintf("retrying at %s (attempt %d, ceiling %d)",
			task.Tier, attemptsHere, e.config.Escalation.AttemptCeiling)
	}
	return dec
}

// raiseOrArbitrate resolves a rule 2 or rule 3 trigger. Below the top tier
// the task moves up, no lower than the next tier even when the router
// recommends the current one. At the top tier the trigger convenes
// arbitration, once per depth.
func (e *Engine) raiseOrArbitrate(task *model.Task, history model.History, rec router.Recommendation, dec model.Decision, cause string) model.Decision {
	if next, ok := task.Tier.Next(); ok {
		dec.Kind = model.DecisionEscalate
		dec.Tier = model.MaxTier(next, rec.Tier)
		dec.Reason = cause
		return dec
	}

	if history.ArbitratedAt(task.Tier) {
		dec.Kind = model.DecisionRequestHuman
		dec.Reason = fmt.Sprintf("arbitration already attempted at %s: %s", task.Tier, cause)
		return dec
	}

	dec.Kind = model.DecisionArbitrate
	dec.TierSet = e.config.ArbitrationTierSet()
	dec.Reason = fmt.Sprintf("top tier %s cannot escalate: %s", task.Tier, cause)
	return dec
}

// Commit runs Decide and durably writes the attempt record carrying the
// report, its fingerprints, and the decision in one atomic commit. The task
// record is folded as part of the commit; nothing is visible on error.
func (e *Engine) Commit(task *model.Task, report *model.VerificationReport) (*model.AttemptRecord, error) {
	history, err := e.store.History(task.ID)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", task.ID, err)
	}

	dec := e.Decide(task, history, report)
	rec := &model.AttemptRecord{
		TaskID:       task.ID,
		SessionID:    task.SessionID,
		Attempt:      dec.Attempt,
		Tier:         task.Tier,
		Report:       report,
		Decision:     dec,
		Fingerprints: report.FingerprintSet(e.config.Escalation.FingerprintPolicy),
		CommittedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if dec.Kind == model.DecisionArbitrate {
		// The opening record mints the round id, so a crash between this
		// commit and the round file still leaves enough to re-convene.
		id, err := model.GenerateID(model.IDTypeRound)
		if err != nil {
			return nil, fmt.Errorf("mint round id: %w", err)
		}
		rec.RoundID = id
	}
	if err := e.store.CommitAttempt(rec); err != nil {
		return nil, fmt.Errorf("commit attempt %d for %s: %w", rec.Attempt, task.ID, err)
	}

	e.log(LogLevelInfo, "decision task=%s attempt=%d tier=%s kind=%s reason=%q",
		task.ID, rec.Attempt, rec.Tier, dec.Kind, dec.Reason)
	return rec, nil
}

func (e *Engine) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel {
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
	e.logger.Printf("%s %s escalate: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
