// Package ensemble convenes arbitration rounds: every tier in the set
// proposes a candidate concurrently, each candidate is verified
// independently in its own staged workspace, and a voting method picks the
// winner or hands the round to a human.
package ensemble

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

	"golang.org/x/sync/errgroup"

	"github.com/msageha/quorum/internal/model"
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

// RoundSpec describes the round an arbitrate decision opened.
type RoundSpec struct {
	Task *model.Task
	// Attempt is the arbitrate attempt the round follows.
	Attempt int
	// RoundID is the id the opening decision minted; re-convening a round
	// after a crash reuses it so the attempt log and round file stay linked.
	RoundID string
	TierSet []model.Tier
	// Reason is why arbitration convened; it is shown to every tier.
	Reason string
	// Report is the failing report that triggered the round.
	Report *model.VerificationReport
}

// VerifyFunc runs the candidate gate against a staged workspace.
type VerifyFunc func(ctx context.Context, workdir string) (*model.VerificationReport, error)

// Arbitrator runs rounds. It never mutates task state; the caller commits
// the round and its resolution through the store.
type Arbitrator struct {
	config   model.Config
	invoker  Invoker
	stager   Stager
	verify   VerifyFunc
	logger   *log.Logger
	logFile  io.Closer
	logLevel LogLevel
}

// New creates an Arbitrator that logs to .quorum/logs/ensemble.log and
// screens candidates with the compile_only pipeline.
func New(quorumDir string, cfg model.Config, invoker Invoker, stager Stager) (*Arbitrator, error) {
	if err := os.MkdirAll(filepath.Join(quorumDir, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	logPath := filepath.Join(quorumDir, "logs", "ensemble.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}
	return newArbitrator(cfg, invoker, stager, nil, logFile, logFile), nil
}

// newArbitrator is the internal constructor; a nil verify falls back to the
// compile_only pipeline.
func newArbitrator(cfg model.Config, invoker Invoker, stager Stager, verify VerifyFunc, w io.Writer, closer io.Closer) *Arbitrator {
	cfg.ApplyDefaults()
	if verify == nil {
		v := verifier.New(model.VerifierConfig{
			Profile:         "compile_only",
			StageTimeoutSec: cfg.Verifier.StageTimeoutSec,
			OutputMaxBytes:  cfg.Verifier.OutputMaxBytes,
		})
		verify = v.Run
	}
	return &Arbitrator{
		config:   cfg,
		invoker:  invoker,
		stager:   stager,
		verify:   verify,
		logger:   log.New(w, "", 0),
		logFile:  closer,
		logLevel: parseLogLevel(cfg.Logging.Level),
	}
}

// Close releases the log file.
func (a *Arbitrator) Close() error {
	if a.logFile != nil {
		return a.logFile.Close()
	}
	return nil
}

// Arbitrate runs one round end to end: concurrent invocation, independent
// verification, then voting. Failed candidates become excluded votes and
// never fail the round; the error return covers invariant violations only.
func (a *Arbitrator) Arbitrate(ctx context.Context, spec RoundSpec) (*model.ArbitrationRound, error) {
	if spec.Task == nil {
		return nil, errors.New("round spec missing task")
	}
	if len(spec.TierSet) < 2 {
		return nil, fmt.Errorf("arbitration needs a tier set of >= 2, got %d", len(spec.TierSet))
	}

	id := spec.RoundID
	if id == "" {
		var err error
		if id, err = model.GenerateID(model.IDTypeRound); err != nil {
			return nil, fmt.Errorf("mint round id: %w", err)
		}
	}
	round := &model.ArbitrationRound{
		ID:        id,
		TaskID:    spec.Task.ID,
		Attempt:   spec.Attempt,
		Tier:      spec.Task.Tier,
		TierSet:   spec.TierSet,
		Method:    a.config.VotingMethodAt(spec.Task.Tier),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	a.log(LogLevelInfo, "round start id=%s task=%s method=%s tier_set=%v",
		round.ID, round.TaskID, round.Method, round.TierSet)

	round.Votes = a.collectVotes(ctx, spec)
	round.Outcome = a.tally(ctx, round, spec)

	a.log(LogLevelInfo, "round done id=%s outcome=%s winner_vote=%d reason=%q",
		round.ID, round.Outcome.Kind, round.Outcome.WinnerVote, round.Outcome.Reason)
	return round, nil
}

// collectVotes fans out to every tier in the set concurrently. Each tier gets
// its own staged workspace, timeout, and verification run.
func (a *Arbitrator) collectVotes(ctx context.Context, spec RoundSpec) []model.Vote {
	votes := make([]model.Vote, len(spec.TierSet))
	var g errgroup.Group
	for i, tier := range spec.TierSet {
		i, tier := i, tier
		g.Go(func() error {
			votes[i] = a.collectVote(ctx, spec, tier)
			return nil
		})
	}
	// Workers record failures as excluded votes instead of returning them.
	_ = g.Wait()
	return votes
}

func (a *Arbitrator) collectVote(ctx context.Context, spec RoundSpec, tier model.Tier) model.Vote {
	vote := model.Vote{Tier: tier}

	workdir, err := a.stager.Stage(ctx, spec.Task, string(tier))
	if err != nil {
		vote.Excluded = fmt.Sprintf("staging failed: %v", err)
		a.log(LogLevelWarn, "vote excluded task=%s tier=%s: %s", spec.Task.ID, tier, vote.Excluded)
		return vote
	}

	timeout := a.invokeTimeout(tier)
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	cand, err := a.invoker.Invoke(invokeCtx, tier, InvokeRequest{
		TaskID:  spec.Task.ID,
		Prompt:  BuildCandidatePrompt(spec.Task, spec.Report, spec.Reason),
		Workdir: workdir,
	})
	if err != nil {
		vote.DurationMS = time.Since(started).Milliseconds()
		if errors.Is(err, context.DeadlineExceeded) {
			vote.Excluded = fmt.Sprintf("invocation timed out after %v", timeout)
		} else {
			vote.Excluded = fmt.Sprintf("invocation failed: %v", err)
		}
		a.log(LogLevelWarn, "vote excluded task=%s tier=%s: %s", spec.Task.ID, tier, vote.Excluded)
		return vote
	}

	vote.Payload = cand.Payload
	vote.Confidence = cand.Confidence
	vote.DurationMS = cand.DurationMS
	vote.PayloadFingerprint = model.ComputePayloadFingerprint(cand.Payload)

	report, err := a.verify(ctx, workdir)
	if err != nil {
		vote.Excluded = fmt.Sprintf("verification error: %v", err)
		a.log(LogLevelWarn, "vote excluded task=%s tier=%s: %s", spec.Task.ID, tier, vote.Excluded)
		return vote
	}
	vote.Report = report
	if !report.AllGreen {
		vote.Excluded = "verification failed: " + report.Summary()
		a.log(LogLevelDebug, "vote excluded task=%s tier=%s: %s", spec.Task.ID, tier, vote.Excluded)
		return vote
	}

	vote.Verified = true
	a.log(LogLevelDebug, "vote collected task=%s tier=%s confidence=%.2f fingerprint=%s",
		spec.Task.ID, tier, vote.Confidence, vote.PayloadFingerprint)
	return vote
}

// invokeTimeout is the tier's own timeout, or the round default.
func (a *Arbitrator) invokeTimeout(tier model.Tier) time.Duration {
	if tc, ok := a.config.Tiers[string(tier)]; ok && tc.TimeoutSec > 0 {
		return time.Duration(tc.TimeoutSec) * time.Second
	}
	return time.Duration(a.config.Arbitration.InvokeTimeoutSec) * time.Second
}

func (a *Arbitrator) log(level LogLevel, format string, args ...any) {
	if level < a.logLevel {
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
	a.logger.Printf("%s %s ensemble: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
