// Package verifier runs the cargo verification pipeline against a workspace
// and produces the immutable report the decision engine consumes. Stages run
// in a fixed order under a per-stage timeout; under stop-on-failure the first
// failed stage causes the rest to be recorded as skipped rather than run.
package verifier

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/msageha/quorum/internal/model"
)

// Stage names of the built-in cargo pipeline.
const (
	StageFmt   = "fmt"
	StageLint  = "lint"
	StageCheck = "check"
	StageTest  = "test"
)

// Parser names accepted in stage configuration.
const (
	ParserCargoJSON   = "cargo_json"
	ParserFmtDiff     = "fmt_diff"
	ParserTestSummary = "test_summary"
	ParserRaw         = "raw"
)

// Verifier executes verification pipelines. It is stateless between runs and
// safe for concurrent use.
type Verifier struct {
	cfg model.VerifierConfig
}

// New creates a verifier from configuration. Zero-value timeout and output
// bounds fall back to their defaults.
func New(cfg model.VerifierConfig) *Verifier {
	if cfg.StageTimeoutSec <= 0 {
		cfg.StageTimeoutSec = 300
	}
	if cfg.OutputMaxBytes <= 0 {
		cfg.OutputMaxBytes = 64 * 1024
	}
	return &Verifier{cfg: cfg}
}

func builtinStage(name string) model.StageConfig {
	switch name {
	case StageFmt:
		return model.StageConfig{
			Name:    StageFmt,
			Command: []string{"cargo", "fmt", "--all", "--check"},
			Parser:  ParserFmtDiff,
		}
	case StageLint:
		return model.StageConfig{
			Name:    StageLint,
			Command: []string{"cargo", "clippy", "--message-format=json", "--", "-D", "warnings"},
			Parser:  ParserCargoJSON,
		}
	case StageCheck:
		return model.StageConfig{
			Name:    StageCheck,
			Command: []string{"cargo", "check", "--message-format=json"},
			Parser:  ParserCargoJSON,
		}
	case StageTest:
		return model.StageConfig{
			Name:    StageTest,
			Command: []string{"cargo", "test"},
			Parser:  ParserTestSummary,
		}
	}
	return model.StageConfig{}
}

// profileStages maps a profile name to its stage sequence. quick skips the
// slow stages for tight iteration loops, compile_only skips formatting and
// tests for candidate screening during arbitration.
func profileStages(profile string) ([]model.StageConfig, error) {
	var names []string
	switch profile {
	case "", "full":
		names = []string{StageFmt, StageLint, StageCheck, StageTest}
	case "quick":
		names = []string{StageFmt, StageCheck}
	case "compile_only":
		names = []string{StageLint, StageCheck}
	default:
		return nil, fmt.Errorf("unknown verifier profile: %s", profile)
	}
	stages := make([]model.StageConfig, 0, len(names))
	for _, n := range names {
		stages = append(stages, builtinStage(n))
	}
	return stages, nil
}

// Stages resolves the effective stage list: an explicit stage override wins,
// otherwise the configured profile selects from the built-in pipeline.
func (v *Verifier) Stages() ([]model.StageConfig, error) {
	if len(v.cfg.Stages) > 0 {
		return v.cfg.Stages, nil
	}
	return profileStages(v.cfg.Profile)
}

// Run executes the pipeline in workdir and returns the finalized report.
// A failing stage is not an error; the report records the failure. Run
// returns an error only when the pipeline itself cannot run, such as a
// missing workdir, a bad profile, or context cancellation between stages.
func (v *Verifier) Run(ctx context.Context, workdir string) (*model.VerificationReport, error) {
	stages, err := v.Stages()
	if err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("verifier has no stages configured")
	}

	info, err := os.Stat(workdir)
	if err != nil {
		return nil, fmt.Errorf("workdir not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workdir is not a directory: %s", workdir)
	}

	stopOnFailure := true
	if v.cfg.StopOnFailure != nil {
		stopOnFailure = *v.cfg.StopOnFailure
	}

	started := time.Now()
	report := &model.VerificationReport{
		StartedAt: started.UTC().Format(time.RFC3339),
		Workdir:   workdir,
	}

	failed := false
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if failed && stopOnFailure && !stage.AlwaysAttempt {
			report.Stages = append(report.Stages, model.StageResult{
				Name:    stage.Name,
				Outcome: model.StageOutcomeSkipped,
			})
			continue
		}

		result, stdout := v.runStage(ctx, stage, workdir)
		if result.Outcome == model.StageOutcomeFailed {
			failed = true
		}

		diags := parseStageOutput(stage.Parser, stage.Name, stdout, result)
		report.Diagnostics = append(report.Diagnostics, diags...)
		report.Stages = append(report.Stages, result)
	}

	report.DurationMS = time.Since(started).Milliseconds()
	report.Finalize()
	return report, nil
}
