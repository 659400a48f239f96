package model

import (
	"fmt"
	"sort"
	"strings"
)

type StageOutcome string

const (
	StageOutcomePassed  StageOutcome = "passed"
	StageOutcomeFailed  StageOutcome = "failed"
	StageOutcomeSkipped StageOutcome = "skipped"
)

// StageResult records one pipeline stage run.
type StageResult struct {
	Name       string       `yaml:"name"`
	Outcome    StageOutcome `yaml:"outcome"`
	Command    string       `yaml:"command,omitempty"`
	DurationMS int64        `yaml:"duration_ms"`
	ExitCode   int          `yaml:"exit_code,omitempty"`
	TimedOut   bool         `yaml:"timed_out,omitempty"`
	// Output is a bounded excerpt of the raw tool output, kept for audit.
	Output string `yaml:"output,omitempty"`
}

// VerificationReport is the immutable snapshot of one pipeline run.
// It is created by the verifier, committed with the attempt record, and never
// mutated afterwards.
type VerificationReport struct {
	Stages      []StageResult `yaml:"stages"`
	Diagnostics []Diagnostic  `yaml:"diagnostics,omitempty"`
	AllGreen    bool          `yaml:"all_green"`
	StartedAt   string        `yaml:"started_at"`
	DurationMS  int64         `yaml:"duration_ms"`
	Workdir     string        `yaml:"workdir,omitempty"`
}

// Finalize computes AllGreen: true only when at least one stage ran and every
// recorded stage passed. A skipped stage means a prior failure cut the
// pipeline short, so it counts against the run.
func (r *VerificationReport) Finalize() {
	passed := 0
	for _, s := range r.Stages {
		if s.Outcome == StageOutcomePassed {
			passed++
		}
	}
	r.AllGreen = len(r.Stages) > 0 && passed == len(r.Stages)
}

// FirstFailure returns the first failed stage, or nil if none failed.
func (r *VerificationReport) FirstFailure() *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Outcome == StageOutcomeFailed {
			return &r.Stages[i]
		}
	}
	return nil
}

// FingerprintSet returns the sorted unique fingerprints of the report's
// diagnostics under the given policy.
func (r *VerificationReport) FingerprintSet(policy FingerprintPolicy) []string {
	return FingerprintSet(r.Diagnostics, policy)
}

// Files returns the distinct files referenced by diagnostics, sorted. This is
// the blast radius for the file-count escalation rule.
func (r *VerificationReport) Files() []string {
	seen := make(map[string]bool)
	var files []string
	for _, d := range r.Diagnostics {
		if d.File == "" || seen[d.File] {
			continue
		}
		seen[d.File] = true
		files = append(files, d.File)
	}
	sort.Strings(files)
	return files
}

// CategoryHistogram counts diagnostics per category.
func (r *VerificationReport) CategoryHistogram() map[Category]int {
	hist := make(map[Category]int)
	for _, d := range r.Diagnostics {
		hist[d.Category]++
	}
	return hist
}

// Summary renders the one-line report form used in logs and decision events,
// e.g. "[GREEN] 4/4 stages passed (412ms) [fmt:PASS → lint:PASS → check:PASS → test:PASS]".
func (r *VerificationReport) Summary() string {
	passed := 0
	for _, s := range r.Stages {
		if s.Outcome == StageOutcomePassed {
			passed++
		}
	}

	label := "RED"
	if r.AllGreen {
		label = "GREEN"
	}

	marks := make([]string, 0, len(r.Stages))
	for _, s := range r.Stages {
		mark := "FAIL"
		switch s.Outcome {
		case StageOutcomePassed:
			mark = "PASS"
		case StageOutcomeSkipped:
			mark = "SKIP"
		}
		marks = append(marks, fmt.Sprintf("%s:%s", s.Name, mark))
	}

	return fmt.Sprintf("[%s] %d/%d stages passed (%dms) [%s]",
		label, passed, len(r.Stages), r.DurationMS, strings.Join(marks, " → "))
}
