package verifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/msageha/quorum/internal/model"
)

// runStage executes one stage command under the per-stage timeout. It returns
// the stage result plus the full stdout for parsing; the result's Output field
// holds only the bounded excerpt kept in the record.
func (v *Verifier) runStage(ctx context.Context, stage model.StageConfig, workdir string) (model.StageResult, string) {
	result := model.StageResult{
		Name:    stage.Name,
		Command: strings.Join(stage.Command, " "),
	}
	if len(stage.Command) == 0 {
		result.Outcome = model.StageOutcomeFailed
		result.Output = "stage has no command"
		return result, ""
	}

	timeout := time.Duration(v.cfg.StageTimeoutSec) * time.Second
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(stageCtx, stage.Command[0], stage.Command[1:]...)
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	result.DurationMS = time.Since(started).Milliseconds()

	if err != nil {
		if stageCtx.Err() == context.DeadlineExceeded {
			result.Outcome = model.StageOutcomeFailed
			result.TimedOut = true
			result.Output = fmt.Sprintf("timed out after %v", timeout)
			return result, stdout.String()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Command could not start at all, e.g. cargo not on PATH.
			result.Outcome = model.StageOutcomeFailed
			result.Output = err.Error()
			return result, stdout.String()
		}
		result.Outcome = model.StageOutcomeFailed
	} else {
		result.Outcome = model.StageOutcomePassed
	}

	// stderr carries the human-readable tool output; fall back to stdout for
	// tools that write everything there, like cargo test.
	excerpt := stderr.String()
	if strings.TrimSpace(excerpt) == "" {
		excerpt = stdout.String()
	}
	result.Output = truncateOutput(excerpt, v.cfg.OutputMaxBytes)

	return result, stdout.String()
}

// truncateOutput caps s at max bytes, cutting on a rune boundary and marking
// the cut so readers of the record know output was dropped.
func truncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n[truncated at %d bytes]", max)
}
