package ensemble

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/quorum/internal/model"
)

// Candidate is one tier's response to an invocation.
type Candidate struct {
	Tier       model.Tier
	Payload    string
	Confidence float64
	DurationMS int64
}

// InvokeRequest carries what a tier needs to produce a candidate.
type InvokeRequest struct {
	TaskID  string
	Prompt  string
	Workdir string
}

// Invoker produces one tier's candidate for a task. Implementations must
// honor context cancellation; a slow tier is cut off by the caller's timeout.
type Invoker interface {
	Invoke(ctx context.Context, tier model.Tier, req InvokeRequest) (*Candidate, error)
}

// CommandInvoker executes the tier's configured command with the prompt on
// stdin and the candidate payload on stdout. A first stdout line of the form
// "confidence: 0.85" reports the model's own confidence and is stripped from
// the payload; an unreported confidence defaults to the neutral 0.5.
type CommandInvoker struct {
	tiers map[string]model.TierConfig
}

func NewCommandInvoker(tiers map[string]model.TierConfig) *CommandInvoker {
	return &CommandInvoker{tiers: tiers}
}

func (ci *CommandInvoker) Invoke(ctx context.Context, tier model.Tier, req InvokeRequest) (*Candidate, error) {
	tc, ok := ci.tiers[string(tier)]
	if !ok || len(tc.Command) == 0 {
		return nil, fmt.Errorf("tier %s has no command configured", tier)
	}

	cmd := exec.CommandContext(ctx, tc.Command[0], tc.Command[1:]...)
	cmd.Dir = req.Workdir
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("tier %s: %w", tier, ctx.Err())
		}
		return nil, fmt.Errorf("tier %s invocation failed: %w (stderr: %s)", tier, err, firstLine(stderr.String()))
	}

	payload, confidence := splitConfidence(stdout.String())
	if strings.TrimSpace(payload) == "" {
		return nil, fmt.Errorf("tier %s produced an empty payload", tier)
	}
	return &Candidate{
		Tier:       tier,
		Payload:    payload,
		Confidence: confidence,
		DurationMS: time.Since(started).Milliseconds(),
	}, nil
}

var confidenceLineRe = regexp.MustCompile(`(?i)^confidence:\s*([0-9]*\.?[0-9]+)\s*$`)

// splitConfidence strips a leading confidence line from command output.
// Out-of-range values clamp to [0,1].
func splitConfidence(out string) (string, float64) {
	head, rest, found := strings.Cut(out, "\n")
	if m := confidenceLineRe.FindStringSubmatch(strings.TrimSpace(head)); m != nil {
		conf, err := strconv.ParseFloat(m[1], 64)
		if err == nil && found {
			if conf < 0 {
				conf = 0
			}
			if conf > 1 {
				conf = 1
			}
			return rest, conf
		}
	}
	return out, 0.5
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
