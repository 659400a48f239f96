package ensemble

import (
	"fmt"
	"strings"

	"github.com/msageha/quorum/internal/model"
)

// maxPromptDiagnostics bounds the failure listing shown to a model; the full
// report travels with the attempt record, not the prompt.
const maxPromptDiagnostics = 20

// BuildCandidatePrompt renders the instruction a tier receives when an
// arbitration round asks it for an independent candidate.
func BuildCandidatePrompt(task *model.Task, report *model.VerificationReport, reason string) string {
	var b strings.Builder
	b.WriteString("# Fix Required\n\n")
	fmt.Fprintf(&b, "Task %s: %s\n\n", task.ID, task.Description)

	b.WriteString("## Why You Are Being Asked\n\n")
	b.WriteString(reason)
	b.WriteString("\n\n")

	if len(task.Constraints) > 0 {
		b.WriteString("## Constraints\n\n")
		for _, c := range task.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Current Verification Failures\n\n")
	writeReportSection(&b, report)

	b.WriteString("## Instructions\n\n")
	b.WriteString("The current directory is an isolated copy of the task workspace. Apply\n")
	b.WriteString("the smallest change that makes verification pass, then print your\n")
	b.WriteString("complete proposed change to stdout. You may begin your reply with\n")
	b.WriteString("`confidence: <0.0-1.0>` on its own line to report how confident you are.\n")
	return b.String()
}

// BuildArbiterPrompt renders the tie-break instruction: every verified
// candidate, the excluded ones for context, and the two legal reply forms.
func BuildArbiterPrompt(spec RoundSpec, round *model.ArbitrationRound, cause string) string {
	var b strings.Builder
	b.WriteString("# Arbitration Required\n\n")
	b.WriteString("Multiple models produced candidates for this task and voting could not\n")
	b.WriteString("pick a winner. You are the arbiter.\n\n")

	b.WriteString("## Reason for Arbitration\n\n")
	b.WriteString(cause)
	b.WriteString("\n\n")

	b.WriteString("## Original Task\n\n")
	fmt.Fprintf(&b, "Task %s: %s\n\n", spec.Task.ID, spec.Task.Description)
	if len(spec.Task.Constraints) > 0 {
		for _, c := range spec.Task.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	if spec.Report != nil {
		b.WriteString("The attempt that triggered this round failed verification:\n\n")
		writeReportSection(&b, spec.Report)
	}

	b.WriteString("## Candidates\n\n")
	for n, i := range round.EligibleVotes() {
		v := &round.Votes[i]
		fmt.Fprintf(&b, "### Candidate %d: %s (confidence: %.2f)\n\n", n+1, v.Tier, v.Confidence)
		b.WriteString("```\n")
		b.WriteString(strings.TrimRight(v.Payload, "\n"))
		b.WriteString("\n```\n\n")
	}

	var excluded []string
	for i := range round.Votes {
		if round.Votes[i].Excluded != "" {
			excluded = append(excluded, fmt.Sprintf("- %s: %s", round.Votes[i].Tier, round.Votes[i].Excluded))
		}
	}
	if len(excluded) > 0 {
		b.WriteString("## Excluded\n\n")
		b.WriteString("These candidates failed verification or never arrived; they cannot win:\n\n")
		b.WriteString(strings.Join(excluded, "\n"))
		b.WriteString("\n\n")
	}

	b.WriteString("## Your Decision\n\n")
	b.WriteString("Reply in exactly one of two ways:\n\n")
	b.WriteString("1. Pick a winner: print `winner: N` (the candidate number) on a line by itself.\n")
	b.WriteString("2. Synthesize: if no candidate is acceptable as-is, apply a better change\n")
	b.WriteString("   to the current directory and print it as your reply.\n\n")
	b.WriteString("Consider:\n\n")
	b.WriteString("1. Correctness against the reported failures\n")
	b.WriteString("2. Code quality and consistency with the surrounding code\n")
	b.WriteString("3. Completeness: does it address every diagnostic?\n")
	b.WriteString("4. Side effects on call sites the change does not touch\n")
	return b.String()
}

// writeReportSection renders a report summary plus a bounded diagnostic list.
func writeReportSection(b *strings.Builder, report *model.VerificationReport) {
	if report == nil {
		b.WriteString("(no verification report available)\n\n")
		return
	}
	b.WriteString(report.Summary())
	b.WriteString("\n\n")
	for i, d := range report.Diagnostics {
		if i == maxPromptDiagnostics {
			fmt.Fprintf(b, "... and %d more\n", len(report.Diagnostics)-maxPromptDiagnostics)
			break
		}
		if loc := d.Location(); loc != "" {
			fmt.Fprintf(b, "- [%s] %s: %s\n", d.Category, loc, d.Message)
		} else {
			fmt.Fprintf(b, "- [%s] %s\n", d.Category, d.Message)
		}
	}
	if len(report.Diagnostics) > 0 {
		b.WriteString("\n")
	}
}
