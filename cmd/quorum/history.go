package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/quorum/internal/model"
	"github.com/msageha/quorum/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history <task-id>",
	Short: "Replay a task's attempt-by-attempt audit trail",
	Long: `Print the full escalation history of a task: every committed attempt
with its verification summary and decision, plus any arbitration rounds.

Examples:
  quorum history task_1700000000_deadbeef`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	quorumDir, err := quorumPath()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(quorumDir)
	if err != nil {
		return err
	}

	st, err := store.Open(quorumDir, *cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	taskID := args[0]
	task, err := st.FindTask(taskID)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	fmt.Printf("Task %s (session %s)\n", task.ID, task.SessionID)
	fmt.Printf("  status=%s tier=%s attempt=%d\n", task.Status, task.Tier, task.Attempt)
	if task.Workdir != "" {
		fmt.Printf("  workdir=%s\n", task.Workdir)
	}
	if task.Description != "" {
		fmt.Printf("  description: %s\n", task.Description)
	}

	recs, err := st.ListAttempts(taskID)
	if err != nil {
		return fmt.Errorf("list attempts: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("\nNo attempts committed yet.")
		return nil
	}

	for _, rec := range recs {
		summary := "(no report)"
		if rec.Report != nil {
			summary = rec.Report.Summary()
		}
		fmt.Printf("\nAttempt %d  tier=%s\n", rec.Attempt, rec.Tier)
		fmt.Printf("  verify: %s\n", summary)
		switch rec.Decision.Kind {
		case model.DecisionRetry, model.DecisionEscalate:
			fmt.Printf("  decision: %s (next tier %s)\n", rec.Decision.Kind, rec.Decision.Tier)
		case model.DecisionArbitrate:
			fmt.Printf("  decision: arbitrate across %v\n", rec.Decision.TierSet)
		default:
			fmt.Printf("  decision: %s\n", rec.Decision.Kind)
		}
		if rec.Decision.Reason != "" {
			fmt.Printf("  reason: %s\n", rec.Decision.Reason)
		}
		if rec.RoundID != "" {
			fmt.Printf("  round: %s\n", rec.RoundID)
		}
		fmt.Printf("  committed: %s\n", rec.CommittedAt)
	}

	rounds, err := st.ListRounds(taskID)
	if err != nil {
		return fmt.Errorf("list rounds: %w", err)
	}
	if len(rounds) > 0 {
		fmt.Println("\nRounds:")
		for _, r := range rounds {
			fmt.Printf("  %s  method=%s outcome=%s", r.ID, r.Method, r.Outcome.Kind)
			if w := r.Winner(); w != nil {
				fmt.Printf(" winner=%s", w.Tier)
			}
			if r.Outcome.TieBroken {
				fmt.Printf(" (tie-broken)")
			}
			fmt.Println()
			if r.Outcome.Reason != "" {
				fmt.Printf("    %s\n", r.Outcome.Reason)
			}
			for _, v := range r.Votes {
				state := "eligible"
				if v.Excluded != "" {
					state = "excluded: " + v.Excluded
				} else if !v.Verified {
					state = "unverified"
				}
				fmt.Printf("    vote tier=%s confidence=%.2f %s\n", v.Tier, v.Confidence, state)
			}
		}
	}

	return nil
}
