package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/quorum/internal/model"
	"github.com/msageha/quorum/internal/store"
)

var (
	submitTaskID      string
	submitSessionID   string
	submitTier        string
	submitWorkdir     string
	submitConstraints []string
)

var submitCmd = &cobra.Command{
	Use:   "submit <description>",
	Short: "Queue a task cycle through the inbox",
	Long: `Write a submission into the inbox. The daemon picks it up, runs one
verification cycle, and emits the decision to the outbox.

A fresh submission mints new task and session ids. Pass --task to
re-trigger an existing task after acting on its last decision.

Examples:
  quorum submit "fix the borrow error in src/lib.rs" --workdir ./myproject
  quorum submit "apply reasoning fix" --task task_1700000000_deadbeef --workdir ./myproject
  quorum submit "fix type mismatch" --tier reasoning --constraint "do not change public signatures"`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitTaskID, "task", "", "Existing task id to re-trigger (default: mint a new task)")
	submitCmd.Flags().StringVar(&submitSessionID, "session", "", "Session id (default: mint a new session)")
	submitCmd.Flags().StringVar(&submitTier, "tier", "", "Initial tier: fast, reasoning, or cloud")
	submitCmd.Flags().StringVarP(&submitWorkdir, "workdir", "w", ".", "Workspace directory to verify")
	submitCmd.Flags().StringArrayVar(&submitConstraints, "constraint", nil, "Constraint line (repeatable)")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	quorumDir, err := quorumPath()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(quorumDir)
	if err != nil {
		return err
	}

	workdir, err := filepath.Abs(submitWorkdir)
	if err != nil {
		return fmt.Errorf("resolve workdir: %w", err)
	}

	taskID := submitTaskID
	if taskID == "" {
		if taskID, err = model.GenerateID(model.IDTypeTask); err != nil {
			return fmt.Errorf("mint task id: %w", err)
		}
	}
	sessionID := submitSessionID
	if sessionID == "" {
		if sessionID, err = model.GenerateID(model.IDTypeSession); err != nil {
			return fmt.Errorf("mint session id: %w", err)
		}
	}

	st, err := store.Open(quorumDir, *cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sub := &model.Submission{
		TaskID:      taskID,
		SessionID:   sessionID,
		Description: args[0],
		Constraints: submitConstraints,
		InitialTier: model.Tier(submitTier),
		Workdir:     workdir,
	}
	path, err := st.WriteSubmission(sub)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	fmt.Printf("Submitted task %s (session %s)\n", taskID, sessionID)
	fmt.Printf("  inbox: %s\n", path)
	return nil
}
