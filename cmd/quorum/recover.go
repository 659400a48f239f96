package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/quorum/internal/model"
	"github.com/msageha/quorum/internal/store"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Repair the record store after a crash",
	Long: `Scan the record tree for crash leftovers and repair them: stray temp
files, corrupted records, orphaned begin markers, stale task folds, and
unresolved arbitration rounds. The daemon runs the same pass at startup;
this command is for inspecting a store without starting one.

Recovery is idempotent: a second run finds nothing.`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
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

	repairs := st.Recover()
	if len(repairs) == 0 {
		fmt.Println("Store clean: no repairs needed.")
		return nil
	}

	fmt.Printf("%d repair(s):\n", len(repairs))
	for _, r := range repairs {
		if r.TaskID != "" {
			fmt.Printf("  %-18s task=%s %s\n", r.Pattern, r.TaskID, r.Detail)
		} else {
			fmt.Printf("  %-18s %s\n", r.Pattern, r.Detail)
		}
	}

	if err := st.UpdateMetrics(func(m *model.Metrics) {
		m.Counters.RecoveryRepairs += len(repairs)
	}); err != nil {
		return fmt.Errorf("update metrics: %w", err)
	}
	return nil
}
