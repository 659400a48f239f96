package main

import (
	"github.com/spf13/cobra"

	"github.com/msageha/quorum/internal/status"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the fleet snapshot",
	Long: `Display daemon liveness, decision counters, and the per-task table.

Examples:
  quorum status
  quorum status --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit machine-readable JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	quorumDir, err := quorumPath()
	if err != nil {
		return err
	}
	return status.Run(quorumDir, statusJSON)
}
