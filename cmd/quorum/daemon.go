package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/quorum/internal/coord"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the quorum daemon",
	Long: `Run the long-lived coordinator process: watch the inbox for
submissions, drive verification cycles, resume arbitration rounds, and
maintain the fleet snapshot. One daemon per .quorum directory; a second
start fails on the singleton lock.

Stop with SIGINT or SIGTERM; a second signal forces exit.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	quorumDir, err := quorumPath()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(quorumDir)
	if err != nil {
		return err
	}

	d, err := coord.NewDaemon(quorumDir, *cfg)
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	return d.Run()
}
