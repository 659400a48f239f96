package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/msageha/quorum/internal/model"
)

// projectDir is the directory holding .quorum/, settable with -C like git.
var projectDir string

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Verification and escalation decision core for a tiered model fleet",
	Long: `quorum coordinates fix attempts across a tiered model fleet.

Submissions enter through the inbox; each cycle verifies the workspace,
classifies the failures, and decides: accept, retry, escalate a tier,
convene a multi-model arbitration round, or hand off to a human.

Typical flow:
  quorum init               Scaffold .quorum/ in the project directory
  quorum daemon             Run the watcher (one per project)
  quorum submit "fix ..."   Queue a task cycle
  quorum status             Fleet snapshot
  quorum history <task-id>  Attempt-by-attempt audit replay`,
	SilenceUsage: true,
}

// Execute runs the root command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "Project directory containing .quorum/")
}

// quorumPath resolves the absolute .quorum directory under the project dir.
func quorumPath() (string, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	return filepath.Join(abs, ".quorum"), nil
}

// loadConfig reads the project configuration and applies defaults. A missing
// config.yaml means the directory was never initialized.
func loadConfig(quorumDir string) (*model.Config, error) {
	data, err := os.ReadFile(filepath.Join(quorumDir, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s is not initialized (run 'quorum init' first)", filepath.Dir(quorumDir))
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
