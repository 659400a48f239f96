package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/quorum/internal/setup"
)

var initProjectName string

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a .quorum directory",
	Long: `Scaffold the .quorum/ record tree, default configuration, and operator
guide in the given directory (default: the -C project directory).

Examples:
  quorum init
  quorum init ~/src/myproject --name myproject`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initProjectName, "name", "", "Project name (default: directory basename)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := projectDir
	if len(args) == 1 {
		dir = args[0]
	}

	if err := setup.Run(dir, initProjectName); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	fmt.Printf("Initialized %s\n", filepath.Join(abs, ".quorum"))
	fmt.Println("Edit .quorum/config.yaml to wire your tier provider commands, then run 'quorum daemon'.")
	return nil
}
