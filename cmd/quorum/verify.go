package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/quorum/internal/verifier"
)

var (
	verifyWorkdir string
	verifyProfile string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run the verification pipeline once",
	Long: `Run the configured pipeline against a workspace and print the report.
No task state is touched; the exit code reflects the verdict.

Examples:
  quorum verify --workdir ./myproject
  quorum verify --profile quick`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVarP(&verifyWorkdir, "workdir", "w", ".", "Workspace directory to verify")
	verifyCmd.Flags().StringVar(&verifyProfile, "profile", "", "Stage profile override: quick, full, or compile_only")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	quorumDir, err := quorumPath()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(quorumDir)
	if err != nil {
		return err
	}

	workdir, err := filepath.Abs(verifyWorkdir)
	if err != nil {
		return fmt.Errorf("resolve workdir: %w", err)
	}

	vcfg := cfg.Verifier
	if verifyProfile != "" {
		// The flag overrides both the configured profile and any explicit
		// stage list.
		vcfg.Profile = verifyProfile
		vcfg.Stages = nil
	}

	report, err := verifier.New(vcfg).Run(cmd.Context(), workdir)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	fmt.Println(report.Summary())

	if len(report.Diagnostics) > 0 {
		fmt.Printf("\n%d diagnostic(s):\n", len(report.Diagnostics))
		for _, d := range report.Diagnostics {
			loc := d.File
			if d.Line > 0 {
				loc = fmt.Sprintf("%s:%d", d.File, d.Line)
			}
			if loc == "" {
				loc = "-"
			}
			code := ""
			if d.Code != "" {
				code = " [" + d.Code + "]"
			}
			fmt.Printf("  %-16s %s%s %s\n", d.Category, loc, code, d.Message)
		}
	}

	if !report.AllGreen {
		return fmt.Errorf("verification failed")
	}
	return nil
}
