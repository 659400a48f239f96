// Package setup handles quorum project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/quorum/internal/model"
	yamlutil "github.com/msageha/quorum/internal/yaml"
	"github.com/msageha/quorum/templates"
)

const quorumDirName = ".quorum"

// Run initializes the .quorum/ directory structure in the given project directory.
// projectName overrides the auto-detected name (defaults to directory basename if empty).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, quorumDirName)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	// Create directory structure
	dirs := []string{
		"sessions",
		"attempts",
		"rounds",
		"inbox",
		"outbox",
		"human",
		"dead_letters",
		"locks",
		"logs",
		"quarantine",
		"staging",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	// Copy the operator guide
	if err := copyTemplateFile("quorum.md", filepath.Join(base, "quorum.md")); err != nil {
		return err
	}

	// Generate and write config.yaml with auto-filled fields
	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}

	for _, name := range cfg.Arbitration.TierSet {
		if _, ok := cfg.Tiers[name]; !ok {
			return fmt.Errorf("arbitration.tier_set names unknown tier %q", name)
		}
	}

	if err := writeYAMLAtomic(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	// Create the initial metrics snapshot
	if err := writeMetrics(filepath.Join(base, "metrics.yaml")); err != nil {
		return fmt.Errorf("write metrics.yaml: %w", err)
	}

	// Create daemon.lock (empty)
	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	// Read template config as base
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	// Auto-fill fields
	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Quorum.ProjectRoot = projectDir
	cfg.Quorum.Created = time.Now().Format(time.RFC3339)

	return &cfg, nil
}

func writeYAMLAtomic(path string, v any) error {
	return yamlutil.AtomicWrite(path, v)
}

func writeMetrics(path string) error {
	m := model.Metrics{
		SchemaVersion:   yamlutil.CurrentSchemaVersion,
		FileType:        model.MetricsFileType,
		TasksByStatus:   map[string]int{},
		Counters:        model.MetricsCounters{},
		DaemonHeartbeat: nil,
	}
	return writeYAMLAtomic(path, m)
}
