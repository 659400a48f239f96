// Package model defines the data structures for quorum's configuration,
// tasks, reports, history, and arbitration records.
package model

type Config struct {
	Project     ProjectConfig         `yaml:"project"`
	Quorum      QuorumConfig          `yaml:"quorum"`
	Verifier    VerifierConfig        `yaml:"verifier"`
	Router      RouterConfig          `yaml:"router"`
	Escalation  EscalationConfig      `yaml:"escalation"`
	Arbitration ArbitrationConfig     `yaml:"arbitration"`
	Tiers       map[string]TierConfig `yaml:"tiers"`
	Daemon      DaemonConfig          `yaml:"daemon"`
	Notify      NotifyConfig          `yaml:"notify"`
	Logging     LoggingConfig         `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type QuorumConfig struct {
	Version     string `yaml:"version"`
	Created     string `yaml:"created"`
	ProjectRoot string `yaml:"project_root"`
}

type VerifierConfig struct {
	// Profile selects a named stage set: quick (fmt+check), full (all),
	// compile_only (lint+check). Empty means full.
	Profile string `yaml:"profile"`
	// Stages overrides the built-in pipeline entirely when set.
	Stages          []StageConfig `yaml:"stages,omitempty"`
	StopOnFailure   *bool         `yaml:"stop_on_failure"`   // default true
	StageTimeoutSec int           `yaml:"stage_timeout_sec"` // default 300
	OutputMaxBytes  int           `yaml:"output_max_bytes"`  // default 65536
}

type StageConfig struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
	// AlwaysAttempt runs the stage for partial diagnostics even after an
	// earlier failure under stop-on-failure policy.
	AlwaysAttempt bool `yaml:"always_attempt,omitempty"`
	// Parser selects the output parser: cargo_json, fmt_diff, test_summary,
	// or raw. Empty means raw.
	Parser string `yaml:"parser,omitempty"`
}

type RouterConfig struct {
	MultiFileThreshold int `yaml:"multi_file_threshold"` // default 8
	DiversityThreshold int `yaml:"diversity_threshold"`  // default 4
}

type EscalationConfig struct {
	AttemptCeiling    int               `yaml:"attempt_ceiling"` // default 3
	FileCeiling       int               `yaml:"file_ceiling"`    // default 8
	FingerprintPolicy FingerprintPolicy `yaml:"fingerprint_policy"`
}

type ArbitrationConfig struct {
	TierSet []string `yaml:"tier_set"`
	Method  string   `yaml:"method"` // default majority
	// MethodByDepth overrides the voting method per escalation depth (tier name).
	MethodByDepth map[string]string `yaml:"method_by_depth,omitempty"`
	// Weights are per-tier trust weights for weighted voting.
	Weights          map[string]float64 `yaml:"weights,omitempty"`
	ArbiterTier      string             `yaml:"arbiter_tier"`
	InvokeTimeoutSec int                `yaml:"invoke_timeout_sec"` // default 600
	// LowConfidence is the self-reported confidence below which a lone
	// candidate cannot carry a majority. Default 0.3.
	LowConfidence float64 `yaml:"low_confidence"`
}

type TierConfig struct {
	Model string `yaml:"model,omitempty"`
	// Command is the invocation command for this tier's provider; the prompt
	// payload is delivered on stdin, the candidate payload read from stdout.
	Command    []string `yaml:"command,omitempty"`
	TimeoutSec int      `yaml:"timeout_sec,omitempty"`
}

type DaemonConfig struct {
	ScanIntervalSec     int `yaml:"scan_interval_sec"`     // default 10
	ShutdownTimeoutSec  int `yaml:"shutdown_timeout_sec"`  // default 30
	MaxConcurrentCycles int `yaml:"max_concurrent_cycles"` // default 2
}

// NotifyConfig gates desktop alerts for outcomes that need an operator
// (human handoff, dead letter).
type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills unset fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Verifier.StageTimeoutSec <= 0 {
		c.Verifier.StageTimeoutSec = 300
	}
	if c.Verifier.OutputMaxBytes <= 0 {
		c.Verifier.OutputMaxBytes = 64 * 1024
	}
	if c.Router.MultiFileThreshold <= 0 {
		c.Router.MultiFileThreshold = 8
	}
	if c.Router.DiversityThreshold <= 0 {
		c.Router.DiversityThreshold = 4
	}
	if c.Escalation.AttemptCeiling <= 0 {
		c.Escalation.AttemptCeiling = 3
	}
	if c.Escalation.FileCeiling <= 0 {
		c.Escalation.FileCeiling = 8
	}
	if !c.Escalation.FingerprintPolicy.Valid() {
		c.Escalation.FingerprintPolicy = FingerprintExact
	}
	if len(c.Arbitration.TierSet) == 0 {
		c.Arbitration.TierSet = []string{string(TierReasoning), string(TierCloud)}
	}
	if c.Arbitration.Method == "" {
		c.Arbitration.Method = string(VotingMajority)
	}
	if c.Arbitration.ArbiterTier == "" {
		c.Arbitration.ArbiterTier = string(TopTier())
	}
	if c.Arbitration.InvokeTimeoutSec <= 0 {
		c.Arbitration.InvokeTimeoutSec = 600
	}
	if c.Arbitration.LowConfidence <= 0 {
		c.Arbitration.LowConfidence = 0.3
	}
	if c.Daemon.ScanIntervalSec <= 0 {
		c.Daemon.ScanIntervalSec = 10
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Daemon.MaxConcurrentCycles <= 0 {
		c.Daemon.MaxConcurrentCycles = 2
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// ArbitrationTierSet parses the configured tier set, dropping invalid names.
func (c *Config) ArbitrationTierSet() []Tier {
	var tiers []Tier
	for _, s := range c.Arbitration.TierSet {
		if t := Tier(s); t.Valid() {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// VotingMethodAt returns the voting method for the given escalation depth,
// falling back to the global method.
func (c *Config) VotingMethodAt(depth Tier) VotingMethod {
	if m, ok := c.Arbitration.MethodByDepth[string(depth)]; ok {
		if vm := VotingMethod(m); vm.Valid() {
			return vm
		}
	}
	if vm := VotingMethod(c.Arbitration.Method); vm.Valid() {
		return vm
	}
	return VotingMajority
}
